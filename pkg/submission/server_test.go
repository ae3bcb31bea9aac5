package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kwang1012/sregym/pkg/app"
	"github.com/kwang1012/sregym/pkg/conductor"
	"github.com/kwang1012/sregym/pkg/crashsafety"
	"github.com/kwang1012/sregym/pkg/fault"
	"github.com/kwang1012/sregym/pkg/models"
	"github.com/kwang1012/sregym/pkg/parser"
	"github.com/kwang1012/sregym/pkg/registry"
)

type stubApp struct {
	app.Base
}

func (stubApp) Deploy(ctx context.Context) error        { return nil }
func (stubApp) Cleanup(ctx context.Context) error       { return nil }
func (stubApp) StartWorkload(ctx context.Context) error { return nil }

type stubInjector struct{}

func (stubInjector) Inject(ctx context.Context, params map[string]any) error  { return nil }
func (stubInjector) Recover(ctx context.Context, params map[string]any) error { return nil }

func newTestServer(t *testing.T) (*Server, *conductor.Conductor) {
	t.Helper()
	problem := &models.Problem{
		ProblemID:     "pod-crashloop-01",
		AppRef:        "geo-app",
		InjectorRef:   "configmap-flag",
		FaultyTargets: []string{"geo"},
		Oracles: map[models.Stage]models.OracleSpec{
			models.StageDetection: {Kind: "detection", Expected: "yes"},
		},
	}
	reg := registry.NewProblemRegistry(map[string]*models.Problem{problem.ProblemID: problem})
	c := conductor.New(conductor.Dependencies{
		Problems: reg,
		Apps:     func(p *models.Problem) (app.App, error) { return stubApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app", Desc: "geo service"}}, nil },
		Injectors: func(p *models.Problem) (fault.Injector, error) {
			return stubInjector{}, nil
		},
		CrashGuard: crashsafety.New(),
	})

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)
	_, err = c.StartProblem(context.Background())
	require.NoError(t, err)

	s := New(c, Options{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, c
}

func TestHandleStatus_ReturnsCurrentStage(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "detection", body["stage"])
}

func TestHandleSubmit_GradesAndAdvancesStage(t *testing.T) {
	s, _ := newTestServer(t)

	payload, _ := json.Marshal(submitRequest{Solution: "Yes"})
	resp, err := http.Post("http://"+s.Addr()+"/submit", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statusResp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&body))
	require.Equal(t, "done", body["stage"])
}

func TestHandleSubmit_MalformedBodyReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := http.Post("http://"+s.Addr()+"/submit", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleGetApp_ReturnsAppIdentity(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := http.Get("http://" + s.Addr() + "/get_app")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "geo-app", body["app_name"])
	require.Equal(t, "geo-ns", body["namespace"])
}

func TestHandleGetProblem_ReturnsProblemID(t *testing.T) {
	s, _ := newTestServer(t)
	resp, err := http.Get("http://" + s.Addr() + "/get_problem")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "pod-crashloop-01", body["problem_id"])
}

func TestWrapSolution_SurvivesBackticksAndNewlines(t *testing.T) {
	raw := "line one\nline `two` \"three\""
	wrapped := wrapSolution(raw)
	require.Contains(t, wrapped, "submit(")
	require.True(t, len(wrapped) > 0)

	call, err := parser.Parse(wrapped)
	require.NoError(t, err)
	require.Len(t, call.Args, 1)
	require.Equal(t, raw, call.Args[0].AsString())
}
