package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kwang1012/sregym/pkg/app"
	"github.com/kwang1012/sregym/pkg/cluster"
	"github.com/kwang1012/sregym/pkg/crashsafety"
	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/fault"
	"github.com/kwang1012/sregym/pkg/models"
	"github.com/kwang1012/sregym/pkg/registry"

	k8sfake "k8s.io/client-go/kubernetes/fake"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeApp struct {
	app.Base
	mu       sync.Mutex
	deployed bool
	cleaned  bool
	healthy  bool
}

func (f *fakeApp) Deploy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployed = true
	return nil
}

func (f *fakeApp) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

func (f *fakeApp) StartWorkload(ctx context.Context) error { return nil }

func (f *fakeApp) CheckHealth(ctx context.Context) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return true, "healthy", nil
	}
	return false, "unhealthy", nil
}

func (f *fakeApp) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func (f *fakeApp) wasCleaned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleaned
}

type fakeInjector struct {
	mu        sync.Mutex
	injected  int
	recovered int
	injectErr error
}

func (f *fakeInjector) Inject(ctx context.Context, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected++
	return nil
}

func (f *fakeInjector) Recover(ctx context.Context, params map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered++
	return nil
}

func (f *fakeInjector) counts() (injected, recovered int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected, f.recovered
}

func sampleProblem() *models.Problem {
	return &models.Problem{
		ProblemID:     "pod-crashloop-01",
		AppRef:        "geo-app",
		InjectorRef:   "configmap-flag",
		FaultyTargets: []string{"geo"},
		Oracles: map[models.Stage]models.OracleSpec{
			models.StageDetection:    {Kind: "detection", Expected: "yes"},
			models.StageLocalization: {Kind: "localization"},
			models.StageMitigation:   {Kind: "mitigation"},
		},
	}
}

func newTestConductor(problem *models.Problem, a *fakeApp, inj *fakeInjector, clock *fakeClock, gateway *cluster.Gateway) *Conductor {
	reg := registry.NewProblemRegistry(map[string]*models.Problem{problem.ProblemID: problem})
	guard := crashsafety.New()
	return New(Dependencies{
		Gateway:  gateway,
		Problems: reg,
		Apps:     func(p *models.Problem) (app.App, error) { return a, nil },
		Injectors: func(p *models.Problem) (fault.Injector, error) {
			return inj, nil
		},
		CrashGuard: guard,
		Clock:      clock,
	})
}

func submitFence(literal string) string {
	return "```\nsubmit(" + literal + ")\n```"
}

func TestInitProblem_RejectsUnknownID(t *testing.T) {
	reg := registry.NewProblemRegistry(map[string]*models.Problem{})
	c := New(Dependencies{Problems: reg})
	_, err := c.InitProblem(context.Background(), "missing")
	require.Error(t, err)
}

func TestHappyPath_DetectionLocalizationMitigation(t *testing.T) {
	problem := sampleProblem()
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	c := newTestConductor(problem, fa, fi, clock, nil)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)

	sess, err := c.StartProblem(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.StageDetection, sess.Stage)
	require.True(t, sess.FaultActive)
	injected, _ := fi.counts()
	require.Equal(t, 1, injected)

	clock.Advance(5 * time.Second)
	sess, err = c.Submit(context.Background(), submitFence(`"Yes"`))
	require.NoError(t, err)
	require.Equal(t, models.StageLocalization, sess.Stage)
	require.True(t, sess.Results[models.StageDetection].Success)
	require.NotNil(t, sess.TTD)

	clock.Advance(5 * time.Second)
	sess, err = c.Submit(context.Background(), submitFence(`"geo"`))
	require.NoError(t, err)
	require.Equal(t, models.StageMitigation, sess.Stage)
	require.True(t, sess.Results[models.StageLocalization].Success)
	require.NotNil(t, sess.TTL)

	fa.setHealthy(true)
	clock.Advance(5 * time.Second)
	sess, err = c.Submit(context.Background(), submitFence(`"anything"`))
	require.NoError(t, err)
	require.Equal(t, models.StageDone, sess.Stage)
	require.True(t, sess.Results[models.StageMitigation].Success)
	require.NotNil(t, sess.TTM)
	require.False(t, sess.FaultActive)
	require.True(t, fa.wasCleaned())

	_, recovered := fi.counts()
	require.Equal(t, 1, recovered)

	require.Less(t, *sess.TTD, *sess.TTL)
	require.Less(t, *sess.TTL, *sess.TTM)
}

func TestWrongDetection_StageAdvancesRegardless(t *testing.T) {
	problem := sampleProblem()
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	c := newTestConductor(problem, fa, fi, clock, nil)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)
	_, err = c.StartProblem(context.Background())
	require.NoError(t, err)

	sess, err := c.Submit(context.Background(), submitFence(`"No"`))
	require.NoError(t, err)
	require.False(t, sess.Results[models.StageDetection].Success)
	require.Equal(t, models.StageLocalization, sess.Stage)
}

func TestInvalidFormat_StageUnchanged(t *testing.T) {
	problem := sampleProblem()
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	c := newTestConductor(problem, fa, fi, clock, nil)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)
	_, err = c.StartProblem(context.Background())
	require.NoError(t, err)

	sess, err := c.Submit(context.Background(), submitFence(`"maybe"`))
	require.NoError(t, err)
	require.Equal(t, models.StageDetection, sess.Stage)
	require.Equal(t, "Invalid Format", sess.Results[models.StageDetection].Score)
}

func TestSubmit_UnparseableInputLeavesResultsUntouched(t *testing.T) {
	problem := sampleProblem()
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	c := newTestConductor(problem, fa, fi, clock, nil)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)
	_, err = c.StartProblem(context.Background())
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), "```\nsubmit(\"unterminated\n```")
	require.Error(t, err)
	require.True(t, errs.IsParseError(err))

	sess := c.Session()
	require.Equal(t, models.StageDetection, sess.Stage)
	require.Empty(t, sess.Results)
}

func TestSubmit_RejectsWhenNotAGradingStage(t *testing.T) {
	problem := sampleProblem()
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	c := newTestConductor(problem, fa, fi, clock, nil)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), submitFence(`"Yes"`))
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrWrongStage)
}

func TestEmulatedClusterGate_SkipsWithoutInjecting(t *testing.T) {
	problem := sampleProblem()
	problem.RequiresPrivilegedRuntime = true
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	gateway := cluster.NewForTesting(k8sfake.NewSimpleClientset(), nil, true)
	c := newTestConductor(problem, fa, fi, clock, gateway)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)

	sess, err := c.StartProblem(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.StageDone, sess.Stage)
	require.Equal(t, SkippedPrivilegedRequired, sess.SkippedReason)
	require.False(t, sess.FaultActive)

	injected, _ := fi.counts()
	require.Equal(t, 0, injected)
	require.False(t, fa.deployed)
}

func TestShutdown_RecoversFaultAndIsIdempotent(t *testing.T) {
	problem := sampleProblem()
	fa := &fakeApp{Base: app.Base{Ns: "geo-ns", Name: "geo-app"}}
	fi := &fakeInjector{}
	clock := &fakeClock{t: time.Now()}
	c := newTestConductor(problem, fa, fi, clock, nil)

	_, err := c.InitProblem(context.Background(), problem.ProblemID)
	require.NoError(t, err)
	_, err = c.StartProblem(context.Background())
	require.NoError(t, err)

	c.Shutdown(context.Background())
	c.Shutdown(context.Background())

	_, recovered := fi.counts()
	require.Equal(t, 1, recovered)
	require.Equal(t, models.StageDone, c.Status())
}
