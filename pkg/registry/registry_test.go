package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/models"
)

const sampleYAML = `
problems:
  - problem_id: pod-crashloop-01
    app: hotrod
    injector: configmap-flag
    faulty_targets: ["frontend", "redis"]
    oracles:
      detection:
        kind: yes_no
        expected: "yes"
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "problems.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadProblemRegistry_ParsesAndDefaultsTasklist(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	reg, err := LoadProblemRegistry(path)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	p, err := reg.Get("pod-crashloop-01")
	require.NoError(t, err)
	assert.Equal(t, "hotrod", p.AppRef)
	assert.Equal(t, []string{"frontend", "redis"}, p.FaultyTargets)
	assert.Equal(t, models.DefaultTasklist, p.Tasklist)
}

func TestLoadProblemRegistry_RejectsDuplicateIDs(t *testing.T) {
	path := writeTemp(t, sampleYAML+sampleYAML)
	_, err := LoadProblemRegistry(path)
	require.Error(t, err)
}

func TestLoadProblemRegistry_RejectsMissingRequiredFields(t *testing.T) {
	path := writeTemp(t, `
problems:
  - problem_id: ""
    app: hotrod
    injector: configmap-flag
`)
	_, err := LoadProblemRegistry(path)
	require.Error(t, err)
	assert.True(t, errs.IsValidationError(err))
}

func TestGet_UnknownIDReturnsErrNotFound(t *testing.T) {
	reg := NewProblemRegistry(nil)
	_, err := reg.Get("does-not-exist")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGet_ReturnsDefensiveCopy(t *testing.T) {
	reg := NewProblemRegistry(map[string]*models.Problem{
		"p1": {ProblemID: "p1", AppRef: "a", InjectorRef: "i", FaultyTargets: []string{"x"}},
	})

	p, err := reg.Get("p1")
	require.NoError(t, err)
	p.FaultyTargets[0] = "mutated"

	p2, err := reg.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, "x", p2.FaultyTargets[0])
}

func TestGetAll_ReturnsAllEntries(t *testing.T) {
	reg := NewProblemRegistry(map[string]*models.Problem{
		"p1": {ProblemID: "p1", AppRef: "a", InjectorRef: "i"},
		"p2": {ProblemID: "p2", AppRef: "b", InjectorRef: "i"},
	})
	all := reg.GetAll()
	assert.Len(t, all, 2)
	assert.True(t, reg.Has("p1"))
	assert.False(t, reg.Has("p3"))
}
