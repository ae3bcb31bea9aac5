// Package registry loads and serves the catalogue of fault-injection
// problems from YAML (apps/injectors are referenced by name only and are
// not loaded here), mirroring the
// teacher's pkg/config agent/chain registries: in-memory, thread-safe,
// defensive-copy-on-read, immutable after load.
package registry

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/models"
)

// ProblemRegistry stores problem definitions in memory with thread-safe,
// read-mostly access. Loaded once at startup from one or more YAML files and
// never mutated afterward.
type ProblemRegistry struct {
	mu       sync.RWMutex
	problems map[string]*models.Problem
}

// problemFile is the on-disk YAML shape: a flat list under `problems:`.
type problemFile struct {
	Problems []models.Problem `yaml:"problems"`
}

// NewProblemRegistry builds a registry from an in-memory set, taking a
// defensive copy so later external mutation of the input map can't leak in.
func NewProblemRegistry(problems map[string]*models.Problem) *ProblemRegistry {
	copied := make(map[string]*models.Problem, len(problems))
	for k, v := range problems {
		copied[k] = v
	}
	return &ProblemRegistry{problems: copied}
}

// LoadProblemRegistry reads one or more YAML files, each holding a
// `problems:` list, and merges them into a single registry. A later file
// overriding an earlier ProblemID is treated as an error: catalogues are
// meant to be disjoint, unlike config layers which are meant to override.
func LoadProblemRegistry(paths ...string) (*ProblemRegistry, error) {
	problems := make(map[string]*models.Problem)
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read problem registry %s: %w", path, err)
		}
		var pf problemFile
		if err := yaml.Unmarshal(raw, &pf); err != nil {
			return nil, fmt.Errorf("parse problem registry %s: %w", path, err)
		}
		for i := range pf.Problems {
			p := pf.Problems[i]
			if err := validateProblem(&p); err != nil {
				return nil, fmt.Errorf("%s: problem %q: %w", path, p.ProblemID, err)
			}
			if _, exists := problems[p.ProblemID]; exists {
				return nil, fmt.Errorf("%s: duplicate problem id %q", path, p.ProblemID)
			}
			problems[p.ProblemID] = &p
		}
	}
	return NewProblemRegistry(problems), nil
}

func validateProblem(p *models.Problem) error {
	if p.ProblemID == "" {
		return errs.NewValidationError("problem_id", "must not be empty")
	}
	if p.AppRef == "" {
		return errs.NewValidationError("app_ref", "must not be empty")
	}
	if p.InjectorRef == "" {
		return errs.NewValidationError("injector_ref", "must not be empty")
	}
	if len(p.Tasklist) == 0 {
		p.Tasklist = append([]models.Stage(nil), models.DefaultTasklist...)
	}
	return nil
}

// Get retrieves a problem definition by id. Returns errs.ErrNotFound if
// absent. The returned Problem is a defensive copy; callers may not mutate
// the registry's internal state through it.
func (r *ProblemRegistry) Get(id string) (*models.Problem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.problems[id]
	if !ok {
		return nil, fmt.Errorf("%w: problem %q", errs.ErrNotFound, id)
	}
	cp := *p
	cp.FaultyTargets = append([]string(nil), p.FaultyTargets...)
	cp.Tasklist = append([]models.Stage(nil), p.Tasklist...)
	cp.FaultParams = copyAnyMap(p.FaultParams)
	cp.Oracles = copyOracleMap(p.Oracles)
	return &cp, nil
}

// GetAll returns every registered problem, each a defensive copy.
func (r *ProblemRegistry) GetAll() map[string]*models.Problem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*models.Problem, len(r.problems))
	for id := range r.problems {
		// Get takes the lock itself; reuse via the unlocked path instead.
		p := r.problems[id]
		cp := *p
		cp.FaultyTargets = append([]string(nil), p.FaultyTargets...)
		cp.Tasklist = append([]models.Stage(nil), p.Tasklist...)
		cp.FaultParams = copyAnyMap(p.FaultParams)
		cp.Oracles = copyOracleMap(p.Oracles)
		out[id] = &cp
	}
	return out
}

// Has reports whether a problem id is registered.
func (r *ProblemRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.problems[id]
	return ok
}

// Len returns the number of registered problems.
func (r *ProblemRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.problems)
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyOracleMap(m map[models.Stage]models.OracleSpec) map[models.Stage]models.OracleSpec {
	if m == nil {
		return nil
	}
	out := make(map[models.Stage]models.OracleSpec, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
