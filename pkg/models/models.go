// Package models contains the shared data model of the evaluation harness:
// problems, sessions, oracle results, and workload entries.
package models

import "time"

// Stage is one grading phase of a problem session.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageSetup        Stage = "setup"
	StageNoop         Stage = "noop"
	StageDetection    Stage = "detection"
	StageLocalization Stage = "localization"
	StageMitigation   Stage = "mitigation"
	StageDone         Stage = "done"
)

// DefaultTasklist is the stage order used when a problem does not override it.
var DefaultTasklist = []Stage{StageNoop, StageDetection, StageLocalization, StageMitigation, StageDone}

// GradingStages are the stages that consume an agent submission.
var GradingStages = map[Stage]bool{
	StageDetection:    true,
	StageLocalization: true,
	StageMitigation:   true,
}

// Problem is an immutable descriptor of one evaluation scenario.
//
// App and Injector are resolved by name through a registry rather than held
// as live references, so Problem never needs to know about the Conductor or
// the Cluster Gateway it will eventually run against.
type Problem struct {
	ProblemID               string            `yaml:"problem_id" json:"problem_id"`
	AppRef                   string            `yaml:"app" json:"app"`
	InjectorRef              string            `yaml:"injector" json:"injector"`
	FaultParams              map[string]any    `yaml:"fault_params" json:"fault_params"`
	FaultyTargets            []string          `yaml:"faulty_targets" json:"faulty_targets"`
	Oracles                  map[Stage]OracleSpec `yaml:"oracles" json:"oracles"`
	RequiresPrivilegedRuntime bool             `yaml:"requires_privileged_runtime" json:"requires_privileged_runtime"`
	Tasklist                 []Stage          `yaml:"tasklist,omitempty" json:"tasklist,omitempty"`
}

// OracleSpec names which oracle kind grades a stage and carries its ground truth.
type OracleSpec struct {
	Kind     string `yaml:"kind" json:"kind"` // "detection" | "localization" | "mitigation" | "llm_judge"
	Expected string `yaml:"expected,omitempty" json:"expected,omitempty"`
	Rubric   string `yaml:"rubric,omitempty" json:"rubric,omitempty"`
}

// StageResult is the recorded outcome of grading one stage. Score is either
// a float in [0,1] or the literal string "Invalid Format" — represented here
// as `any` to match the oracle contract precisely (spec.md §3).
type StageResult struct {
	Success   bool      `json:"success"`
	Score     any       `json:"score"`
	IsSubset  bool      `json:"is_subset,omitempty"`
	Reason    string    `json:"reason"`
	Artifacts any       `json:"artifacts,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Session is the runtime record of one problem run. Fields mutated after
// construction are guarded by the owning Conductor's mutex — Session itself
// holds no lock so that read snapshots can be copied freely (I5).
type Session struct {
	DBID              string                 `json:"db_id"`
	ProblemID         string                 `json:"problem_id"`
	PodID             string                 `json:"pod_id"`
	Stage             Stage                  `json:"stage"`
	Results           map[Stage]StageResult  `json:"results"`
	ExecutionStart    time.Time              `json:"-"`
	TTD               *float64               `json:"ttd,omitempty"`
	TTL               *float64               `json:"ttl,omitempty"`
	TTM               *float64               `json:"ttm,omitempty"`
	FaultActive       bool                   `json:"fault_active"`
	Tasklist          []Stage                `json:"tasklist"`
	SkippedReason     string                 `json:"skipped_reason,omitempty"`
}

// Snapshot returns a deep-enough copy of the session safe for handing to an
// HTTP handler without further synchronization.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Results = make(map[Stage]StageResult, len(s.Results))
	for k, v := range s.Results {
		cp.Results[k] = v
	}
	cp.Tasklist = append([]Stage(nil), s.Tasklist...)
	return &cp
}

// WorkloadEntry is one unit of synthetic-traffic history, appended in
// nondecreasing order of Time.
type WorkloadEntry struct {
	Time         float64 `json:"time"`
	RequestCount int     `json:"request_count"`
	Log          string  `json:"log"`
	OK           bool    `json:"ok"`
}

// RunRecord mirrors the results.json artifact written per session, persisted
// so an operator can inspect partial runs after a crash.
type RunRecord struct {
	SessionID   string                `json:"session_id"`
	ProblemID   string                `json:"problem_id"`
	Stage       Stage                 `json:"stage"`
	Results     map[Stage]StageResult `json:"results"`
	TTD         *float64              `json:"ttd,omitempty"`
	TTL         *float64              `json:"ttl,omitempty"`
	TTM         *float64              `json:"ttm,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}
