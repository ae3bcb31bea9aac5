// Package oracle implements the grading logic for each stage of the Staged
// Grading Protocol: Detection, Localization, Mitigation, and an optional
// LLM Judge. Grounded on the teacher's scoring discipline in
// pkg/agent/controller/scoring.go and the sentinel/typed error style of
// pkg/services/errors.go.
package oracle

import (
	"context"
	"strconv"
	"strings"

	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/parser"
)

// Result is the oracle contract shared by every stage (spec.md §3 "Oracle Result").
// Score is either a float in [0,1] or the literal string "Invalid Format".
type Result struct {
	Success  bool
	Score    any
	IsSubset bool
	Reason   string
}

// InvalidFormatResult is the canonical reply for a submission that parsed
// but has the wrong shape for its stage (spec.md §7 FormatError).
func InvalidFormatResult(reason string) Result {
	return Result{Success: false, Score: "Invalid Format", Reason: reason}
}

// Oracle grades one agent submission (or, for Mitigation, none at all)
// against ground truth or live cluster state.
type Oracle interface {
	Evaluate(ctx context.Context, solution parser.Literal) (Result, error)
}

// --- Detection -------------------------------------------------------------

// DetectionOracle compares a yes/no submission case-insensitively and
// whitespace-normalised against Expected.
type DetectionOracle struct {
	Expected string // "yes" or "no", case-insensitive
}

func normalizeYesNo(s string) (bool, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "yes", "y", "true":
		return true, true
	case "no", "n", "false":
		return false, true
	default:
		return false, false
	}
}

func (d DetectionOracle) Evaluate(ctx context.Context, solution parser.Literal) (Result, error) {
	got, ok := normalizeYesNo(solution.AsString())
	if !ok {
		return InvalidFormatResult("detection answer must be yes/no"), nil
	}
	want, wantOK := normalizeYesNo(d.Expected)
	if !wantOK {
		want = strings.EqualFold(strings.TrimSpace(d.Expected), "yes")
	}

	success := got == want
	score := 0.0
	if success {
		score = 1.0
	}
	reason := "detection answer did not match expected outcome"
	if success {
		reason = "detection answer matched expected outcome"
	}
	return Result{Success: success, Score: score, Reason: reason}, nil
}

// --- Localization ----------------------------------------------------------

// LocalizationOracle grades whether the submission, treated as an ordered
// sequence, is an in-order subset of FaultyTargets (spec.md §4.3).
type LocalizationOracle struct {
	FaultyTargets []string
}

// IsOrderedSubset reports whether needle appears, in order, as a (possibly
// non-contiguous) subsequence of haystack: for needle=[a,b] and
// haystack=[x,a,y,b,z], IsOrderedSubset is true.
func IsOrderedSubset(needle, haystack []string) bool {
	if len(needle) == 0 {
		return false
	}
	hi := 0
	for _, n := range needle {
		found := false
		for ; hi < len(haystack); hi++ {
			if haystack[hi] == n {
				found = true
				hi++
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (l LocalizationOracle) Evaluate(ctx context.Context, solution parser.Literal) (Result, error) {
	submitted := solution.AsStringList()
	if len(submitted) == 0 || (len(submitted) == 1 && submitted[0] == "") {
		return InvalidFormatResult("localization answer must be a service identifier or ordered sequence"), nil
	}

	exact := len(submitted) == len(l.FaultyTargets) && IsOrderedSubset(submitted, l.FaultyTargets)
	subset := IsOrderedSubset(submitted, l.FaultyTargets)

	if !subset {
		return Result{
			Success:  false,
			Score:    0.0,
			IsSubset: false,
			Reason:   "submission is not an ordered subset of the faulty targets",
		}, nil
	}

	score := 1.0
	if !exact && len(l.FaultyTargets) > 0 {
		score = float64(len(submitted)) / float64(len(l.FaultyTargets))
	}

	return Result{
		Success:  true,
		Score:    score,
		IsSubset: true,
		Reason:   "submission is an ordered subset of the faulty targets",
	}, nil
}

// --- Mitigation --------------------------------------------------------------

// HealthChecker re-queries the cluster for post-fix health. It takes no
// argument from the agent, per spec.md §4.3.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (healthy bool, reason string, err error)
}

// MitigationOracle polls HealthChecker within a bounded number of attempts.
type MitigationOracle struct {
	Checker  HealthChecker
	MaxPolls int
}

func (m MitigationOracle) Evaluate(ctx context.Context, _ parser.Literal) (Result, error) {
	maxPolls := m.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 1
	}

	var lastReason string
	for i := 0; i < maxPolls; i++ {
		healthy, reason, err := m.Checker.CheckHealth(ctx)
		if err != nil {
			return Result{}, &errs.OracleError{Stage: "mitigation", Reason: err.Error()}
		}
		lastReason = reason
		if healthy {
			return Result{Success: true, Score: 1.0, Reason: reason}, nil
		}
		select {
		case <-ctx.Done():
			return Result{Success: false, Score: 0.0, Reason: "timed out waiting for health check"}, nil
		default:
		}
	}
	return Result{Success: false, Score: 0.0, Reason: lastReason}, nil
}

// --- LLM Judge ---------------------------------------------------------------

// Judge is the minimal capability an LLM-backed judge needs: given a
// free-text answer and ground truth, return true/false plus reasoning.
// Backend initialization is lazy; callers should treat a nil Judge as
// "unavailable" and record the stage as skipped per spec.md §4.3.
type Judge interface {
	Judge(ctx context.Context, answer, groundTruth, rubric string) (pass bool, reasoning string, err error)
}

// LLMJudgeOracle delegates to a Judge backend. If the backend is nil or
// returns an error, Evaluate returns an OracleError so the Conductor can
// record the stage as skipped rather than failed (spec.md §4.3).
type LLMJudgeOracle struct {
	Backend     Judge
	GroundTruth string
	Rubric      string
}

func (j LLMJudgeOracle) Evaluate(ctx context.Context, solution parser.Literal) (Result, error) {
	if j.Backend == nil {
		return Result{}, &errs.OracleError{Stage: "llm_judge", Reason: "LLM judge backend unavailable"}
	}
	pass, reasoning, err := j.Backend.Judge(ctx, solution.AsString(), j.GroundTruth, j.Rubric)
	if err != nil {
		return Result{}, &errs.OracleError{Stage: "llm_judge", Reason: err.Error()}
	}
	score := 0.0
	if pass {
		score = 1.0
	}
	return Result{Success: pass, Score: score, Reason: reasoning}, nil
}

// ParseScore renders a Result's Score field back to a float, used by
// callers that need a numeric TTD/TTL/TTM-adjacent comparison. Returns
// (0, false) for the "Invalid Format" sentinel.
func ParseScore(score any) (float64, bool) {
	switch v := score.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
