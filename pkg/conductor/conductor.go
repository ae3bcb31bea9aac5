// Package conductor implements the Staged Grading Protocol state machine:
// idle → setup → noop → detection → localization → mitigation → done.
//
// The Conductor is specified as single-threaded cooperative (spec.md §5):
// only one logical transition is ever in flight. Rather than modeling that
// as a dedicated event-loop goroutine reading off a typed channel, this
// Conductor serializes every InitProblem/StartProblem/Submit call behind a
// single mutex — the HTTP layer in pkg/submission already hands requests to
// it from arbitrary goroutines, so the exclusion has to exist regardless of
// whether the serialization point is a lock or a channel receive, and a
// mutex keeps the call sites ordinary synchronous functions (see
// DESIGN.md, pkg/conductor entry, "Open Question: mutex vs. typed-channel
// event loop").
//
// Grounded on the stage/session lifecycle shape of the teacher's
// pkg/services/stage_service.go and pkg/services/session_service.go
// (validate → mutate → persist), adapted from ent-backed CRUD into an
// in-memory state machine with cooperative stage advancement.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kwang1012/sregym/pkg/app"
	"github.com/kwang1012/sregym/pkg/cluster"
	"github.com/kwang1012/sregym/pkg/crashsafety"
	"github.com/kwang1012/sregym/pkg/database"
	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/fault"
	"github.com/kwang1012/sregym/pkg/metrics"
	"github.com/kwang1012/sregym/pkg/models"
	"github.com/kwang1012/sregym/pkg/oracle"
	"github.com/kwang1012/sregym/pkg/parser"
	"github.com/kwang1012/sregym/pkg/registry"
	"github.com/kwang1012/sregym/pkg/workload"
)

// SkippedPrivilegedRequired is the session.SkippedReason recorded when the
// emulated-cluster gate (spec.md §4.7) fires.
const SkippedPrivilegedRequired = "SKIPPED_PRIVILEGED_REQUIRED"

// cleanupTimeout bounds the terminal cleanup scope (app teardown, fault
// recovery, residual resource deletion) so a wedged dependency cannot hang
// the Conductor forever.
const cleanupTimeout = 30 * time.Second

// Clock abstracts wall-clock reads so tests can control TTD/TTL/TTM timing,
// mirroring workload.Clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// AppFactory resolves a Problem's AppRef to a live App instance.
type AppFactory func(problem *models.Problem) (app.App, error)

// InjectorFactory resolves a Problem's InjectorRef to a live Injector.
type InjectorFactory func(problem *models.Problem) (fault.Injector, error)

// Dependencies wires every collaborator the Conductor needs. Concrete App
// and Injector implementations are resolved per-problem through factories
// rather than injected directly, mirroring pkg/models.Problem's own
// "AppRef/InjectorRef by name, not by live reference" shape (spec.md §9
// "Cyclic collaborators").
type Dependencies struct {
	Gateway    *cluster.Gateway
	Problems   *registry.ProblemRegistry
	Apps       AppFactory
	Injectors  InjectorFactory
	CrashGuard *crashsafety.Guard
	Workload   *workload.Generator // optional: harness-level synthetic traffic
	DB         *database.Client    // optional: nil disables persistence
	Judge      oracle.Judge        // optional: backend for llm_judge oracles
	Clock      Clock               // optional: defaults to realClock{}
	Logger     *slog.Logger
}

// Conductor drives one problem session end to end.
type Conductor struct {
	mu sync.Mutex

	deps   Dependencies
	logger *slog.Logger

	problem  *models.Problem
	app      app.App
	injector fault.Injector
	oracles  map[models.Stage]oracle.Oracle

	session      *models.Session
	crashHookID  int
	crashHookSet bool

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New builds a Conductor around its Dependencies. No session is active
// until InitProblem is called.
func New(deps Dependencies) *Conductor {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.With("component", "conductor")
	}
	return &Conductor{
		deps:       deps,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// InitProblem resolves problemID and moves idle → setup. It does not yet
// deploy anything; StartProblem does the heavyweight setup → noop work.
func (c *Conductor) InitProblem(ctx context.Context, problemID string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.Stage != models.StageDone {
		return nil, fmt.Errorf("%w: a session is already active in stage %s", errs.ErrWrongStage, c.session.Stage)
	}

	problem, err := c.deps.Problems.Get(problemID)
	if err != nil {
		return nil, err
	}

	tasklist := problem.Tasklist
	if len(tasklist) == 0 {
		tasklist = append([]models.Stage(nil), models.DefaultTasklist...)
	}

	c.problem = problem
	c.app = nil
	c.injector = nil
	c.oracles = nil
	c.session = &models.Session{
		DBID:           uuid.NewString(),
		ProblemID:      problem.ProblemID,
		Stage:          models.StageSetup,
		Results:        make(map[models.Stage]models.StageResult),
		ExecutionStart: c.deps.Clock.Now(),
		Tasklist:       tasklist,
	}

	c.persist(ctx)
	return c.session.Snapshot(), nil
}

// StartProblem performs setup → noop: deploys the app, grades the noop
// baseline, injects the fault, registers the crash-safety hook, and
// advances to the first real grading stage per tasklist (spec.md §4.7).
//
// If the problem requires a privileged runtime and the Gateway reports an
// emulated cluster, the session is skipped instead: no app is deployed,
// no fault is injected, and cleanup runs immediately (spec.md §4.7
// "Emulated-cluster gate").
func (c *Conductor) StartProblem(ctx context.Context) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Stage != models.StageSetup {
		return nil, fmt.Errorf("%w: start_problem requires stage setup", errs.ErrWrongStage)
	}
	problem := c.problem

	if problem.RequiresPrivilegedRuntime && c.deps.Gateway != nil && c.deps.Gateway.IsEmulatedCluster() {
		c.session.Stage = models.StageDone
		c.session.SkippedReason = SkippedPrivilegedRequired
		c.runTerminalCleanup(ctx)
		c.persist(ctx)
		return c.session.Snapshot(), nil
	}

	appInst, err := c.deps.Apps(problem)
	if err != nil {
		return nil, fmt.Errorf("resolve app %q: %w", problem.AppRef, err)
	}
	if err := appInst.Deploy(ctx); err != nil {
		return nil, fmt.Errorf("deploy app: %w", err)
	}
	if err := appInst.StartWorkload(ctx); err != nil {
		return nil, fmt.Errorf("start app workload: %w", err)
	}

	injectorInst, err := c.deps.Injectors(problem)
	if err != nil {
		return nil, fmt.Errorf("resolve injector %q: %w", problem.InjectorRef, err)
	}

	c.app = appInst
	c.injector = injectorInst
	c.oracles = buildOracles(problem, appInst, c.deps.Judge)

	if c.deps.Workload != nil {
		if err := c.deps.Workload.Start(ctx); err != nil {
			return nil, fmt.Errorf("start workload generator: %w", err)
		}
	}

	c.session.Stage = models.StageNoop
	metrics.StageTransitionsTotal.WithLabelValues(problem.ProblemID, string(models.StageNoop)).Inc()

	c.recordResult(models.StageNoop, c.gradeNoop(ctx, appInst))

	if err := c.injector.Inject(ctx, problem.FaultParams); err != nil {
		c.session.Stage = models.StageDone
		c.runTerminalCleanup(ctx)
		c.persist(ctx)
		return nil, fmt.Errorf("%w: %v", errs.ErrFaultInjection, err)
	}
	c.session.FaultActive = true
	c.registerCrashHook()

	c.advanceAfter(ctx, models.StageNoop)
	c.persist(ctx)
	return c.session.Snapshot(), nil
}

// gradeNoop records a baseline reading before the fault is injected
// (spec.md §4.7: "records a baseline false-positive signal") from the app's
// live health check, not from an oracle or an agent submission, since noop
// is not a GradingStages member and never consumes a submit().
func (c *Conductor) gradeNoop(ctx context.Context, target app.App) models.StageResult {
	now := c.deps.Clock.Now()
	checker, ok := target.(oracle.HealthChecker)
	if !ok {
		return models.StageResult{Success: true, Score: 1.0, Reason: "app exposes no health check; baseline assumed healthy", RecordedAt: now}
	}
	healthy, reason, err := checker.CheckHealth(ctx)
	if err != nil {
		return models.StageResult{Success: false, Score: nil, Reason: "baseline health check errored: " + err.Error(), RecordedAt: now}
	}
	return models.StageResult{Success: healthy, Score: boolScore(healthy), Reason: reason, RecordedAt: now}
}

// Submit grades one agent submission against the current grading stage's
// oracle and advances per the skip-forward rule (spec.md §4.7, §7).
//
// A ParseError (malformed submission) leaves results and stage untouched
// and is returned for the caller to surface as 400. A FormatError-shaped
// oracle result (Score == "Invalid Format") is recorded but does not
// advance the stage. Any other oracle outcome — including an OracleError,
// recorded as a skipped/unscored entry — advances the stage regardless of
// success.
func (c *Conductor) Submit(ctx context.Context, raw string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || !models.GradingStages[c.session.Stage] {
		stage := models.StageIdle
		if c.session != nil {
			stage = c.session.Stage
		}
		return nil, fmt.Errorf("%w: stage %s does not accept a submission", errs.ErrWrongStage, stage)
	}
	stage := c.session.Stage

	call, err := parser.Parse(raw)
	if err != nil {
		return nil, err
	}
	if call.APIName != "submit" || len(call.Args) != 1 {
		return nil, &errs.ParseError{Input: raw, Reason: "expected a single submit(<repr>) call"}
	}

	o, ok := c.oracles[stage]
	if !ok {
		return nil, fmt.Errorf("internal error: stage %s has no oracle attached", stage)
	}

	result, err := o.Evaluate(ctx, call.Args[0])
	if err != nil {
		var oe *errs.OracleError
		if errors.As(err, &oe) {
			c.recordResult(stage, models.StageResult{Success: false, Score: nil, Reason: oe.Reason, RecordedAt: c.deps.Clock.Now()})
			c.recordTiming(stage)
			c.advanceAfter(ctx, stage)
			c.persist(ctx)
			return c.session.Snapshot(), nil
		}
		return nil, err
	}

	sr := models.StageResult{
		Success:    result.Success,
		Score:      result.Score,
		IsSubset:   result.IsSubset,
		Reason:     result.Reason,
		RecordedAt: c.deps.Clock.Now(),
	}
	c.recordResult(stage, sr)

	if invalidFormat, ok := sr.Score.(string); ok && invalidFormat == "Invalid Format" {
		c.persist(ctx)
		return c.session.Snapshot(), nil
	}

	c.recordTiming(stage)
	c.advanceAfter(ctx, stage)
	c.persist(ctx)
	return c.session.Snapshot(), nil
}

func (c *Conductor) recordResult(stage models.Stage, sr models.StageResult) {
	c.session.Results[stage] = sr
}

func (c *Conductor) recordTiming(stage models.Stage) {
	elapsed := c.deps.Clock.Now().Sub(c.session.ExecutionStart).Seconds()
	switch stage {
	case models.StageDetection:
		c.session.TTD = &elapsed
		metrics.TimeToDetectSeconds.WithLabelValues(c.session.ProblemID).Observe(elapsed)
	case models.StageLocalization:
		c.session.TTL = &elapsed
		metrics.TimeToLocalizeSeconds.WithLabelValues(c.session.ProblemID).Observe(elapsed)
	case models.StageMitigation:
		c.session.TTM = &elapsed
		metrics.TimeToMitigateSeconds.WithLabelValues(c.session.ProblemID).Observe(elapsed)
	}
}

// advanceAfter moves to the next stage in the tasklist after stage,
// applying the skip-forward rule, and runs terminal cleanup on entering
// done.
func (c *Conductor) advanceAfter(ctx context.Context, stage models.Stage) {
	idx := indexOf(c.session.Tasklist, stage)
	next := c.nextStage(idx)
	c.session.Stage = next
	metrics.StageTransitionsTotal.WithLabelValues(c.session.ProblemID, string(next)).Inc()
	if next == models.StageDone {
		c.runTerminalCleanup(ctx)
	}
}

// nextStage walks tasklist forward from fromIdx+1, skipping grading stages
// with no attached oracle (spec.md §4.7 "Skip-forward rule"). A non-grading
// stage (done) always halts the walk.
func (c *Conductor) nextStage(fromIdx int) models.Stage {
	tl := c.session.Tasklist
	for i := fromIdx + 1; i < len(tl); i++ {
		s := tl[i]
		if !models.GradingStages[s] {
			return s
		}
		if _, ok := c.oracles[s]; ok {
			return s
		}
	}
	return models.StageDone
}

// runTerminalCleanup implements the "on entering done" sequence: stop
// workload, recover the fault, unregister the crash-safety hook, tear down
// the app, and record the terminal metric. The launcher and proxy are not
// owned by the Conductor and are not torn down here. App teardown runs
// under an errgroup; a failure in it, or in fault recovery, is logged, not
// fatal, since the session is already ending (spec.md §7 "errors inside a
// stage never skip the recovery path").
func (c *Conductor) runTerminalCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if c.deps.Workload != nil {
		c.deps.Workload.Stop()
	}

	if c.session.FaultActive && c.injector != nil {
		if err := c.injector.Recover(cleanupCtx, c.problem.FaultParams); err != nil {
			c.logger.Error("fault recovery failed during terminal cleanup", "error", err)
		} else {
			c.session.FaultActive = false
		}
	}
	c.unregisterCrashHook()

	if c.app != nil {
		g, gctx := errgroup.WithContext(cleanupCtx)
		target := c.app
		g.Go(func() error { return target.Cleanup(gctx) })
		if err := g.Wait(); err != nil {
			c.logger.Error("app cleanup failed", "error", err)
		}
	}

	outcome := "done"
	if c.session.SkippedReason != "" {
		outcome = "skipped"
	}
	metrics.SessionsTotal.WithLabelValues(c.session.ProblemID, outcome).Inc()
}

// registerCrashHook registers recover_fault as a Crash-Safety hook so a
// SIGINT/SIGTERM mid-grading still releases the fault exactly once
// (spec.md §4.9, P3). The hook takes the Conductor's own lock since it
// runs from the Guard's signal-handling goroutine, never reentrantly from
// inside Submit/StartProblem.
func (c *Conductor) registerCrashHook() {
	if c.deps.CrashGuard == nil {
		return
	}
	c.crashHookID = c.deps.CrashGuard.Register(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session == nil || !c.session.FaultActive || c.injector == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.injector.Recover(ctx, c.problem.FaultParams); err != nil {
			c.logger.Error("sigint recovery failed", "error", err)
			return
		}
		c.session.FaultActive = false
	})
	c.crashHookSet = true
}

func (c *Conductor) unregisterCrashHook() {
	if c.crashHookSet && c.deps.CrashGuard != nil {
		c.deps.CrashGuard.Unregister(c.crashHookID)
		c.crashHookSet = false
	}
}

// Shutdown runs the cleanup path outside the normal stage-advancement flow,
// for an operator-initiated or cooperative-shutdown request (spec.md §4.7
// transition (c), §4.8). Idempotent: later calls are no-ops.
func (c *Conductor) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session != nil && c.session.Stage != models.StageDone {
			c.session.Stage = models.StageDone
			c.runTerminalCleanup(ctx)
			c.persist(ctx)
		}
	})
}

// ShutdownRequested reports whether Shutdown has been called.
func (c *Conductor) ShutdownRequested() <-chan struct{} {
	return c.shutdownCh
}

// Status returns the current stage, or StageIdle if no session is active.
func (c *Conductor) Status() models.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.StageIdle
	}
	return c.session.Stage
}

// GetApp returns the active app's identity fields for GET /get_app.
func (c *Conductor) GetApp() (appName, namespace, description string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.app == nil {
		return "", "", "", false
	}
	return c.app.AppName(), c.app.Namespace(), c.app.Description(), true
}

// GetProblem returns the active problem id for GET /get_problem.
func (c *Conductor) GetProblem() (problemID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.problem == nil {
		return "", false
	}
	return c.problem.ProblemID, true
}

// Session returns a snapshot of the current session, or nil if idle.
func (c *Conductor) Session() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Snapshot()
}

func (c *Conductor) persist(ctx context.Context) {
	if c.deps.DB == nil || c.session == nil {
		return
	}
	run := &models.RunRecord{
		SessionID: c.session.DBID,
		ProblemID: c.session.ProblemID,
		Stage:     c.session.Stage,
		Results:   c.session.Results,
		TTD:       c.session.TTD,
		TTL:       c.session.TTL,
		TTM:       c.session.TTM,
		StartedAt: c.session.ExecutionStart,
	}
	if c.session.Stage == models.StageDone {
		now := c.deps.Clock.Now()
		run.CompletedAt = &now
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.deps.DB.SaveRun(saveCtx, run); err != nil {
		c.logger.Warn("persist run record failed (best-effort)", "error", err)
	}
}

func buildOracles(problem *models.Problem, target app.App, judge oracle.Judge) map[models.Stage]oracle.Oracle {
	oracles := make(map[models.Stage]oracle.Oracle, len(problem.Oracles))
	for stage, spec := range problem.Oracles {
		switch spec.Kind {
		case "detection":
			oracles[stage] = oracle.DetectionOracle{Expected: spec.Expected}
		case "localization":
			oracles[stage] = oracle.LocalizationOracle{FaultyTargets: problem.FaultyTargets}
		case "mitigation":
			if checker, ok := target.(oracle.HealthChecker); ok {
				oracles[stage] = oracle.MitigationOracle{Checker: checker, MaxPolls: 10}
			}
		case "llm_judge":
			oracles[stage] = oracle.LLMJudgeOracle{Backend: judge, GroundTruth: spec.Expected, Rubric: spec.Rubric}
		}
	}
	return oracles
}

func indexOf(tl []models.Stage, s models.Stage) int {
	for i, v := range tl {
		if v == s {
			return i
		}
	}
	return -1
}

func boolScore(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
