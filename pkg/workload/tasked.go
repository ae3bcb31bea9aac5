package workload

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kwang1012/sregym/pkg/models"
)

// Task is implemented by callers supplying the fixed-duration run body: it
// drives traffic for `duration` and returns one WorkloadEntry summarising
// the run (spec.md §4.4 "each run produces one WorkloadEntry").
type Task interface {
	Run(ctx context.Context, duration time.Duration) (models.WorkloadEntry, error)
}

// TaskedProducer schedules a Task on a cron expression using robfig/cron/v3,
// grounded on r3e-network-service_layer's cron-scheduled on-chain pollers.
// Each firing's resulting WorkloadEntry is appended to the owning
// Generator's history directly (Tasked generators have no StreamReader).
type TaskedProducer struct {
	task     Task
	duration time.Duration
	spec     string

	cron    *cron.Cron
	entryID cron.EntryID
	gen     *Generator // set via AttachGenerator before Start

	logger *slog.Logger
}

// NewTaskedProducer builds a producer that runs task for `runDuration` on
// the given cron spec (e.g. "@every 30s").
func NewTaskedProducer(task Task, runDuration time.Duration, cronSpec string) *TaskedProducer {
	return &TaskedProducer{
		task:     task,
		duration: runDuration,
		spec:     cronSpec,
		logger:   slog.With("component", "tasked_workload"),
	}
}

// AttachGenerator wires the owning Generator so runs can append to its
// history. Must be called before Start.
func (p *TaskedProducer) AttachGenerator(g *Generator) {
	p.gen = g
}

func (p *TaskedProducer) Start(ctx context.Context) error {
	p.cron = cron.New()
	id, err := p.cron.AddFunc(p.spec, func() { p.runOnce(ctx) })
	if err != nil {
		return err
	}
	p.entryID = id
	p.cron.Start()
	return nil
}

func (p *TaskedProducer) Stop() {
	if p.cron != nil {
		stopCtx := p.cron.Stop()
		<-stopCtx.Done()
	}
}

func (p *TaskedProducer) runOnce(ctx context.Context) {
	entry, err := p.task.Run(ctx, p.duration)
	if err != nil {
		p.logger.Warn("tasked workload run failed", "error", err)
		entry.OK = false
	}
	if p.gen != nil {
		p.gen.Append(entry)
	}
}
