// Package workload implements the Workload Generator: a long-running
// synthetic-traffic producer whose history is collected by the Conductor
// and whose fault-surfacing noise the agent under test investigates.
//
// Two families exist, per spec.md §4.4:
//   - Tasked: repeated fixed-duration runs on a schedule (robfig/cron/v3,
//     grounded on r3e-network-service_layer's periodic on-chain poller).
//   - Stream: one long-running producer whose log lines are parsed into
//     WorkloadEntry records by a background reader.
//
// Both families share the same append-only, monotonically-ordered history
// and the collect() algorithm of spec.md §4.4.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/models"
)

// CollectTimeout bounds how long collect() waits for enough accumulated
// request volume before raising errs.ErrCollectTimeout (spec.md §4.4).
const CollectTimeout = 2 * time.Minute

// pollInterval is the sleep between accumulation checks inside collect().
const pollInterval = 3 * time.Second

// Clock abstracts monotonic time so tests can drive collect() deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Producer is implemented by the Tasked/Stream-specific backends: anything
// that can be started, stopped, and (for the Stream family) polled for new
// log lines since a cursor.
type Producer interface {
	Start(ctx context.Context) error
	Stop()
}

// StreamReader is implemented by Stream-family producers: a follow-style
// read that returns only entries newer than `since`.
type StreamReader interface {
	ReadSince(ctx context.Context, since float64) ([]models.WorkloadEntry, error)
}

// Generator accumulates WorkloadEntry history and serves collect()/
// recent_entries() queries against it. The history is append-only and
// ordered by Time; readers binary-search a stable prefix (spec.md §5).
type Generator struct {
	mu      sync.RWMutex
	history []models.WorkloadEntry

	lastLogTime float64 // stream cursor (spec.md §4.4 "last_log_time")

	producer Producer
	reader   StreamReader // nil for Tasked-family generators
	clock    Clock

	cache Cache // optional secondary store; best-effort, never authoritative

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	logger *slog.Logger
}

// Cache is the optional Redis-backed mirror of recent entries and the
// last_log_time cursor (SPEC_FULL.md §4.4 domain-stack addition). It is
// cache-aside: Generator.history remains authoritative, so a Cache failure
// never affects correctness, only cross-replica recovery convenience.
type Cache interface {
	SaveCursor(ctx context.Context, lastLogTime float64) error
	AppendEntries(ctx context.Context, entries []models.WorkloadEntry) error
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the clock (used in tests).
func WithClock(c Clock) Option { return func(g *Generator) { g.clock = c } }

// WithCache attaches an optional secondary cache.
func WithCache(c Cache) Option { return func(g *Generator) { g.cache = c } }

// New builds a Generator around a producer. For the Stream family pass a
// StreamReader; for Tasked-family generators leave reader nil and call
// Append directly from the scheduled task (see tasked.go).
func New(producer Producer, reader StreamReader, opts ...Option) *Generator {
	g := &Generator{
		producer: producer,
		reader:   reader,
		clock:    realClock{},
		stopCh:   make(chan struct{}),
		logger:   slog.With("component", "workload_generator"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the producer and, for Stream-family generators, the
// background log-streaming goroutine. Idempotent.
func (g *Generator) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = true
	g.mu.Unlock()

	if err := g.producer.Start(ctx); err != nil {
		return fmt.Errorf("start workload producer: %w", err)
	}

	if g.reader != nil {
		g.wg.Add(1)
		go g.streamLoop(ctx)
	}
	return nil
}

// Stop halts the producer and any background reader goroutine, waiting for
// it to exit before returning.
func (g *Generator) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.producer.Stop()
	g.wg.Wait()
}

func (g *Generator) streamLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.pollStream(ctx); err != nil {
				g.logger.Warn("stream poll failed", "error", err)
			}
		}
	}
}

// pollStream issues a follow-style read and appends new entries, rejecting
// any that are not monotone-nondecreasing by timestamp (spec.md §4.4).
func (g *Generator) pollStream(ctx context.Context) error {
	g.mu.RLock()
	since := g.lastLogTime
	g.mu.RUnlock()

	entries, err := g.reader.ReadSince(ctx, since)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	fresh := make([]models.WorkloadEntry, 0, len(entries))
	for _, e := range entries {
		if e.Time <= since {
			continue
		}
		fresh = append(fresh, e)
	}
	if len(fresh) == 0 {
		return nil
	}
	for i := 1; i < len(fresh); i++ {
		if fresh[i].Time < fresh[i-1].Time {
			return fmt.Errorf("stream produced out-of-order entries: %v before %v", fresh[i], fresh[i-1])
		}
	}

	g.Append(fresh...)
	return nil
}

// Append adds entries to the ordered history (used directly by Tasked-family
// generators and tests). Entries must already be in nondecreasing Time order.
func (g *Generator) Append(entries ...models.WorkloadEntry) {
	if len(entries) == 0 {
		return
	}
	g.mu.Lock()
	g.history = append(g.history, entries...)
	last := entries[len(entries)-1].Time
	if last > g.lastLogTime {
		g.lastLogTime = last
	}
	g.mu.Unlock()

	if g.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.cache.AppendEntries(ctx, entries); err != nil {
			g.logger.Warn("cache append failed (best-effort)", "error", err)
		}
		if err := g.cache.SaveCursor(ctx, last); err != nil {
			g.logger.Warn("cache cursor save failed (best-effort)", "error", err)
		}
	}
}

// Collect implements the collect() algorithm of spec.md §4.4: waits until
// at least `number` requests have accumulated from startTime onward, or
// raises errs.ErrCollectTimeout.
func (g *Generator) Collect(ctx context.Context, number int, startTime float64) ([]models.WorkloadEntry, error) {
	now := g.clock.Now()
	nowTS := float64(now.Unix())

	if startTime == 0 {
		startTime = nowTS
	}
	if startTime > nowTS {
		return nil, fmt.Errorf("start_time %v is in the future (now=%v)", startTime, nowTS)
	}
	if nowTS-startTime > CollectTimeout.Seconds() {
		return nil, fmt.Errorf("start_time %v is too far in the past (now=%v)", startTime, nowTS)
	}

	deadline := now.Add(CollectTimeout)

	for {
		slice, accumulated := g.snapshotFrom(startTime)
		if accumulated >= number {
			return slice, nil
		}

		if g.clock.Now().After(deadline) {
			return nil, fmt.Errorf("%w: accumulated %d/%d requests since %v", errs.ErrCollectTimeout, accumulated, number, startTime)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// snapshotFrom binary-searches the history for the first entry with
// Time >= startTime and returns the contiguous suffix plus its accumulated
// request count (P4: contiguous suffix starting at the first entry with
// time >= t).
func (g *Generator) snapshotFrom(startTime float64) ([]models.WorkloadEntry, int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx := sort.Search(len(g.history), func(i int) bool {
		return g.history[i].Time >= startTime
	})

	suffix := g.history[idx:]
	total := 0
	for _, e := range suffix {
		total += e.RequestCount
	}
	out := make([]models.WorkloadEntry, len(suffix))
	copy(out, suffix)
	return out, total
}

// RecentEntries returns entries within `duration` of now. RecentEntries(0)
// returns an empty slice (spec.md §8 boundary behaviour).
func (g *Generator) RecentEntries(duration time.Duration) []models.WorkloadEntry {
	if duration <= 0 {
		return []models.WorkloadEntry{}
	}
	cutoff := float64(g.clock.Now().Add(-duration).Unix())
	entries, _ := g.snapshotFrom(cutoff)
	return entries
}

// LastLogTime returns the stream cursor's current high-water mark.
func (g *Generator) LastLogTime() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastLogTime
}
