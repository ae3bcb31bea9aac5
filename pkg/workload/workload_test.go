package workload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang1012/sregym/pkg/errs"
	"github.com/kwang1012/sregym/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type noopProducer struct{}

func (noopProducer) Start(ctx context.Context) error { return nil }
func (noopProducer) Stop()                           {}

func TestCollect_ZeroNumberReturnsImmediately(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	g := New(noopProducer{}, nil, WithClock(clk))

	entries, err := g.Collect(context.Background(), 0, float64(clk.Now().Unix()))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCollect_FutureStartTimeErrors(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	g := New(noopProducer{}, nil, WithClock(clk))

	_, err := g.Collect(context.Background(), 1, float64(clk.Now().Unix())+1000)
	require.Error(t, err)
}

func TestCollect_StaleStartTimeErrors(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	g := New(noopProducer{}, nil, WithClock(clk))

	_, err := g.Collect(context.Background(), 1, float64(clk.Now().Unix())-CollectTimeout.Seconds()-1)
	require.Error(t, err)
}

func TestCollect_ReturnsContiguousSuffix(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	g := New(noopProducer{}, nil, WithClock(clk))
	g.Append(
		models.WorkloadEntry{Time: 990, RequestCount: 5},
		models.WorkloadEntry{Time: 995, RequestCount: 5},
		models.WorkloadEntry{Time: 1000, RequestCount: 5},
	)

	entries, err := g.Collect(context.Background(), 5, 995)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(995), entries[0].Time)
	assert.Equal(t, float64(1000), entries[1].Time)
}

func TestCollect_TimesOutWhenInsufficientVolume(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	g := New(noopProducer{}, nil, WithClock(clk))
	g.Append(models.WorkloadEntry{Time: 1000, RequestCount: 1})

	done := make(chan error, 1)
	go func() {
		_, err := g.Collect(context.Background(), 100, 1000)
		done <- err
	}()

	// Let the collector take its first snapshot, then fast-forward past the deadline.
	time.Sleep(50 * time.Millisecond)
	clk.Advance(CollectTimeout + time.Second)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrCollectTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("collect did not return after deadline")
	}
}

func TestRecentEntries_ZeroDurationReturnsEmpty(t *testing.T) {
	g := New(noopProducer{}, nil)
	assert.Empty(t, g.RecentEntries(0))
}

func TestAppend_UpdatesLastLogTime(t *testing.T) {
	g := New(noopProducer{}, nil)
	g.Append(models.WorkloadEntry{Time: 5}, models.WorkloadEntry{Time: 10})
	assert.Equal(t, float64(10), g.LastLogTime())
}

type fakeTask struct {
	n int
}

func (f *fakeTask) Run(ctx context.Context, d time.Duration) (models.WorkloadEntry, error) {
	f.n++
	return models.WorkloadEntry{Time: float64(f.n), RequestCount: 1, OK: true}, nil
}
