package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xaenox/octopus/internal/collector"
	"github.com/xaenox/octopus/internal/models"
	"github.com/xaenox/octopus/internal/storage"
	"github.com/xaenox/octopus/internal/tasks"
)

type fakeEnqueuer struct {
	mu     sync.Mutex
	ids    []int64
	failOn int64
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, collectorID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if collectorID == f.failOn {
		return "", errors.New("unsupported")
	}
	f.ids = append(f.ids, collectorID)
	return "task", nil
}

func (f *fakeEnqueuer) enqueued() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

func seed(t *testing.T, store *storage.MemoryStorage, active bool, status models.RunStatus) int64 {
	t.Helper()
	now := time.Now()
	return seedRun(t, store, active, status, &now)
}

func seedRun(t *testing.T, store *storage.MemoryStorage, active bool, status models.RunStatus, lastRunAt *time.Time) int64 {
	t.Helper()
	c := &models.Collector{Name: "c", Type: models.PlatformReddit, Config: "{}", IsActive: active, LastRunStatus: status, LastRunAt: lastRunAt}
	require.NoError(t, store.AddCollector(context.Background(), c))
	return c.ID
}

func TestScan_SkipsInactiveAndRunning(t *testing.T) {
	store := storage.NewMemoryStorage()
	idle := seed(t, store, true, models.StatusIdle)
	seed(t, store, false, models.StatusIdle)
	seed(t, store, true, models.StatusRunning)
	failed := seed(t, store, true, models.StatusFailure)
	enq := &fakeEnqueuer{}

	s := New(store, enq, Config{}, zap.NewNop())
	assert.Equal(t, 2, s.Scan(context.Background()))
	assert.Equal(t, []int64{idle, failed}, enq.enqueued())
}

func TestScan_EnqueueErrorDoesNotStopScan(t *testing.T) {
	store := storage.NewMemoryStorage()
	first := seed(t, store, true, models.StatusIdle)
	second := seed(t, store, true, models.StatusSuccess)
	enq := &fakeEnqueuer{failOn: first}

	s := New(store, enq, Config{}, zap.NewNop())
	assert.Equal(t, 1, s.Scan(context.Background()))
	assert.Equal(t, []int64{second}, enq.enqueued())
}

func TestRun_ScansOnStartAndStops(t *testing.T) {
	store := storage.NewMemoryStorage()
	id := seed(t, store, true, models.StatusIdle)
	enq := &fakeEnqueuer{}
	s := New(store, enq, Config{Interval: time.Hour, RunOnStart: true}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return len(enq.enqueued()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{id}, enq.enqueued())
}

func TestScan_StaleRunningIsEnqueuedAgain(t *testing.T) {
	store := storage.NewMemoryStorage()
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-5 * time.Minute)
	stuck := seedRun(t, store, true, models.StatusRunning, &old)
	seedRun(t, store, true, models.StatusRunning, &recent)
	enq := &fakeEnqueuer{}

	s := New(store, enq, Config{StaleAfter: time.Hour}, zap.NewNop())
	assert.Equal(t, 1, s.Scan(context.Background()))
	assert.Equal(t, []int64{stuck}, enq.enqueued())
}

func TestScan_QueuesOneChainPerCollector(t *testing.T) {
	store := storage.NewMemoryStorage()
	seed(t, store, true, models.StatusSuccess)
	registry := collector.NewRegistry()
	registry.Register(models.PlatformReddit, func() (collector.Source, error) {
		return nil, errors.New("not used")
	})
	queue := tasks.NewMemoryQueue(10 * time.Millisecond)
	orch := tasks.NewOrchestrator(store, registry, queue, tasks.NewMemoryStateStore(time.Hour), zap.NewNop())

	s := New(store, orch, Config{}, zap.NewNop())
	assert.Equal(t, 1, s.Scan(context.Background()))
	assert.Equal(t, 0, s.Scan(context.Background()))
	assert.Equal(t, 0, s.Scan(context.Background()))

	pending, processing := queue.Len()
	assert.Equal(t, 1, pending)
	assert.Zero(t, processing)
}
