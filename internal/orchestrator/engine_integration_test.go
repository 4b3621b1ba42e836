package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fluxforge/taskengine/internal/crontrigger"
	"github.com/fluxforge/taskengine/internal/depgraph"
	"github.com/fluxforge/taskengine/internal/handler"
	"github.com/fluxforge/taskengine/internal/queue"
	"github.com/fluxforge/taskengine/internal/result"
	"github.com/fluxforge/taskengine/internal/retry"
	"github.com/fluxforge/taskengine/internal/task"
	"github.com/fluxforge/taskengine/internal/timeoutsup"
	"github.com/fluxforge/taskengine/internal/workerpool"
)

// engineHarness wires the real store, queue, graph, cron registry, retry
// controller, worker pool, and scheduler loop together, the way
// cmd/taskengine does, with tick intervals cranked down for tests.
type engineHarness struct {
	store   *task.Store
	results *result.Store
	sched   *Scheduler
}

func startEngine(t *testing.T, concurrency int, reg *handler.Registry) *engineHarness {
	t.Helper()

	store := task.NewStore(nil)
	q := queue.New()
	graph := depgraph.New(func(id uuid.UUID) (bool, bool) {
		tk, err := store.GetByID(id)
		if err != nil {
			return false, false
		}
		return tk.Status == task.Done, true
	})
	cron := crontrigger.New()
	retryer := retry.New(store, cron)

	cfg := Config{
		AdmitInterval:    20 * time.Millisecond,
		DispatchInterval: 10 * time.Millisecond,
		RetryInterval:    time.Second,
		MaxConcurrency:   concurrency,
	}
	sched := New(cfg, store, q, graph, nil, retryer, cron)

	results := result.NewStore()
	timeouts := timeoutsup.New()
	pool := workerpool.New(int64(concurrency), store, reg, results, timeouts, sched.RecordOutcome)
	sched.AttachPool(pool)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	t.Cleanup(func() {
		cancel()
		timeouts.Shutdown()
		cron.Stop()
	})

	return &engineHarness{store: store, results: results, sched: sched}
}

func waitForStatus(t *testing.T, store *task.Store, id uuid.UUID, want task.Status, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		tk, err := store.GetByID(id)
		return err == nil && tk.Status == want
	}, within, 10*time.Millisecond, "task %s never reached %s", id, want)
}

func TestEngineImmediateTaskRunsToDone(t *testing.T) {
	reg := handler.NewRegistry()
	reg.SetFallback(func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		return handler.Outcome{Success: true}, nil
	})
	eng := startEngine(t, 2, reg)

	added, err := eng.store.Add(task.New("quick"))
	require.NoError(t, err)

	waitForStatus(t, eng.store, added.ID, task.Done, 3*time.Second)

	rows := eng.results.GetByTaskID(added.ID)
	require.Len(t, rows, 1)
	require.True(t, rows[0].SuccessFlag)
}

func TestEnginePriorityOrderingUnderSingleSlot(t *testing.T) {
	var mu sync.Mutex
	var order []string
	gateRunning := make(chan struct{})
	gateRelease := make(chan struct{})

	reg := handler.NewRegistry()
	reg.SetFallback(func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		if tk.Name == "gate" {
			close(gateRunning)
			<-gateRelease
			return handler.Outcome{Success: true}, nil
		}
		mu.Lock()
		order = append(order, tk.Name)
		mu.Unlock()
		return handler.Outcome{Success: true}, nil
	})
	eng := startEngine(t, 1, reg)

	// Occupy the single worker slot so the three probes queue up together.
	_, err := eng.store.Add(task.New("gate"))
	require.NoError(t, err)
	select {
	case <-gateRunning:
	case <-time.After(3 * time.Second):
		t.Fatal("gate task never started")
	}

	low := task.New("low")
	low.Priority = task.Low
	med := task.New("med")
	med.Priority = task.Medium
	high := task.New("high")
	high.Priority = task.High

	var ids []uuid.UUID
	for _, tk := range []*task.Task{low, med, high} {
		added, err := eng.store.Add(tk)
		require.NoError(t, err)
		ids = append(ids, added.ID)
	}

	// All three must be queued before the slot frees up.
	require.Eventually(t, func() bool {
		for _, id := range ids {
			tk, err := eng.store.GetByID(id)
			if err != nil || tk.Status != task.Queued {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	close(gateRelease)
	for _, id := range ids {
		waitForStatus(t, eng.store, id, task.Done, 3*time.Second)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "med", "low"}, order)
}

func TestEngineDependencyHoldsChildUntilParentDone(t *testing.T) {
	parentStarted := make(chan struct{})
	parentRelease := make(chan struct{})
	reg := handler.NewRegistry()
	reg.SetFallback(func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		if tk.Name == "parent" {
			close(parentStarted)
			<-parentRelease
		}
		return handler.Outcome{Success: true}, nil
	})
	eng := startEngine(t, 2, reg)

	parent, err := eng.store.Add(task.New("parent"))
	require.NoError(t, err)

	child := task.New("child")
	child.Dependencies = []uuid.UUID{parent.ID}
	addedChild, err := eng.store.Add(child)
	require.NoError(t, err)

	<-parentStarted
	got, err := eng.store.GetByID(addedChild.ID)
	require.NoError(t, err)
	require.Equal(t, task.Pending, got.Status, "child must stay PENDING while parent runs")

	close(parentRelease)
	waitForStatus(t, eng.store, parent.ID, task.Done, 3*time.Second)
	waitForStatus(t, eng.store, addedChild.ID, task.Done, 3*time.Second)
}

func TestEngineRetriesUntilHandlerSucceeds(t *testing.T) {
	var attempts atomic.Int32
	reg := handler.NewRegistry()
	reg.SetFallback(func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		if attempts.Add(1) < 3 {
			return handler.Outcome{Success: false, Details: map[string]interface{}{"error": "transient"}}, nil
		}
		return handler.Outcome{Success: true}, nil
	})
	eng := startEngine(t, 2, reg)

	flaky := task.New("flaky")
	flaky.RetryPolicy = &task.RetryPolicy{MaxRetries: 3, RetryDelaySec: 0, BackoffFactor: 2.0}
	added, err := eng.store.Add(flaky)
	require.NoError(t, err)

	waitForStatus(t, eng.store, added.ID, task.Done, 5*time.Second)
	require.Equal(t, int32(3), attempts.Load())

	got, err := eng.store.GetByID(added.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.RetryPolicy.CurrentRetries)
}

func TestEngineTimeoutPreemptsSlowHandler(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timeout scenario in short mode")
	}

	reg := handler.NewRegistry()
	reg.SetFallback(func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		select {
		case <-ctx.Done():
			return handler.Outcome{Success: false}, ctx.Err()
		case <-time.After(5 * time.Second):
			return handler.Outcome{Success: true}, nil
		}
	})
	eng := startEngine(t, 1, reg)

	slow := task.New("slow")
	slow.TimeoutSeconds = 1
	added, err := eng.store.Add(slow)
	require.NoError(t, err)

	waitForStatus(t, eng.store, added.ID, task.Timeout, 3*time.Second)
}
