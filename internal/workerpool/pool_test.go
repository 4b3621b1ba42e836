package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fluxforge/taskengine/internal/handler"
	"github.com/fluxforge/taskengine/internal/result"
	"github.com/fluxforge/taskengine/internal/task"
	"github.com/fluxforge/taskengine/internal/timeoutsup"
)

func newHarness(t *testing.T, maxConcurrency int64, h handler.Handler) (*Pool, *task.Store, *task.Task, chan uuid.UUID) {
	t.Helper()
	store := task.NewStore(nil)
	tk := task.New("work")
	added, err := store.Add(tk)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(added.ID, task.Queued))

	reg := handler.NewRegistry()
	reg.SetFallback(h)

	done := make(chan uuid.UUID, 1)
	pool := New(maxConcurrency, store, reg, result.NewStore(), timeoutsup.New(), func(id uuid.UUID, status task.Status) {
		done <- id
	})
	return pool, store, added, done
}

func TestTryDispatchRunsHandlerAndMarksDone(t *testing.T) {
	pool, store, added, done := newHarness(t, 1, func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		return handler.Outcome{Success: true}, nil
	})

	require.True(t, pool.TryDispatch(added.ID))

	select {
	case id := <-done:
		require.Equal(t, added.ID, id)
	case <-time.After(time.Second):
		t.Fatal("onDone never fired")
	}

	updated, err := store.GetByID(added.ID)
	require.NoError(t, err)
	require.Equal(t, task.Done, updated.Status)
}

func TestTryDispatchMarksFailedOnError(t *testing.T) {
	pool, store, added, done := newHarness(t, 1, func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		return handler.Outcome{Success: false}, nil
	})

	require.True(t, pool.TryDispatch(added.ID))
	<-done

	updated, err := store.GetByID(added.ID)
	require.NoError(t, err)
	require.Equal(t, task.Failed, updated.Status)
}

func TestTryDispatchRespectsConcurrencyLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	pool, _, added, done := newHarness(t, 1, func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		started <- struct{}{}
		<-release
		return handler.Outcome{Success: true}, nil
	})

	require.True(t, pool.TryDispatch(added.ID))
	<-started

	other := task.New("second")
	require.False(t, pool.TryDispatch(other.ID))

	close(release)
	<-done
}

func TestDrainWaitsForInflightWork(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	pool, _, added, done := newHarness(t, 1, func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		started <- struct{}{}
		<-release
		return handler.Outcome{Success: true}, nil
	})

	require.True(t, pool.TryDispatch(added.ID))
	<-started

	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, pool.Drain(shortCtx), "drain must not report success while a worker is running")

	close(release)
	<-done
	require.NoError(t, pool.Drain(context.Background()))
}

func TestTimeoutMarksTaskTimeout(t *testing.T) {
	store := task.NewStore(nil)
	tk := task.New("slow")
	tk.TimeoutSeconds = 0 // set to 1s through Mutate below
	added, err := store.Add(tk)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(added.ID, task.Queued))

	reg := handler.NewRegistry()
	reg.SetFallback(func(ctx context.Context, tk *task.Task) (handler.Outcome, error) {
		<-ctx.Done()
		return handler.Outcome{Success: false}, ctx.Err()
	})

	done := make(chan uuid.UUID, 1)
	pool := New(1, store, reg, result.NewStore(), timeoutsup.New(), func(id uuid.UUID, status task.Status) {
		done <- id
	})

	require.NoError(t, store.Mutate(added.ID, func(tk *task.Task) {
		tk.TimeoutSeconds = 1
	}))

	require.True(t, pool.TryDispatch(added.ID))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never completed")
	}

	updated, err := store.GetByID(added.ID)
	require.NoError(t, err)
	require.Equal(t, task.Timeout, updated.Status)
}
