package retry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fluxforge/taskengine/internal/task"
)

type fakeScheduler struct {
	runAt time.Time
	fn    func()
}

func (f *fakeScheduler) ScheduleOnce(runAt time.Time, fn func()) {
	f.runAt = runAt
	f.fn = fn
}

func newStoreWithRetryableTask(t *testing.T) (*task.Store, *task.Task) {
	t.Helper()
	s := task.NewStore(nil)
	tk := task.New("retry-me")
	tk.RetryPolicy = &task.RetryPolicy{MaxRetries: 3, RetryDelaySec: 1, BackoffFactor: 2.0}
	added, err := s.Add(tk)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(added.ID, task.Queued))
	require.NoError(t, s.UpdateStatus(added.ID, task.Running))
	require.NoError(t, s.UpdateStatus(added.ID, task.Failed))
	return s, added
}

func TestShouldRetryRespectsMaxRetries(t *testing.T) {
	tk := task.New("x")
	tk.RetryPolicy = &task.RetryPolicy{MaxRetries: 1, CurrentRetries: 0}
	require.True(t, ShouldRetry(tk))

	tk.RetryPolicy.CurrentRetries = 1
	require.False(t, ShouldRetry(tk))
}

func TestShouldRetryWithoutPolicy(t *testing.T) {
	tk := task.New("x")
	require.False(t, ShouldRetry(tk))
}

func TestScheduleIncrementsCounterAndTransitionsToRetry(t *testing.T) {
	s, added := newStoreWithRetryableTask(t)
	sched := &fakeScheduler{}
	c := New(s, sched)

	require.NoError(t, c.Schedule(added.ID, func(uuid.UUID) {}))

	updated, err := s.GetByID(added.ID)
	require.NoError(t, err)
	require.Equal(t, task.Retry, updated.Status)
	require.Equal(t, 1, updated.RetryPolicy.CurrentRetries)
	require.NotNil(t, sched.fn)
	require.True(t, sched.runAt.After(time.Now().Add(-time.Second)))
}

func TestScheduleFiresOnRetryCallback(t *testing.T) {
	s, added := newStoreWithRetryableTask(t)
	sched := &fakeScheduler{}
	c := New(s, sched)

	fired := make(chan uuid.UUID, 1)
	require.NoError(t, c.Schedule(added.ID, func(id uuid.UUID) {
		fired <- id
	}))

	sched.fn()
	select {
	case id := <-fired:
		require.Equal(t, added.ID, id)
	case <-time.After(time.Second):
		t.Fatal("onRetry callback never fired")
	}
}

func TestScheduleUnknownTask(t *testing.T) {
	s := task.NewStore(nil)
	sched := &fakeScheduler{}
	c := New(s, sched)
	err := c.Schedule(uuid.New(), func(uuid.UUID) {})
	require.ErrorIs(t, err, task.ErrNotFound)
}
