// Package retry decides whether a failed or timed-out task should run again,
// and if so, schedules a one-shot future re-admit with exponential backoff.
// The one-shot timer itself is delegated to the cron trigger registry.
package retry

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fluxforge/taskengine/internal/task"
)

// OneShotScheduler is the subset of crontrigger.Registry the controller
// needs, kept as an interface so tests don't need a live cron loop.
type OneShotScheduler interface {
	ScheduleOnce(runAt time.Time, fn func())
}

// TaskMutator is the subset of task.Store the controller needs to bump retry
// counters and transition status.
type TaskMutator interface {
	Mutate(id uuid.UUID, fn func(t *task.Task)) error
	UpdateStatus(id uuid.UUID, newStatus task.Status) error
	GetByID(id uuid.UUID) (*task.Task, error)
}

// Controller applies a task's retry policy.
type Controller struct {
	store     TaskMutator
	scheduler OneShotScheduler
}

// New builds a Controller.
func New(store TaskMutator, scheduler OneShotScheduler) *Controller {
	return &Controller{store: store, scheduler: scheduler}
}

// ShouldRetry reports whether t has a retry policy with attempts remaining.
func ShouldRetry(t *task.Task) bool {
	return t.RetryPolicy != nil && t.RetryPolicy.CurrentRetries < t.RetryPolicy.MaxRetries
}

// Schedule increments the retry counter, computes the backoff delay,
// transitions the task to RETRY, and arranges for onRetry(id) to fire at the
// computed time. onRetry is expected to transition the task back to PENDING
// for re-admission; that step is owned by the caller — typically the
// scheduler loop — since only it knows the queue.
func (c *Controller) Schedule(taskID uuid.UUID, onRetry func(uuid.UUID)) error {
	var nextAt time.Time

	err := c.store.Mutate(taskID, func(t *task.Task) {
		if t.RetryPolicy == nil {
			return
		}
		t.RetryPolicy.CurrentRetries++
		nextAt = time.Now().Add(t.RetryPolicy.NextDelay())
	})
	if err != nil {
		return err
	}

	if err := c.store.UpdateStatus(taskID, task.Retry); err != nil {
		return err
	}

	t, err := c.store.GetByID(taskID)
	if err != nil {
		return err
	}
	log.Printf("retry: scheduled attempt %d/%d for task %s at %s",
		t.RetryPolicy.CurrentRetries, t.RetryPolicy.MaxRetries, taskID, nextAt.Format(time.RFC3339))

	c.scheduler.ScheduleOnce(nextAt, func() {
		onRetry(taskID)
	})
	return nil
}
