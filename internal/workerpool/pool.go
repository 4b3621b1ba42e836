// Package workerpool runs dispatched tasks under a bounded concurrency
// budget: it resolves each task's handler, arms the timeout supervisor, runs
// the handler on its own goroutine, and reports the outcome.
package workerpool

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fluxforge/taskengine/internal/handler"
	"github.com/fluxforge/taskengine/internal/observability"
	"github.com/fluxforge/taskengine/internal/result"
	"github.com/fluxforge/taskengine/internal/task"
	"github.com/fluxforge/taskengine/internal/timeoutsup"
)

// TaskStore is the subset of task.Store the pool needs.
type TaskStore interface {
	GetByID(id uuid.UUID) (*task.Task, error)
	UpdateStatus(id uuid.UUID, newStatus task.Status) error
}

// OnDone is invoked once a dispatched task finishes, win or lose, so the
// scheduler loop can release it from the queue's running set and drive
// dependency and retry follow-up.
type OnDone func(id uuid.UUID, finalStatus task.Status)

// Pool bounds concurrent handler execution to a fixed slot count.
type Pool struct {
	sem      *semaphore.Weighted
	capacity int64
	store    TaskStore
	registry *handler.Registry
	results  *result.Store
	timeouts *timeoutsup.Supervisor
	onDone   OnDone
}

// New builds a Pool allowing at most maxConcurrency tasks to run at once.
func New(maxConcurrency int64, store TaskStore, registry *handler.Registry, results *result.Store, timeouts *timeoutsup.Supervisor, onDone OnDone) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Pool{
		sem:      semaphore.NewWeighted(maxConcurrency),
		capacity: maxConcurrency,
		store:    store,
		registry: registry,
		results:  results,
		timeouts: timeouts,
		onDone:   onDone,
	}
}

// Drain blocks until every in-flight handler has returned, or ctx expires.
// Used at shutdown to bound the wait for workers before the final snapshot.
func (p *Pool) Drain(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.capacity); err != nil {
		return err
	}
	p.sem.Release(p.capacity)
	return nil
}

// TryDispatch attempts to acquire a free slot and run id's handler. It
// returns false immediately (without blocking) if the pool is saturated, so
// the caller can leave the task queued and try again next tick.
func (p *Pool) TryDispatch(id uuid.UUID) bool {
	if !p.sem.TryAcquire(1) {
		return false
	}
	go p.run(id)
	return true
}

func (p *Pool) run(id uuid.UUID) {
	defer p.sem.Release(1)
	observability.WorkerActive.Inc()
	defer observability.WorkerActive.Dec()

	t, err := p.store.GetByID(id)
	if err != nil {
		log.Printf("workerpool: task %s vanished before dispatch: %v", id, err)
		return
	}

	if err := p.store.UpdateStatus(id, task.Running); err != nil {
		log.Printf("workerpool: task %s failed RUNNING transition: %v", id, err)
		return
	}

	// The timeout supervisor owns the deadline: on fire it cancels ctx,
	// which cancellation-aware handlers observe and unwind from.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var timedOut atomic.Bool
	if t.TimeoutSeconds > 0 {
		p.timeouts.Arm(id, time.Duration(t.TimeoutSeconds)*time.Second, func(uuid.UUID) {
			timedOut.Store(true)
			cancel()
		})
	}

	h, err := p.registry.Resolve(t)
	if err != nil {
		p.timeouts.Disarm(id)
		p.finish(id, handler.Outcome{Success: false, Details: map[string]interface{}{"error": err.Error()}}, task.Failed)
		return
	}

	start := time.Now()
	outcome, runErr := h(ctx, t)
	observability.TaskRuntimeSeconds.Observe(time.Since(start).Seconds())
	p.timeouts.Disarm(id)

	finalStatus := task.Done
	switch {
	case timedOut.Load():
		finalStatus = task.Timeout
		observability.TaskTimeouts.WithLabelValues(t.Name).Inc()
	case runErr != nil || !outcome.Success:
		finalStatus = task.Failed
		if runErr != nil && outcome.Details == nil {
			outcome.Details = map[string]interface{}{"error": runErr.Error()}
		}
	}

	p.finish(id, outcome, finalStatus)
}

func (p *Pool) finish(id uuid.UUID, outcome handler.Outcome, finalStatus task.Status) {
	observability.TaskOutcomes.WithLabelValues(string(finalStatus)).Inc()

	if err := p.store.UpdateStatus(id, finalStatus); err != nil {
		log.Printf("workerpool: task %s failed terminal transition to %s: %v", id, finalStatus, err)
	}

	p.results.Add(result.Result{
		TaskID:           id,
		SuccessFlag:      outcome.Success,
		Timestamp:        time.Now().UTC(),
		ExecutionDetails: outcome.Details,
	})

	if p.onDone != nil {
		p.onDone(id, finalStatus)
	}
}
