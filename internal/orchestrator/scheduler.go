// Package orchestrator runs the scheduler loop: it wires the task store,
// priority queue, dependency graph, worker pool, retry controller, and cron
// trigger registry together, driving admission and dispatch on periodic
// ticks and emitting a structured decision log line for every choice made.
package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxforge/taskengine/internal/crontrigger"
	"github.com/fluxforge/taskengine/internal/depgraph"
	"github.com/fluxforge/taskengine/internal/observability"
	"github.com/fluxforge/taskengine/internal/queue"
	"github.com/fluxforge/taskengine/internal/retry"
	"github.com/fluxforge/taskengine/internal/task"
)

// Decision is one structured log line, emitted for every
// admit/dispatch/retry/timeout/cron choice the loop makes.
type Decision struct {
	Component string      `json:"component"`
	Decision  string      `json:"decision"`
	TaskID    string      `json:"task_id"`
	Priority  int         `json:"priority,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

func logDecision(d Decision) {
	d.Component = "orchestrator"
	bytes, _ := json.Marshal(d)
	log.Println(string(bytes))
	observability.SchedulerDecisions.WithLabelValues(d.Decision, d.Reason).Inc()
}

// Store is the subset of task.Store the loop needs.
type Store interface {
	ListPending() []*task.Task
	ListByStatus(status task.Status) []*task.Task
	GetByID(id uuid.UUID) (*task.Task, error)
	UpdateStatus(id uuid.UUID, newStatus task.Status) error
}

// Dispatcher is the subset of workerpool.Pool the loop needs.
type Dispatcher interface {
	TryDispatch(id uuid.UUID) bool
}

// Config governs tick cadence and the concurrency budget.
type Config struct {
	AdmitInterval    time.Duration
	DispatchInterval time.Duration
	RetryInterval    time.Duration
	MaxConcurrency   int
}

// DefaultConfig returns the standard tick cadence: a 30s admit poll, a 1s
// dispatch drain, and a 30s retry-inspection sweep.
func DefaultConfig() Config {
	return Config{
		AdmitInterval:    30 * time.Second,
		DispatchInterval: time.Second,
		RetryInterval:    30 * time.Second,
		MaxConcurrency:   5,
	}
}

// Scheduler is the admit/dispatch/retry-inspection loop.
type Scheduler struct {
	cfg Config

	store   Store
	queue   *queue.Queue
	graph   *depgraph.Graph
	pool    Dispatcher
	retryer *retry.Controller
	cron    *crontrigger.Registry

	mu               sync.Mutex
	recentFailures   int
	admissionDisable bool // circuit-breaker style gate: narrows effective concurrency on failure spikes
}

// New builds a Scheduler. graph's StatusLookup closure should read from the
// same store passed here. pool may be nil at construction when the worker
// pool itself needs the scheduler's RecordOutcome callback; wire it with
// AttachPool before Start.
func New(cfg Config, store Store, q *queue.Queue, graph *depgraph.Graph, pool Dispatcher, retryer *retry.Controller, cron *crontrigger.Registry) *Scheduler {
	return &Scheduler{cfg: cfg, store: store, queue: q, graph: graph, pool: pool, retryer: retryer, cron: cron}
}

// AttachPool resolves the scheduler<->pool construction cycle: the pool's
// completion callback is the scheduler's RecordOutcome, so the pool is built
// second and attached here before Start.
func (s *Scheduler) AttachPool(pool Dispatcher) {
	s.pool = pool
}

// Start launches the admit, dispatch, and retry-inspection ticks as
// background goroutines and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go s.admitLoop(ctx)
	go s.dispatchLoop(ctx)
	go s.retryInspectionLoop(ctx)
}

// retryInspectionLoop is diagnostic only: retry firing is driven entirely by
// the retry controller's one-shot timers. This tick just surfaces how many
// tasks are currently waiting on a backoff, in the decision log and metrics.
func (s *Scheduler) retryInspectionLoop(ctx context.Context) {
	interval := s.cfg.RetryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.retryInspectionTick()
		}
	}
}

func (s *Scheduler) retryInspectionTick() {
	pending := s.store.ListByStatus(task.Retry)
	observability.TasksAwaitingRetry.Set(float64(len(pending)))
	if len(pending) > 0 {
		logDecision(Decision{Decision: "RETRY_INSPECTION", Reason: "awaiting backoff", Metadata: len(pending)})
	}
}

// admitLoop promotes eligible PENDING tasks: dependency-blocked tasks are
// parked in the graph, SCHEDULED tasks are registered with the cron
// registry, and IMMEDIATE tasks go straight into the priority queue.
func (s *Scheduler) admitLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AdmitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.admitTick()
		}
	}
}

func (s *Scheduler) admitTick() {
	for _, t := range s.store.ListPending() {
		if s.queue.Contains(t.ID) {
			continue
		}
		if len(t.Dependencies) > 0 && s.graph.Register(t.ID, t.Dependencies) {
			logDecision(Decision{Decision: "DEPENDENCY_WAIT", TaskID: t.ID.String(), Priority: int(t.Priority)})
			continue
		}

		if t.ScheduleKind == task.KindScheduled {
			if err := s.RegisterCronTask(t); err != nil {
				// Unparseable cron expression: reject at admit, terminal FAILED.
				if uerr := s.store.UpdateStatus(t.ID, task.Failed); uerr != nil {
					log.Printf("orchestrator: could not fail task %s with bad cron expr: %v", t.ID, uerr)
				}
				logDecision(Decision{Decision: "CRON_REJECT", TaskID: t.ID.String(), Reason: err.Error()})
				continue
			}
			if err := s.store.UpdateStatus(t.ID, task.Scheduled); err != nil {
				s.cron.Remove(t.ID)
				continue
			}
			logDecision(Decision{Decision: "CRON_REGISTER", TaskID: t.ID.String(), Priority: int(t.Priority)})
			continue
		}

		if err := s.store.UpdateStatus(t.ID, task.Queued); err != nil {
			continue
		}
		s.queue.Enqueue(t.ID, int(t.Priority))
		logDecision(Decision{Decision: "ADMIT", TaskID: t.ID.String(), Priority: int(t.Priority)})
	}

	observability.QueueDepth.WithLabelValues("all").Set(float64(s.queue.Len()))
}

// dispatchLoop pulls queued tasks up to the (possibly narrowed) concurrency
// budget and hands them to the worker pool.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.dispatchTick()
			observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (s *Scheduler) dispatchTick() {
	budget := s.effectiveConcurrency()
	available := budget - s.queue.RunningLen()
	if available <= 0 {
		return
	}

	ids := s.queue.TryTakeUpTo(available)
	for _, id := range ids {
		if !s.pool.TryDispatch(id) {
			// Pool saturated despite our own budget check (e.g. external
			// dispatch source); put the task back at its own priority rather
			// than lose it.
			s.queue.Release(id)
			s.queue.Enqueue(id, s.priorityOf(id))
			continue
		}
		logDecision(Decision{Decision: "DISPATCH", TaskID: id.String()})
	}
}

// effectiveConcurrency narrows MaxConcurrency to a single slot while recent
// failures are spiking, so a misbehaving handler or dependency can't burn
// the whole budget before the failure streak clears.
func (s *Scheduler) effectiveConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admissionDisable {
		observability.CircuitState.Set(1)
		return 1
	}
	observability.CircuitState.Set(0)
	return s.cfg.MaxConcurrency
}

// RecordOutcome feeds a task's terminal status back into the loop: releases
// it from the queue's running set, triggers dependency graph follow-up,
// schedules a retry if eligible, and adjusts the admission gate.
func (s *Scheduler) RecordOutcome(id uuid.UUID, status task.Status) {
	s.queue.Release(id)

	switch status {
	case task.Done:
		s.noteSuccess()
		for _, childID := range s.graph.OnCompleted(id) {
			if err := s.store.UpdateStatus(childID, task.Queued); err != nil {
				log.Printf("orchestrator: released dependent %s could not transition to QUEUED: %v", childID, err)
				continue
			}
			s.queue.Enqueue(childID, s.priorityOf(childID))
			logDecision(Decision{Decision: "DEPENDENCY_RELEASE", TaskID: childID.String()})
		}
	case task.Failed, task.Timeout:
		s.noteFailure()
		t, err := s.store.GetByID(id)
		if err != nil {
			return
		}
		if retry.ShouldRetry(t) {
			if err := s.retryer.Schedule(id, s.onRetryFire); err != nil {
				log.Printf("orchestrator: failed to schedule retry for %s: %v", id, err)
			}
			observability.TaskRetries.WithLabelValues(t.Name).Inc()
			logDecision(Decision{Decision: "RETRY_SCHEDULED", TaskID: id.String()})
		} else {
			logDecision(Decision{Decision: "RETRIES_EXHAUSTED", TaskID: id.String()})
		}
	}
}

// onRetryFire is invoked by the retry controller's one-shot timer: it moves
// the task back to PENDING, where the next admit tick picks it up again at
// its original priority.
func (s *Scheduler) onRetryFire(id uuid.UUID) {
	if err := s.store.UpdateStatus(id, task.Pending); err != nil {
		log.Printf("orchestrator: retry re-admit failed for %s: %v", id, err)
	}
}

// RegisterCronTask wires a SCHEDULED task's cron expression into the
// registry; each fire enqueues the task directly (bypassing PENDING/admit,
// since cron fires are already "time to run").
func (s *Scheduler) RegisterCronTask(t *task.Task) error {
	return s.cron.Schedule(t.ID, t.CronExpr, int(t.Priority), func(id uuid.UUID, priority int) {
		if err := s.store.UpdateStatus(id, task.Queued); err != nil {
			log.Printf("orchestrator: cron fire for %s could not transition to QUEUED: %v", id, err)
			return
		}
		s.queue.Enqueue(id, priority)
		logDecision(Decision{Decision: "CRON_FIRE", TaskID: id.String(), Priority: priority})
	})
}

// priorityOf looks up a task's configured priority, defaulting to MEDIUM if
// the task has vanished mid-flight.
func (s *Scheduler) priorityOf(id uuid.UUID) int {
	t, err := s.store.GetByID(id)
	if err != nil {
		return int(task.Medium)
	}
	return int(t.Priority)
}

const failureSpikeThreshold = 5

func (s *Scheduler) noteFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentFailures++
	if s.recentFailures >= failureSpikeThreshold {
		s.admissionDisable = true
	}
}

func (s *Scheduler) noteSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recentFailures > 0 {
		s.recentFailures--
	}
	if s.recentFailures == 0 {
		s.admissionDisable = false
	}
}
