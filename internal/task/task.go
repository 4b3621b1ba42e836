// Package task defines the Task data model and its lifecycle state machine.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleKind distinguishes one-shot IMMEDIATE tasks from cron-driven SCHEDULED ones.
type ScheduleKind string

const (
	KindImmediate ScheduleKind = "IMMEDIATE"
	KindScheduled ScheduleKind = "SCHEDULED"
)

// Status is a Task's position in the lifecycle state machine (see IsValidTransition).
type Status string

const (
	Pending   Status = "PENDING"
	Queued    Status = "QUEUED"
	Scheduled Status = "SCHEDULED"
	Running   Status = "RUNNING"
	Done      Status = "DONE"
	Failed    Status = "FAILED"
	Retry     Status = "RETRY"
	Timeout   Status = "TIMEOUT"
)

// Priority buckets tasks for the priority queue; lower numeric value runs first.
type Priority int

const (
	High   Priority = 0
	Medium Priority = 50
	Low    Priority = 100
)

// RetryPolicy governs re-execution of a failed or timed-out task.
type RetryPolicy struct {
	MaxRetries     int     `json:"maxRetries"`
	RetryDelaySec  int     `json:"retryDelaySec"`
	BackoffFactor  float64 `json:"backoffFactor"`
	CurrentRetries int     `json:"currentRetries"`
}

// Exhausted reports whether the policy has no retries left.
func (p *RetryPolicy) Exhausted() bool {
	return p == nil || p.CurrentRetries >= p.MaxRetries
}

// NextDelay computes the backoff delay for the upcoming retry attempt, assuming
// CurrentRetries has already been incremented for this attempt.
func (p *RetryPolicy) NextDelay() time.Duration {
	factor := p.BackoffFactor
	if factor < 1.0 {
		factor = 1.0
	}
	seconds := float64(p.RetryDelaySec)
	for i := 1; i < p.CurrentRetries; i++ {
		seconds *= factor
	}
	return time.Duration(seconds * float64(time.Second))
}

// Task is a unit of work with identity, schedule, status, and parameters.
type Task struct {
	ID             uuid.UUID              `json:"id"`
	Name           string                 `json:"name"`
	Owner          string                 `json:"owner,omitempty"`
	ScheduleKind   ScheduleKind           `json:"scheduleKind"`
	CronExpr       string                 `json:"cronExpr,omitempty"`
	Status         Status                 `json:"status"`
	Priority       Priority               `json:"priority"`
	Tags           []string               `json:"tags,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Dependencies   []uuid.UUID            `json:"dependencies,omitempty"`
	TimeoutSeconds int                    `json:"timeoutSeconds,omitempty"`
	RetryPolicy    *RetryPolicy           `json:"retryPolicy,omitempty"`
	DryRun         bool                   `json:"dryRun,omitempty"`
	ExternalKey    string                 `json:"externalKey,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Version   int       `json:"version"`
}

// New constructs a Task with a freshly minted ID and PENDING status, stamping
// CreatedAt/UpdatedAt and the initial version. The ID exists before insertion
// so callers can reference dependencies that haven't been persisted yet.
func New(name string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:           uuid.New(),
		Name:         name,
		ScheduleKind: KindImmediate,
		Status:       Pending,
		Priority:     Medium,
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      1,
	}
}

// Validate checks the single-task invariants: name present, cron expression
// present exactly when the task is SCHEDULED, retry counters in range.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("task name must not be empty")
	}
	switch t.ScheduleKind {
	case KindScheduled:
		if t.CronExpr == "" {
			return fmt.Errorf("scheduled task %s requires a cronExpr", t.Name)
		}
	case KindImmediate:
		if t.CronExpr != "" {
			return fmt.Errorf("immediate task %s must not carry a cronExpr", t.Name)
		}
	default:
		return fmt.Errorf("unknown scheduleKind %q", t.ScheduleKind)
	}
	if t.RetryPolicy != nil {
		if t.RetryPolicy.CurrentRetries > t.RetryPolicy.MaxRetries {
			return fmt.Errorf("task %s: currentRetries exceeds maxRetries", t.Name)
		}
		if t.RetryPolicy.BackoffFactor != 0 && t.RetryPolicy.BackoffFactor < 1.0 {
			return fmt.Errorf("task %s: backoffFactor must be >= 1.0", t.Name)
		}
	}
	return nil
}

// validTransitions encodes the task lifecycle state machine.
var validTransitions = map[Status]map[Status]bool{
	// PENDING -> FAILED covers rejection at admit (unparseable cron expression).
	Pending:   {Queued: true, Scheduled: true, Failed: true},
	Queued:    {Running: true},
	Scheduled: {Queued: true},
	Running:   {Done: true, Failed: true, Timeout: true},
	Failed:    {Retry: true},
	Timeout:   {Retry: true},
	Retry:     {Pending: true},
	Done:      {},
}

// IsValidTransition reports whether moving from `from` to `to` is permitted.
func IsValidTransition(from, to Status) bool {
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// IsTerminal reports whether status has no further transitions (DONE, or
// FAILED/TIMEOUT once retries are exhausted — that exhaustion is enforced by
// the caller, not encoded here, since FAILED/TIMEOUT can still go to RETRY).
func IsTerminal(s Status) bool {
	return s == Done
}

// Clone returns a deep-enough copy safe to hand to readers outside the store's lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	if t.Dependencies != nil {
		c.Dependencies = append([]uuid.UUID(nil), t.Dependencies...)
	}
	if t.Parameters != nil {
		c.Parameters = make(map[string]interface{}, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	if t.RetryPolicy != nil {
		rp := *t.RetryPolicy
		c.RetryPolicy = &rp
	}
	return &c
}
