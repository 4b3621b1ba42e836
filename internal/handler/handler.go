// Package handler defines the pluggable task-body contract: the worker pool
// invokes a Handler for every dispatched task, routed by the task's tags
// through a registry, and turns its outcome into a result record.
package handler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/fluxforge/taskengine/internal/task"
)

// Outcome is what a Handler reports back to the Worker Pool.
type Outcome struct {
	Success bool
	Details map[string]interface{}
}

// Handler executes a task's body. Implementations must honor ctx
// cancellation (the worker pool cancels ctx when the task's timeout fires;
// shutdown does not cancel it, Pool.Drain only waits for the handler) and
// must not retain the *task.Task pointer past the call — it is a snapshot.
type Handler func(ctx context.Context, t *task.Task) (Outcome, error)

// Registry maps a task's tag set to the Handler responsible for it.
type Registry struct {
	mu       sync.RWMutex
	byTag    map[string]Handler
	fallback Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]Handler)}
}

// Register associates tag with h. A task is routed to the handler whose tag
// appears first (in task.Tags order) among the registered tags.
func (r *Registry) Register(tag string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTag[tag] = h
}

// SetFallback installs a handler used when no tag matches (e.g. a no-op or a
// generic shell-command runner). A nil fallback leaves unmatched tasks to
// Resolve's ErrNoHandler.
func (r *Registry) SetFallback(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// ErrNoHandler is returned by Resolve when no tag matches and no fallback is set.
var ErrNoHandler = fmt.Errorf("no handler registered for task")

// Resolve finds the Handler for t, preferring the first matching tag.
func (r *Registry) Resolve(t *task.Task) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tag := range t.Tags {
		if h, ok := r.byTag[tag]; ok {
			return h, nil
		}
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, ErrNoHandler
}

// Shadow wraps h so that, when t.DryRun is set, the underlying handler is
// never invoked — the call is logged and a synthetic success is reported
// instead. Opt-in per task rather than a registry-wide switch.
func Shadow(h Handler) Handler {
	return func(ctx context.Context, t *task.Task) (Outcome, error) {
		if t.DryRun {
			log.Printf("handler: dry run for task %s (%s); handler skipped", t.ID, t.Name)
			return Outcome{
				Success: true,
				Details: map[string]interface{}{"shadow": true, "handler_skipped": true},
			}, nil
		}
		return h(ctx, t)
	}
}
