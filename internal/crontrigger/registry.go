// Package crontrigger maps 5-field cron expressions to task ids, firing
// admission into the priority queue on each match. It also hosts the
// one-shot date triggers the retry controller uses for backoff.
package crontrigger

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// FireFunc is invoked (on its own goroutine, via robfig/cron) when a cron
// expression matches the current minute.
type FireFunc func(id uuid.UUID, priority int)

// Registry owns the underlying cron.Cron scheduler and maps task ids to the
// entries registered on their behalf, so Remove can cancel them.
type Registry struct {
	mu       sync.Mutex
	c        *cron.Cron
	entries  map[uuid.UUID]cron.EntryID
	inflight map[uuid.UUID]int // concurrent fires per cron task, for maxInstances
	missed   map[uuid.UUID]int // fires dropped by the maxInstances cap, replayed or collapsed later

	coalesce     bool
	maxInstances int
}

// Option configures registry-wide cron behavior.
type Option func(*Registry)

// WithCoalesce controls what happens to fires dropped by the maxInstances
// cap: when enabled, any backlog of missed fires collapses into the next
// successful fire; when disabled, each missed fire is replayed as its own
// catch-up invocation once capacity frees up.
func WithCoalesce(enabled bool) Option {
	return func(r *Registry) { r.coalesce = enabled }
}

// WithMaxInstances bounds concurrent fires of the same cron task; an excess
// fire is not run at once but logged and counted as missed (see WithCoalesce
// for how missed fires are handled).
func WithMaxInstances(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxInstances = n
		}
	}
}

// New builds a Registry and starts its internal cron loop.
func New(opts ...Option) *Registry {
	r := &Registry{
		c:            cron.New(),
		entries:      make(map[uuid.UUID]cron.EntryID),
		inflight:     make(map[uuid.UUID]int),
		missed:       make(map[uuid.UUID]int),
		maxInstances: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.c.Start()
	return r
}

// Schedule registers id under expr (5-field standard cron); on each fire,
// onFire(id, priority) is invoked, subject to the maxInstances cap.
func (r *Registry) Schedule(id uuid.UUID, expr string, priority int, onFire FireFunc) error {
	entryID, err := r.c.AddFunc(expr, func() {
		r.fire(id, priority, onFire)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	if old, ok := r.entries[id]; ok {
		r.c.Remove(old)
	}
	r.entries[id] = entryID
	r.mu.Unlock()
	return nil
}

// fire runs one cron match for id. A fire that arrives while maxInstances
// invocations are already in flight is recorded as missed; the next fire
// that does get a slot either collapses that backlog into itself (coalesce)
// or replays each missed fire as its own catch-up invocation.
func (r *Registry) fire(id uuid.UUID, priority int, onFire FireFunc) {
	r.mu.Lock()
	active := r.inflight[id]
	if active >= r.maxInstances {
		r.missed[id]++
		missed := r.missed[id]
		r.mu.Unlock()
		log.Printf("crontrigger: dropping fire for %s, %d/%d instances already running (%d missed)", id, active, r.maxInstances, missed)
		return
	}
	backlog := r.missed[id]
	delete(r.missed, id)
	r.inflight[id] = active + 1
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflight[id]--
		r.mu.Unlock()
	}()

	if backlog > 0 && r.coalesce {
		log.Printf("crontrigger: coalescing %d missed fires for %s into one", backlog, id)
		backlog = 0
	}

	onFire(id, priority)
	for ; backlog > 0; backlog-- {
		onFire(id, priority)
	}
}

// Remove cancels id's cron registration, if any, and drops its missed-fire
// backlog.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entryID, ok := r.entries[id]; ok {
		r.c.Remove(entryID)
		delete(r.entries, id)
	}
	delete(r.missed, id)
}

// ScheduleOnce arranges for fn to run once at (or shortly after) runAt. Used
// by the retry controller for its backoff-computed fire time. The trigger is
// a time.AfterFunc timer, not an entry in the cron scheduler, so Stop does
// not cancel it.
func (r *Registry) ScheduleOnce(runAt time.Time, fn func()) {
	delay := time.Until(runAt)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, fn)
}

// Stop halts the underlying cron scheduler and waits for running jobs to
// finish.
func (r *Registry) Stop() {
	ctx := r.c.Stop()
	<-ctx.Done()
}
