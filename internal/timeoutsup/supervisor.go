// Package timeoutsup implements the per-task deadline supervisor: one
// one-shot timer per task, armed when a task starts running with a
// configured timeout, disarmed on normal completion.
package timeoutsup

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Supervisor tracks at most one active timer per task.
type Supervisor struct {
	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// New builds an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{timers: make(map[uuid.UUID]*time.Timer)}
}

// Arm starts a one-shot timer for id. If a timer is already armed for id it
// is replaced. onFire is invoked from its own goroutine (time.AfterFunc
// semantics) once the deadline elapses without a matching Disarm.
func (s *Supervisor) Arm(id uuid.UUID, d time.Duration, onFire func(uuid.UUID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.timers[id]; ok {
		existing.Stop()
	}
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		onFire(id)
	})
}

// Disarm cancels id's timer, if any. Safe to call even if no timer is armed
// (e.g. task finished before its deadline).
func (s *Supervisor) Disarm(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Shutdown disarms every outstanding timer; nothing fires afterward.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
