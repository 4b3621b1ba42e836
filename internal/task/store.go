package task

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by GetByID when no task with the given id exists.
var ErrNotFound = fmt.Errorf("task not found")

// ErrCycle is returned by Add when the task's dependencies would form a cycle.
var ErrCycle = fmt.Errorf("task dependencies would form a cycle")

// ErrInvalidTransition is returned by UpdateStatus for a transition the
// lifecycle state machine does not permit.
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

// SnapshotWriter persists the live set + history whenever the store mutates.
// Implemented by internal/snapshot.FileSink and internal/durablestore sinks.
type SnapshotWriter interface {
	Write(live []*Task, history []*Task) error
}

// Store owns all Task records exclusively; every other component holds ids
// and queries back through here. A single RWMutex guards the live map;
// history is append-only under the same lock.
type Store struct {
	mu      sync.RWMutex
	live    map[uuid.UUID]*Task
	history []*Task

	writer SnapshotWriter
}

// NewStore builds an empty Store. A nil writer disables snapshot persistence
// (useful in tests); production wiring always supplies one.
func NewStore(writer SnapshotWriter) *Store {
	return &Store{
		live:   make(map[uuid.UUID]*Task),
		writer: writer,
	}
}

// SetWriter swaps the snapshot sink after construction.
func (s *Store) SetWriter(w SnapshotWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer = w
}

// Add inserts a new task (or re-inserts one with a pre-set id, as recovery
// does), rejecting it if its dependencies would form a cycle. Persists a
// snapshot afterward.
func (s *Store) Add(t *Task) (*Task, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wouldCycle(t.ID, t.Dependencies) {
		return nil, ErrCycle
	}

	s.live[t.ID] = t
	s.flushLocked()
	return t, nil
}

// wouldCycle performs an incremental topological check: starting from each
// dependency, walk backwards through the live set's own dependency edges and
// fail if we ever reach candidateID again.
func (s *Store) wouldCycle(candidateID uuid.UUID, deps []uuid.UUID) bool {
	visited := make(map[uuid.UUID]bool)
	var walk func(id uuid.UUID) bool
	walk = func(id uuid.UUID) bool {
		if id == candidateID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		t, ok := s.live[id]
		if !ok {
			return false
		}
		for _, d := range t.Dependencies {
			if walk(d) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if walk(d) {
			return true
		}
	}
	return false
}

// GetByID returns a defensive copy of the task, or ErrNotFound.
func (s *Store) GetByID(id uuid.UUID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns copies of every live task.
func (s *Store) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		out = append(out, t.Clone())
	}
	return out
}

// ListByStatus filters List() by status.
func (s *Store) ListByStatus(status Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.live {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ListPending returns live tasks awaiting admission (status PENDING).
func (s *Store) ListPending() []*Task {
	return s.ListByStatus(Pending)
}

// ListHistory returns copies of every task that has ever reached a terminal
// or archived status (DONE/FAILED/TIMEOUT at time of transition).
func (s *Store) ListHistory() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, len(s.history))
	for i, t := range s.history {
		out[i] = t.Clone()
	}
	return out
}

// RestoreHistory seeds the history log from a loaded snapshot. Used by
// recovery only, before the scheduler loop starts; entries are appended as-is
// since they were cloned when first archived.
func (s *Store) RestoreHistory(entries []*Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entries...)
}

// UpdateStatus validates and applies a transition, bumping Version and
// UpdatedAt, archiving to history on entering DONE/FAILED/TIMEOUT.
func (s *Store) UpdateStatus(id uuid.UUID, newStatus Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.live[id]
	if !ok {
		return ErrNotFound
	}
	if !IsValidTransition(t.Status, newStatus) {
		log.Printf("task store: rejected invalid transition %s -> %s for %s", t.Status, newStatus, id)
		return ErrInvalidTransition
	}

	t.Status = newStatus
	t.UpdatedAt = time.Now().UTC()
	t.Version++

	if newStatus == Done || newStatus == Failed || newStatus == Timeout {
		s.history = append(s.history, t.Clone())
	}

	s.flushLocked()
	return nil
}

// Mutate applies an arbitrary read-modify-write under the store's lock, used
// by components (the retry controller) that need to change
// more than Status in one atomic step. fn receives the live pointer directly;
// callers must not retain it past the call.
func (s *Store) Mutate(id uuid.UUID, fn func(t *Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.live[id]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	t.UpdatedAt = time.Now().UTC()
	t.Version++
	s.flushLocked()
	return nil
}

// PersistSnapshot writes the entire live + history set to the configured
// sink. Exposed for callers (e.g. shutdown) that want a synchronous final
// flush; routine mutations already flush internally, logging failures
// rather than propagating them.
func (s *Store) PersistSnapshot() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistLocked()
}

func (s *Store) flushLocked() {
	if err := s.persistLocked(); err != nil {
		log.Printf("task store: snapshot write failed (continuing in-memory): %v", err)
	}
}

func (s *Store) persistLocked() error {
	if s.writer == nil {
		return nil
	}
	live := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		live = append(live, t)
	}
	return s.writer.Write(live, s.history)
}
