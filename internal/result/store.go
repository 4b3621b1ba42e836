// Package result implements the append-only buffer of execution results,
// drained periodically by the reporter. Results are copied on read so
// published records can't be mutated.
package result

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Result is an append-only record of a single task execution. Created by the
// worker, destroyed once the reporter has delivered it.
type Result struct {
	TaskID           uuid.UUID              `json:"taskId"`
	SuccessFlag      bool                   `json:"successFlag"`
	Timestamp        time.Time              `json:"timestamp"`
	ExecutionDetails map[string]interface{} `json:"executionDetails,omitempty"`
}

func (r Result) clone() Result {
	if r.ExecutionDetails == nil {
		return r
	}
	c := r
	c.ExecutionDetails = make(map[string]interface{}, len(r.ExecutionDetails))
	for k, v := range r.ExecutionDetails {
		c.ExecutionDetails[k] = v
	}
	return c
}

// Store is the append-only FIFO buffer of TaskResults.
type Store struct {
	mu      sync.Mutex
	results []Result
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Add appends a result (thread-safe).
func (s *Store) Add(r Result) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r.clone())
}

// SnapshotAndClear atomically takes all buffered results, leaving the buffer
// empty. Results are copied so callers can't mutate published state.
func (s *Store) SnapshotAndClear() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return nil
	}
	out := make([]Result, len(s.results))
	for i, r := range s.results {
		out[i] = r.clone()
	}
	s.results = nil
	return out
}

// GetByTaskID returns copies of every buffered result for a task, FIFO order.
func (s *Store) GetByTaskID(id uuid.UUID) []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Result
	for _, r := range s.results {
		if r.TaskID == id {
			out = append(out, r.clone())
		}
	}
	return out
}

// Len reports the number of buffered, undelivered results.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
