// Package queue implements a thread-safe min-heap keyed by (priority,
// enqueue sequence), tracking a parallel running set so a task id never
// appears queued and running at the same time.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// item is one entry in the heap.
type item struct {
	id       uuid.UUID
	priority int
	seq      int64
}

type minHeap []*item

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) {
	*h = append(*h, x.(*item))
}
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is the duplicate-free, thread-safe priority queue.
type Queue struct {
	mu      sync.Mutex
	heap    minHeap
	running map[uuid.UUID]bool
	queued  map[uuid.UUID]bool
	nextSeq int64
}

// New builds an empty Queue.
func New() *Queue {
	return &Queue{
		running: make(map[uuid.UUID]bool),
		queued:  make(map[uuid.UUID]bool),
	}
}

// Enqueue inserts id at the given priority. A no-op if id is already queued
// or running.
func (q *Queue) Enqueue(id uuid.UUID, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[id] || q.running[id] {
		return
	}
	q.nextSeq++
	heap.Push(&q.heap, &item{id: id, priority: priority, seq: q.nextSeq})
	q.queued[id] = true
}

// EnqueueAfter schedules id to be enqueued after delay, non-blocking.
func (q *Queue) EnqueueAfter(id uuid.UUID, priority int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Enqueue(id, priority)
	})
}

// TryTakeUpTo pops up to n ids, moving each from queued into running.
func (q *Queue) TryTakeUpTo(n int) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, n)
	for len(out) < n && q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		delete(q.queued, it.id)
		q.running[it.id] = true
		out = append(out, it.id)
	}
	return out
}

// Release removes id from the running set, freeing a worker slot.
func (q *Queue) Release(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
}

// Len reports the number of tasks currently queued (not running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// RunningLen reports the number of tasks currently running, for callers
// checking against their concurrency budget.
func (q *Queue) RunningLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// Contains reports whether id is queued or running (used by admit tick to
// avoid re-registering work already in flight).
func (q *Queue) Contains(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[id] || q.running[id]
}
