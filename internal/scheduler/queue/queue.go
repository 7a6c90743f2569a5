// Package queue implements the ordered waiting set of runs.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/agentq/agentq/internal/run"
)

// ErrRunExists is returned when a run is already in the queue.
var ErrRunExists = errors.New("run already exists in queue")

// queuedRun wraps a run with its heap bookkeeping.
type queuedRun struct {
	run   *run.Run
	index int // Index in the heap (used by container/heap)
}

// runHeap implements heap.Interface for the priority queue
type runHeap []*queuedRun

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	a, b := h[i].run, h[j].run
	// Higher priority first, then earlier creation time, then run ID for a
	// deterministic order when timestamps collide.
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedRun)
	item.index = n
	*h = append(*h, item)
}

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// PriorityQueue is an ordered multiset of waiting runs. It holds references
// by run ID; it never owns a run.
type PriorityQueue struct {
	mu     sync.RWMutex
	heap   runHeap
	runMap map[string]*queuedRun // For quick lookup by run ID
}

// New creates an empty priority queue.
func New() *PriorityQueue {
	q := &PriorityQueue{
		heap:   make(runHeap, 0),
		runMap: make(map[string]*queuedRun),
	}
	heap.Init(&q.heap)
	return q
}

// Push inserts a run. Returns ErrRunExists if a run with the same ID is
// already queued.
func (q *PriorityQueue) Push(r *run.Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.runMap[r.ID]; exists {
		return ErrRunExists
	}

	qr := &queuedRun{run: r}
	heap.Push(&q.heap, qr)
	q.runMap[r.ID] = qr
	return nil
}

// Pop removes and returns the highest-ordered run, or nil if empty.
func (q *PriorityQueue) Pop() *run.Run {
	return q.PopIf(func(*run.Run) bool { return true })
}

// PopIf removes and returns the highest-ordered run for which the predicate
// is true, or nil if no queued run passes. A plain "pop highest" is not
// enough: the top run may be blocked by its per-agent cap while a lower
// priority run from another agent is admissible. Skipped runs keep their
// position.
func (q *PriorityQueue) PopIf(pred func(*run.Run) bool) *run.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*queuedRun
	var found *queuedRun

	for len(q.heap) > 0 {
		qr := heap.Pop(&q.heap).(*queuedRun)
		if pred(qr.run) {
			found = qr
			break
		}
		skipped = append(skipped, qr)
	}

	for _, qr := range skipped {
		heap.Push(&q.heap, qr)
	}

	if found == nil {
		return nil
	}
	delete(q.runMap, found.run.ID)
	return found.run
}

// Remove removes a specific run from the queue (cancel of a queued run).
func (q *PriorityQueue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qr, exists := q.runMap[runID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, qr.index)
	delete(q.runMap, runID)
	return true
}

// Contains checks if a run is in the queue.
func (q *PriorityQueue) Contains(runID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.runMap[runID]
	return exists
}

// Len returns the number of queued runs.
func (q *PriorityQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// PeekAll returns a snapshot of queued runs in dispatch order. The snapshot
// is independent of the queue's internal state.
func (q *PriorityQueue) PeekAll() []*run.Run {
	q.mu.RLock()
	scratch := make(runHeap, len(q.heap))
	for i, qr := range q.heap {
		scratch[i] = &queuedRun{run: qr.run, index: i}
	}
	q.mu.RUnlock()

	heap.Init(&scratch)
	result := make([]*run.Run, 0, len(scratch))
	for len(scratch) > 0 {
		qr := heap.Pop(&scratch).(*queuedRun)
		result = append(result, qr.run)
	}
	return result
}

// Clear removes all runs from the queue and returns the removed runs.
func (q *PriorityQueue) Clear() []*run.Run {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := make([]*run.Run, 0, len(q.heap))
	for _, qr := range q.heap {
		removed = append(removed, qr.run)
	}

	q.heap = make(runHeap, 0)
	q.runMap = make(map[string]*queuedRun)
	heap.Init(&q.heap)
	return removed
}
