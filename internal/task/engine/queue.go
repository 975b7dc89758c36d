package engine

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// jobHeap implements container/heap.Interface for *Job, ordered by FireAt
// (earliest first) and then by insertion sequence.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if !h[i].FireAt.Equal(h[j].FireAt) {
		return h[i].FireAt.Before(h[j].FireAt)
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// TimeQueue is a time-ordered queue of pending jobs, safe for concurrent use.
type TimeQueue struct {
	mu   sync.Mutex
	h    jobHeap
	seq  uint64
	byID map[string]*Job
}

func NewTimeQueue() *TimeQueue {
	return &TimeQueue{byID: map[string]*Job{}}
}

// Insert adds a pending job. O(log n).
func (q *TimeQueue) Insert(j *Job) error {
	if j == nil {
		return fmt.Errorf("insert: nil job")
	}
	if st := j.State(); st != StatePending {
		return fmt.Errorf("insert %s: %w (state %s)", j.ID, ErrNotPending, st)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.byID[j.ID]; dup {
		return fmt.Errorf("insert %s: duplicate job id", j.ID)
	}
	q.seq++
	j.seq = q.seq
	heap.Push(&q.h, j)
	q.byID[j.ID] = j
	return nil
}

// PeekNextFireTime returns the earliest FireAt without mutating the queue.
func (q *TimeQueue) PeekNextFireTime() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return time.Time{}, false
	}
	return q.h[0].FireAt, true
}

// PopDue removes every job with FireAt <= now as one batch, in queue order,
// and moves each to running before returning it.
//
// A queued job that is not pending means the queue invariant is broken; the
// error wraps ErrQueueCorrupt and the jobs popped so far are still returned.
func (q *TimeQueue) PopDue(now time.Time) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for len(q.h) > 0 && !q.h[0].FireAt.After(now) {
		j := heap.Pop(&q.h).(*Job)
		delete(q.byID, j.ID)
		if !j.transition(StateRunning, now, nil) {
			return out, fmt.Errorf("%w: job %s queued in state %s", ErrQueueCorrupt, j.ID, j.State())
		}
		out = append(out, j)
	}
	return out, nil
}

// Remove takes a pending job out of the queue and marks it cancelled.
// It reports false if id is not queued.
func (q *TimeQueue) Remove(id string, now time.Time) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	if !j.transition(StateCancelled, now, nil) {
		return nil, false
	}
	heap.Remove(&q.h, j.index)
	delete(q.byID, id)
	return j, true
}

func (q *TimeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
