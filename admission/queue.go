package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// request is the type-erased unit the queue and workers move around. The
// generic handle stays with the caller; exec and fail close over it.
type request struct {
	id        string
	principal string
	reqType   string
	priority  int

	// exec runs the work and resolves the handle. Called at most once,
	// from a worker goroutine.
	exec func(ctx context.Context)

	// fail resolves the handle with an error. Reports false if the
	// handle was already resolved.
	fail func(err error) bool

	// claimed flips exactly once, either by a dispatcher taking the
	// request or by its timeout firing. The loser does nothing.
	claimed atomic.Bool

	timer      *time.Timer
	enqueuedAt time.Time
}

func (r *request) claim() bool {
	return r.claimed.CompareAndSwap(false, true)
}

// requestQueue is a bounded FIFO of pending requests. Timed-out entries are
// skipped on pop and compacted lazily; the head index avoids reslicing on
// every pop.
type requestQueue struct {
	mu    sync.Mutex
	items []*request
	head  int
	max   int

	// live counts unclaimed entries. Kept separate from len(items)-head
	// because timed-out entries linger until compaction.
	live int
}

func newRequestQueue(max int) *requestQueue {
	return &requestQueue{max: max}
}

// push appends r if the queue has room. Returns false when full.
func (q *requestQueue) push(r *request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.live >= q.max {
		return false
	}
	q.items = append(q.items, r)
	q.live++
	return true
}

// pop removes and claims the oldest unclaimed request, or returns nil.
func (q *requestQueue) pop() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head < len(q.items) {
		r := q.items[q.head]
		q.items[q.head] = nil
		q.head++
		if q.head > len(q.items)/2 && q.head > 32 {
			q.items = append(q.items[:0], q.items[q.head:]...)
			q.head = 0
		}
		if r == nil || !r.claim() {
			continue
		}
		q.live--
		return r
	}
	q.items = q.items[:0]
	q.head = 0
	return nil
}

// expire is called by a request's timeout timer. The entry itself stays in
// the slice and is skipped by pop.
func (q *requestQueue) expire(r *request) bool {
	if !r.claim() {
		return false
	}
	q.mu.Lock()
	q.live--
	q.mu.Unlock()
	return true
}

func (q *requestQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live
}

// drain claims every pending request and returns them, oldest first.
func (q *requestQueue) drain() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*request
	for _, r := range q.items[q.head:] {
		if r != nil && r.claim() {
			out = append(out, r)
			q.live--
		}
	}
	q.items = nil
	q.head = 0
	return out
}
