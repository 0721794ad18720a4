// Package pool provides a generic pool of reusable resources with a creation
// ceiling, FIFO waiter hand-off, and background idle eviction.
//
// Typical use is pooling expensive store connections:
//
//	p := pool.New("vector-store", openConn, 10, 30*time.Second)
//	conn, err := p.Acquire(ctx)
//	if err != nil { ... }
//	defer p.Release(conn)
//
// Resources that implement io.Closer are closed when destroyed.
package pool

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/becomeliminal/nim-runtime/metrics"
)

var (
	// ErrWaitTimeout is returned when an Acquire gave up waiting for a
	// resource to be released.
	ErrWaitTimeout = errors.New("pool: timed out waiting for a resource")

	// ErrShutdown is returned to waiters and acquirers once the pool has
	// been shut down.
	ErrShutdown = errors.New("pool: pool is shut down")
)

// Pool is a fixed-ceiling pool of resources of type T. The type parameter is
// constrained to comparable so released values can be matched back to their
// tracking records; pooled resources are almost always pointers or handles,
// which satisfy this naturally.
//
// Waiters are served strictly in arrival order: a released resource is handed
// directly to the oldest waiter and never returns to the idle set while
// anyone is waiting.
type Pool[T comparable] struct {
	name        string
	factory     func(context.Context) (T, error)
	maxSize     int
	idleTimeout time.Duration
	collector   metrics.Collector

	// mu guards idle and the waiter queue. Critical sections are O(1) or
	// bounded by the idle set; resource creation and destruction happen
	// outside the lock.
	mu      sync.Mutex
	idle    []*entry[T]
	waiters []*waiter[T]
	whead   int

	// active tracks checked-out resources by value.
	active sync.Map // T -> *entry[T]

	live    atomic.Int64
	waiting atomic.Int64
	closed  atomic.Bool
	stopc   chan struct{}

	created       atomic.Int64
	destroyed     atomic.Int64
	acquired      atomic.Int64
	released      atomic.Int64
	factoryErrors atomic.Int64
	evicted       atomic.Int64
	handoffs      atomic.Int64
}

type entry[T comparable] struct {
	value      T
	lastAccess time.Time // guarded by Pool.mu while idle
}

type waiter[T comparable] struct {
	ch   chan *entry[T] // buffered 1; nil delivery means pool shutdown
	done atomic.Bool    // single-completion guard
}

// Option configures a Pool.
type Option[T comparable] func(*Pool[T])

// WithCollector sets the metrics collector for the pool.
func WithCollector[T comparable](c metrics.Collector) Option[T] {
	return func(p *Pool[T]) {
		p.collector = metrics.Safe(c)
	}
}

// New creates a pool named name. factory creates resources on demand up to
// maxSize; resources idle longer than idleTimeout are destroyed by a
// background reaper that runs every idleTimeout/2.
func New[T comparable](name string, factory func(context.Context) (T, error), maxSize int, idleTimeout time.Duration, opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		name:        name,
		factory:     factory,
		maxSize:     maxSize,
		idleTimeout: idleTimeout,
		collector:   metrics.Nop{},
		stopc:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	if idleTimeout > 0 {
		go p.reap()
	}
	return p
}

// Name returns the pool's name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Acquire returns a resource, creating one if the pool is below its ceiling.
// If all resources are checked out it waits in FIFO order until one is
// released, the context is cancelled, or the pool shuts down.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	return p.acquire(ctx, 0)
}

// AcquireTimeout is Acquire with an explicit upper bound on the wait.
// It fails with ErrWaitTimeout once d elapses.
func (p *Pool[T]) AcquireTimeout(ctx context.Context, d time.Duration) (T, error) {
	return p.acquire(ctx, d)
}

func (p *Pool[T]) acquire(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	for {
		if p.closed.Load() {
			return zero, ErrShutdown
		}

		// Oldest idle resource first. Expired candidates are destroyed
		// and the attempt retried.
		p.mu.Lock()
		var e *entry[T]
		if len(p.idle) > 0 {
			e = p.idle[0]
			p.idle = p.idle[1:]
		}
		p.mu.Unlock()

		if e != nil {
			if p.expired(e, time.Now()) {
				p.destroy(e, "expired")
				continue
			}
			return p.checkout(e), nil
		}

		// Nothing idle. Create below the ceiling; the slot is reserved
		// before calling the factory so concurrent acquirers cannot
		// overshoot maxSize.
		if p.reserveSlot() {
			e, err := p.create(ctx)
			if err != nil {
				// Factory failures are logged and treated as "no
				// resource created"; fall through to the wait path.
				p.factoryErrors.Add(1)
				p.collector.IncrementCounter("pool."+p.name+".factory_error", 1)
				log.Printf("[POOL] %s: factory failed: %v", p.name, err)
			} else {
				return p.checkout(e), nil
			}
		}

		return p.wait(ctx, timeout)
	}
}

// wait enqueues a FIFO waiter and blocks until hand-off, timeout,
// cancellation, or shutdown.
//
// The idle set is re-checked under the mutex in the same critical section
// that publishes the waiter: a Release between the caller's idle check and
// this enqueue parks the resource in idle, and without the re-check the
// waiter would strand against it.
func (p *Pool[T]) wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	w := &waiter[T]{ch: make(chan *entry[T], 1)}

	for {
		p.mu.Lock()
		if p.closed.Load() {
			p.mu.Unlock()
			return zero, ErrShutdown
		}
		if len(p.idle) == 0 {
			p.waiters = append(p.waiters, w)
			p.mu.Unlock()
			break
		}
		e := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()

		if p.expired(e, time.Now()) {
			p.destroy(e, "expired")
			continue
		}
		return p.checkout(e), nil
	}

	p.waiting.Add(1)
	defer p.waiting.Add(-1)
	p.collector.IncrementCounter("pool."+p.name+".waits", 1)

	var timer *time.Timer
	var timec <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timec = timer.C
		defer timer.Stop()
	}

	select {
	case e := <-w.ch:
		if e == nil {
			return zero, ErrShutdown
		}
		return p.checkout(e), nil

	case <-timec:
		if !w.done.CompareAndSwap(false, true) {
			// Lost the race: a release already handed us a resource.
			e := <-w.ch
			if e == nil {
				return zero, ErrShutdown
			}
			return p.checkout(e), nil
		}
		p.collector.IncrementCounter("pool."+p.name+".wait_timeouts", 1)
		return zero, ErrWaitTimeout

	case <-ctx.Done():
		if !w.done.CompareAndSwap(false, true) {
			e := <-w.ch
			if e == nil {
				return zero, ErrShutdown
			}
			return p.checkout(e), nil
		}
		return zero, ctx.Err()
	}
}

// Release returns a resource to the pool. If a waiter is queued the resource
// is handed directly to the oldest one; otherwise it rejoins the idle set
// with a refreshed last-access time. Releasing a value the pool is not
// tracking is a caller bug and is logged and ignored.
func (p *Pool[T]) Release(v T) {
	rec, ok := p.active.LoadAndDelete(v)
	if !ok {
		log.Printf("[POOL] %s: release of untracked resource ignored", p.name)
		return
	}
	e := rec.(*entry[T])
	p.released.Add(1)
	p.collector.IncrementCounter("pool."+p.name+".releases", 1)

	if p.closed.Load() {
		p.destroy(e, "shutdown")
		return
	}

	e.lastAccess = time.Now()

	p.mu.Lock()
	for p.whead < len(p.waiters) {
		w := p.waiters[p.whead]
		p.waiters[p.whead] = nil
		p.whead++
		if w.done.CompareAndSwap(false, true) {
			p.compactWaitersLocked()
			p.mu.Unlock()
			p.handoffs.Add(1)
			w.ch <- e
			return
		}
		// Waiter already timed out or cancelled; try the next one.
	}
	p.compactWaitersLocked()
	p.idle = append(p.idle, e)
	p.mu.Unlock()
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	available := len(p.idle)
	p.mu.Unlock()

	live := p.live.Load()
	return Stats{
		Name:          p.name,
		MaxSize:       p.maxSize,
		Created:       p.created.Load(),
		Destroyed:     p.destroyed.Load(),
		Current:       live,
		Active:        live - int64(available),
		Available:     available,
		Waiting:       p.waiting.Load(),
		Acquired:      p.acquired.Load(),
		Released:      p.released.Load(),
		Handoffs:      p.handoffs.Load(),
		Evicted:       p.evicted.Load(),
		FactoryErrors: p.factoryErrors.Load(),
	}
}

// Shutdown fails all waiters, destroys every tracked resource, and clears
// internal state. It is safe to call more than once.
func (p *Pool[T]) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopc)

	p.mu.Lock()
	waiters := p.waiters[p.whead:]
	p.waiters = nil
	p.whead = 0
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		if w != nil && w.done.CompareAndSwap(false, true) {
			w.ch <- nil
		}
	}

	for _, e := range idle {
		p.destroy(e, "shutdown")
	}

	// Checked-out resources are destroyed as well; callers holding them
	// will get a release-of-untracked log line, not a panic.
	p.active.Range(func(k, v any) bool {
		p.active.Delete(k)
		p.destroy(v.(*entry[T]), "shutdown")
		return true
	})

	log.Printf("[POOL] %s: shut down", p.name)
}

// reap destroys idle resources whose last access is older than idleTimeout.
// It scans the whole idle set against last-access time rather than trusting
// return order, so out-of-order releases cannot hide an expired resource.
func (p *Pool[T]) reap() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopc:
			return
		case <-ticker.C:
			now := time.Now()

			p.mu.Lock()
			var keep, expired []*entry[T]
			for _, e := range p.idle {
				if p.expired(e, now) {
					expired = append(expired, e)
				} else {
					keep = append(keep, e)
				}
			}
			p.idle = keep
			p.mu.Unlock()

			for _, e := range expired {
				p.evicted.Add(1)
				p.destroy(e, "idle")
			}
		}
	}
}

func (p *Pool[T]) checkout(e *entry[T]) T {
	e.lastAccess = time.Now()
	p.active.Store(e.value, e)
	p.acquired.Add(1)
	p.collector.IncrementCounter("pool."+p.name+".acquisitions", 1)
	return e.value
}

// reserveSlot claims a live-count slot below maxSize.
func (p *Pool[T]) reserveSlot() bool {
	for {
		n := p.live.Load()
		if n >= int64(p.maxSize) {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// create invokes the factory for a reserved slot, releasing the slot on
// failure.
func (p *Pool[T]) create(ctx context.Context) (*entry[T], error) {
	v, err := p.factory(ctx)
	if err != nil {
		p.live.Add(-1)
		return nil, err
	}
	p.created.Add(1)
	p.collector.IncrementCounter("pool."+p.name+".created", 1)
	return &entry[T]{value: v, lastAccess: time.Now()}, nil
}

func (p *Pool[T]) destroy(e *entry[T], reason string) {
	p.live.Add(-1)
	p.destroyed.Add(1)
	p.collector.IncrementCounter("pool."+p.name+".destroyed", 1)

	if c, ok := any(e.value).(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Printf("[POOL] %s: close (%s): %v", p.name, reason, err)
		}
	}
}

func (p *Pool[T]) expired(e *entry[T], now time.Time) bool {
	return p.idleTimeout > 0 && now.Sub(e.lastAccess) > p.idleTimeout
}

// compactWaitersLocked reclaims consumed waiter slots once more than half the
// slice is dead head space. Caller must hold p.mu.
func (p *Pool[T]) compactWaitersLocked() {
	if p.whead > len(p.waiters)/2 {
		n := copy(p.waiters, p.waiters[p.whead:])
		for i := n; i < len(p.waiters); i++ {
			p.waiters[i] = nil
		}
		p.waiters = p.waiters[:n]
		p.whead = 0
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name          string
	MaxSize       int
	Created       int64
	Destroyed     int64
	Current       int64 // live resources, idle plus checked out
	Active        int64 // currently checked out
	Available     int   // currently idle
	Waiting       int64 // acquirers blocked in the wait queue
	Acquired      int64
	Released      int64
	Handoffs      int64 // releases handed directly to a waiter
	Evicted       int64 // destroyed by the idle reaper
	FactoryErrors int64
}
