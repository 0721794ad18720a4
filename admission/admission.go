// Package admission is the front door for every unit of work the runtime
// executes. It bounds concurrency with a permit semaphore, rate-limits
// principals, queues overflow in FIFO order with a per-request timeout, and
// owns the resource pools and distributed locks the admitted work uses.
//
// The controller never executes work on the caller's goroutine: Submit hands
// back a Handle and a fixed pool of workers runs the request when a permit is
// available. Capacity rejections resolve the handle with a sentinel error so
// callers can distinguish "retry later" from "this will never work".
package admission

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-runtime/lock"
	"github.com/becomeliminal/nim-runtime/metrics"
	"github.com/becomeliminal/nim-runtime/pool"
	"github.com/becomeliminal/nim-runtime/ratelimit"
)

// Controller admits, queues, and executes requests. Create one with New and
// release it with Shutdown. All methods are safe for concurrent use.
type Controller struct {
	cfg     Config
	limiter ratelimit.Limiter
	metrics metrics.Collector
	logger  *log.Logger

	// permits counts remaining execution slots. A permit travels with a
	// request from admission until the worker finishes it.
	permits atomic.Int64

	queue *requestQueue
	execc chan *request
	stopc chan struct{}
	wg    sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	poolMu sync.Mutex
	pools  map[string]poolRef
	typed  map[string]any

	lockMu   sync.Mutex
	locks    map[string]*lock.Lock
	detector *lock.Detector

	sched *scheduler

	shut atomic.Bool

	busy        atomic.Int64
	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	timedOut    atomic.Int64
	rejectedQ   atomic.Int64
	rejectedRL  atomic.Int64
	queuedTotal atomic.Int64
}

// poolRef is the type-erased view the controller keeps of each generic pool.
type poolRef interface {
	Stats() pool.Stats
	Shutdown()
}

// New builds a Controller and starts its workers and maintenance scheduler.
func New(cfg Config, opts ...Option) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:     cfg,
		limiter: ratelimit.NewSlidingWindow(cfg.RatePerWindow, cfg.RateWindow),
		metrics: metrics.Nop{},
		logger:  log.New(os.Stderr, "", log.LstdFlags),
		queue:   newRequestQueue(cfg.MaxQueueSize),
		execc:   make(chan *request, cfg.MaxConcurrent),
		stopc:   make(chan struct{}),
		pools:   make(map[string]poolRef),
		typed:   make(map[string]any),
		locks:   make(map[string]*lock.Lock),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.permits.Store(int64(cfg.MaxConcurrent))
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	c.detector = lock.NewDetector()

	c.wg.Add(cfg.WorkerPoolSize)
	for i := 0; i < cfg.WorkerPoolSize; i++ {
		go c.worker()
	}
	c.sched = newScheduler(c)
	c.sched.start()

	c.logger.Printf("[ADMISSION] controller started: %d permits, queue %d, %d workers",
		cfg.MaxConcurrent, cfg.MaxQueueSize, cfg.WorkerPoolSize)
	return c
}

// Submit admits work on behalf of a principal. It returns immediately with a
// Handle; the outcome (including capacity rejections) is delivered through
// it. The only synchronous error is ErrShutdown.
//
// priority is carried on the request for observability but does not reorder
// the queue; admission is strictly FIFO.
func Submit[T any](c *Controller, principalID, requestType string, priority int, work func(context.Context) (T, error)) (*Handle[T], error) {
	if c.shut.Load() {
		return nil, ErrShutdown
	}

	h := &Handle[T]{
		id:        uuid.NewString(),
		principal: principalID,
		reqType:   requestType,
		done:      make(chan struct{}),
		submitted: time.Now(),
	}
	r := &request{
		id:         h.id,
		principal:  principalID,
		reqType:    requestType,
		priority:   priority,
		enqueuedAt: h.submitted,
		fail:       h.fail,
	}
	r.exec = func(ctx context.Context) {
		defer func() {
			if p := recover(); p != nil {
				c.failed.Add(1)
				c.metrics.IncrementCounter("admission.panics", 1)
				h.fail(&ExecutionError{RequestID: h.id, Cause: fmt.Errorf("panic: %v", p)})
			}
		}()
		v, err := work(ctx)
		if err != nil {
			c.failed.Add(1)
			h.fail(&ExecutionError{RequestID: h.id, Cause: err})
			return
		}
		c.completed.Add(1)
		h.complete(v, nil)
	}

	c.submitted.Add(1)
	c.metrics.IncrementCounter("admission.submitted", 1)

	if !c.limiter.Allow(principalID) {
		c.rejectedRL.Add(1)
		c.metrics.IncrementCounter("admission.rejected.rate_limited", 1)
		h.fail(fmt.Errorf("principal %s: %w", principalID, ErrRateLimited))
		return h, nil
	}

	// Fast path: a permit is free and nothing older is queued.
	if c.queue.depth() == 0 && c.tryAcquirePermit() {
		r.claimed.Store(true)
		c.execc <- r
		return h, nil
	}

	if !c.queue.push(r) {
		c.rejectedQ.Add(1)
		c.metrics.IncrementCounter("admission.rejected.queue_full", 1)
		h.fail(ErrQueueFull)
		return h, nil
	}
	c.queuedTotal.Add(1)
	r.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		if c.queue.expire(r) {
			c.timedOut.Add(1)
			c.metrics.IncrementCounter("admission.timed_out", 1)
			r.fail(ErrRequestTimeout)
		}
	})

	// A permit may have been banked between the fast-path check and the
	// push; without this re-check the request could strand in the queue.
	if c.tryAcquirePermit() {
		c.dispatchNext()
	}
	return h, nil
}

// tryAcquirePermit claims an execution slot without blocking.
func (c *Controller) tryAcquirePermit() bool {
	for {
		n := c.permits.Load()
		if n <= 0 {
			return false
		}
		if c.permits.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// dispatchNext is called holding a permit. It hands the permit to the oldest
// queued request, or banks it if the queue is empty. The depth re-check after
// banking pairs with the re-check in Submit so a push racing the bank is
// never lost: one side or the other always observes both the permit and the
// request.
func (c *Controller) dispatchNext() {
	for {
		r := c.queue.pop()
		if r == nil {
			c.permits.Add(1)
			if c.queue.depth() == 0 || !c.tryAcquirePermit() {
				return
			}
			continue
		}
		if r.timer != nil {
			r.timer.Stop()
		}
		c.metrics.RecordTimer("admission.queue_wait", time.Since(r.enqueuedAt))
		c.execc <- r
		return
	}
}

func (c *Controller) worker() {
	defer c.wg.Done()
	for {
		select {
		case r := <-c.execc:
			c.run(r)
		case <-c.stopc:
			return
		}
	}
}

// run executes one admitted request and then recycles its permit.
func (c *Controller) run(r *request) {
	c.busy.Add(1)
	start := time.Now()
	r.exec(c.baseCtx)
	c.metrics.RecordTimer("admission.exec", time.Since(start))
	c.busy.Add(-1)
	c.dispatchNext()
}

// SetRateLimit overrides the rate limit for a single principal.
func (c *Controller) SetRateLimit(principalID string, maxRequests int, window time.Duration) {
	c.limiter.SetLimit(principalID, maxRequests, window)
	c.logger.Printf("[ADMISSION] rate limit for %s set to %d per %s", principalID, maxRequests, window)
}

// GetOrCreatePool returns the named resource pool, creating it on first use.
// The factory and sizing arguments only apply on creation; later calls with
// the same name get the existing pool. A name reused with a different
// resource type fails with ErrPoolTypeMismatch.
func GetOrCreatePool[T comparable](c *Controller, name string, factory func(context.Context) (T, error), maxSize int, idleTimeout time.Duration) (*pool.Pool[T], error) {
	if c.shut.Load() {
		return nil, ErrShutdown
	}
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if existing, ok := c.typed[name]; ok {
		p, ok := existing.(*pool.Pool[T])
		if !ok {
			return nil, fmt.Errorf("pool %q: %w", name, ErrPoolTypeMismatch)
		}
		return p, nil
	}
	p := pool.New(name, factory, maxSize, idleTimeout, pool.WithCollector[T](c.metrics))
	c.typed[name] = p
	c.pools[name] = p
	c.logger.Printf("[ADMISSION] created pool %q: max %d, idle timeout %s", name, maxSize, idleTimeout)
	return p, nil
}

// CreateLock returns the named lock, creating it with the given lease on
// first use. Every lock made through the controller shares one deadlock
// detector, so cross-lock wait cycles are visible to it.
func (c *Controller) CreateLock(name string, lease time.Duration, opts ...lock.Option) *lock.Lock {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	if l, ok := c.locks[name]; ok {
		return l
	}
	opts = append(opts, lock.WithCollector(c.metrics))
	l := lock.New(name, lease, c.detector, opts...)
	c.locks[name] = l
	return l
}

// Detector exposes the shared deadlock detector, mainly for observability.
func (c *Controller) Detector() *lock.Detector {
	return c.detector
}

// Shutdown drains the controller: no new submissions, queued requests fail
// with ErrShutdown, the scheduler stops, and in-flight work is given the
// worker drain timeout to finish before its context is cancelled. Pools are
// shut down last. Safe to call more than once.
func (c *Controller) Shutdown(ctx context.Context) error {
	if !c.shut.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Printf("[ADMISSION] shutdown: draining %d queued, %d busy", c.queue.depth(), c.busy.Load())

	for _, r := range c.queue.drain() {
		if r.timer != nil {
			r.timer.Stop()
		}
		r.fail(ErrShutdown)
	}

	c.sched.stop(c.cfg.SchedulerDrainTimeout)

	// Workers finish what they have; nothing new reaches them once stopc
	// closes and the queue is drained.
	close(c.stopc)
	workersDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(workersDone)
	}()
	drain := c.cfg.WorkerDrainTimeout
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < drain {
			drain = rem
		}
	}
	select {
	case <-workersDone:
	case <-time.After(drain):
		c.logger.Printf("[ADMISSION] shutdown: worker drain timed out after %s, cancelling in-flight work", drain)
		c.baseCancel()
		select {
		case <-workersDone:
		case <-time.After(c.cfg.SchedulerDrainTimeout):
			c.logger.Printf("[ADMISSION] shutdown: %d workers still busy, abandoning", c.busy.Load())
		}
	}
	c.baseCancel()

	// Dispatched-but-unstarted requests are stuck in execc now that the
	// workers are gone.
	for {
		select {
		case r := <-c.execc:
			r.fail(ErrShutdown)
			continue
		default:
		}
		break
	}

	c.poolMu.Lock()
	refs := make([]poolRef, 0, len(c.pools))
	for _, p := range c.pools {
		refs = append(refs, p)
	}
	c.poolMu.Unlock()
	var g errgroup.Group
	for _, p := range refs {
		p := p
		g.Go(func() error {
			p.Shutdown()
			return nil
		})
	}
	err := g.Wait()

	c.limiter.Reset()
	c.logger.Printf("[ADMISSION] shutdown complete")
	return err
}
