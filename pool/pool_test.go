package pool_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/becomeliminal/nim-runtime/pool"
)

// fakeConn stands in for a pooled connection. Close is tracked so tests can
// verify destruction.
type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func connFactory() func(ctx context.Context) (*fakeConn, error) {
	var next atomic.Int64
	return func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{id: int(next.Add(1))}, nil
	}
}

func TestPool_AcquireCreatesUpToCeiling(t *testing.T) {
	p := pool.New("test", connFactory(), 3, 0)
	defer p.Shutdown()

	ctx := context.Background()
	var conns []*fakeConn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Failed to acquire %d: %v", i, err)
		}
		conns = append(conns, c)
	}

	stats := p.Stats()
	if stats.Created != 3 || stats.Active != 3 {
		t.Errorf("Expected 3 created and active, got created=%d active=%d", stats.Created, stats.Active)
	}

	// Fourth acquire must wait, not create.
	if _, err := p.AcquireTimeout(ctx, 30*time.Millisecond); !errors.Is(err, pool.ErrWaitTimeout) {
		t.Errorf("Expected ErrWaitTimeout at ceiling, got %v", err)
	}
	if got := p.Stats().Created; got != 3 {
		t.Errorf("Ceiling breached: %d resources created", got)
	}

	for _, c := range conns {
		p.Release(c)
	}
}

func TestPool_ReleaseReuses(t *testing.T) {
	p := pool.New("test", connFactory(), 2, 0)
	defer p.Shutdown()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to reacquire: %v", err)
	}
	if c1 != c2 {
		t.Errorf("Expected the released resource to be reused")
	}
	if got := p.Stats().Created; got != 1 {
		t.Errorf("Expected a single creation, got %d", got)
	}
	p.Release(c2)
}

func TestPool_WaiterHandoffFIFO(t *testing.T) {
	p := pool.New("test", connFactory(), 1, 0)
	defer p.Shutdown()

	ctx := context.Background()
	held, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	// Queue waiters one at a time so arrival order is deterministic.
	const n = 5
	type result struct {
		index int
		err   error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			c, err := p.Acquire(ctx)
			results <- result{index: i, err: err}
			if err == nil {
				p.Release(c)
			}
		}()
		waitForWaiting(t, p, int64(i+1))
	}

	p.Release(held)

	// Each release feeds the next waiter; completion order must match
	// arrival order.
	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Waiter %d failed: %v", r.index, r.err)
		}
		if r.index != i {
			t.Fatalf("FIFO violated: waiter %d finished at position %d", r.index, i)
		}
	}
	if got := p.Stats().Handoffs; got != n {
		t.Errorf("Expected %d direct hand-offs in stats, got %d", n, got)
	}
}

func waitForWaiting(t *testing.T, p *pool.Pool[*fakeConn], want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Waiting == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Never reached %d waiters (have %d)", want, p.Stats().Waiting)
}

func TestPool_FactoryFailureFallsToWait(t *testing.T) {
	var calls atomic.Int64
	factory := func(ctx context.Context) (*fakeConn, error) {
		if calls.Add(1) == 1 {
			return &fakeConn{id: 1}, nil
		}
		return nil, fmt.Errorf("connect refused")
	}
	p := pool.New("test", factory, 2, 0)
	defer p.Shutdown()

	ctx := context.Background()
	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	// Second acquire hits the failing factory and waits instead of
	// erroring out; releasing the first resource unblocks it.
	done := make(chan error, 1)
	var c2 *fakeConn
	go func() {
		var err error
		c2, err = p.Acquire(ctx)
		done <- err
	}()
	waitForWaiting(t, p, 1)

	p.Release(c1)
	if err := <-done; err != nil {
		t.Fatalf("Waiter failed after release: %v", err)
	}
	if c2 != c1 {
		t.Errorf("Expected hand-off of the released resource")
	}

	stats := p.Stats()
	if stats.FactoryErrors != 1 {
		t.Errorf("Expected 1 factory error, got %d", stats.FactoryErrors)
	}
	if stats.Handoffs != 1 {
		t.Errorf("Expected 1 direct hand-off in stats, got %d", stats.Handoffs)
	}
	// The failed slot was returned; the pool can still create later.
	if stats.Current != 1 {
		t.Errorf("Expected 1 live resource, got %d", stats.Current)
	}
	p.Release(c2)
}

func TestPool_AcquireContextCancel(t *testing.T) {
	p := pool.New("test", connFactory(), 1, 0)
	defer p.Shutdown()

	held, _ := p.Acquire(context.Background())
	defer p.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		done <- err
	}()
	waitForWaiting(t, p, 1)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestPool_IdleEviction(t *testing.T) {
	p := pool.New("test", connFactory(), 4, 40*time.Millisecond)
	defer p.Shutdown()

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	p.Release(c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Evicted == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	stats := p.Stats()
	if stats.Evicted != 1 {
		t.Fatalf("Expected idle resource to be evicted, stats: %+v", stats)
	}
	if !c.closed.Load() {
		t.Errorf("Evicted resource was not closed")
	}
	if stats.Current != 0 {
		t.Errorf("Expected 0 live after eviction, got %d", stats.Current)
	}

	// The pool still creates fresh resources afterwards.
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire after eviction: %v", err)
	}
	p.Release(c2)
}

func TestPool_ReleaseWhileBusyKeepsResourceFresh(t *testing.T) {
	p := pool.New("test", connFactory(), 1, 150*time.Millisecond)
	defer p.Shutdown()

	ctx := context.Background()
	c, _ := p.Acquire(ctx)

	// Checked-out resources are not subject to idle eviction.
	time.Sleep(250 * time.Millisecond)
	if p.Stats().Evicted != 0 {
		t.Fatalf("Checked-out resource was evicted")
	}
	p.Release(c)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to reacquire: %v", err)
	}
	if c2 != c {
		t.Errorf("Expected reuse of the released resource")
	}
	p.Release(c2)
}

func TestPool_Shutdown(t *testing.T) {
	p := pool.New("test", connFactory(), 2, 0)
	ctx := context.Background()

	// Both resources stay checked out so the third acquire has to queue.
	held, _ := p.Acquire(ctx)
	second, _ := p.Acquire(ctx)

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		waiterErr <- err
	}()
	waitForWaiting(t, p, 1)

	p.Shutdown()

	if err := <-waiterErr; !errors.Is(err, pool.ErrShutdown) {
		t.Errorf("Expected waiter to fail with ErrShutdown, got %v", err)
	}
	if _, err := p.Acquire(ctx); !errors.Is(err, pool.ErrShutdown) {
		t.Errorf("Expected acquire after shutdown to fail, got %v", err)
	}
	if !held.closed.Load() || !second.closed.Load() {
		t.Errorf("Checked-out resources were not closed on shutdown")
	}

	// Releasing after shutdown is ignored, not fatal.
	p.Release(held)
	p.Shutdown()
}

func TestPool_ShutdownClosesIdleResources(t *testing.T) {
	p := pool.New("test", connFactory(), 2, 0)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	p.Release(c)

	p.Shutdown()
	if !c.closed.Load() {
		t.Errorf("Idle resource was not closed on shutdown")
	}
}

func TestPool_AcquireSeesRacingRelease(t *testing.T) {
	// Ping-pong a single resource between a releasing goroutine and an
	// acquiring one. If an acquirer can enqueue as a waiter while the
	// resource sits idle, one of these rounds stalls into a timeout.
	p := pool.New("test", connFactory(), 1, 0)
	defer p.Shutdown()

	ctx := context.Background()
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	for i := 0; i < 5000; i++ {
		go p.Release(c)
		got, err := p.AcquireTimeout(ctx, 2*time.Second)
		if err != nil {
			t.Fatalf("Round %d stalled: %v", i, err)
		}
		c = got
	}
	p.Release(c)
}

func TestPool_ConcurrentAcquireReleaseHonorsCeiling(t *testing.T) {
	const ceiling = 4
	p := pool.New("test", connFactory(), ceiling, 0)
	defer p.Shutdown()

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	ctx := context.Background()
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c, err := p.Acquire(ctx)
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				n := inUse.Add(1)
				for {
					pk := peak.Load()
					if n <= pk || peak.CompareAndSwap(pk, n) {
						break
					}
				}
				inUse.Add(-1)
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if pk := peak.Load(); pk > ceiling {
		t.Errorf("Ceiling breached: %d resources in use at once", pk)
	}
	if created := p.Stats().Created; created > ceiling {
		t.Errorf("Created %d resources, ceiling is %d", created, ceiling)
	}
}
