package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/becomeliminal/nim-runtime/lock"
)

func newTestLock(t *testing.T, name string, lease time.Duration, opts ...lock.Option) (*lock.Lock, *lock.Detector) {
	t.Helper()
	d := lock.NewDetector()
	return lock.New(name, lease, d, opts...), d
}

func waitForWaiters(t *testing.T, l *lock.Lock, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().Waiting >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Lock %s never reached %d waiters (have %d)", l.Name(), want, l.Stats().Waiting)
}

func TestLock_AcquireUnlock(t *testing.T) {
	l, _ := newTestLock(t, "basic", time.Minute)
	owner := lock.NewOwnerID()

	if err := l.Acquire(context.Background(), owner); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	if h, d := l.Holder(); h != owner || d != 1 {
		t.Errorf("Expected holder %s depth 1, got %s depth %d", owner, h, d)
	}
	if err := l.Unlock(owner); err != nil {
		t.Fatalf("Failed to unlock: %v", err)
	}
	if h, _ := l.Holder(); h != "" {
		t.Errorf("Expected unlocked, holder is %s", h)
	}
}

func TestLock_Reentrancy(t *testing.T) {
	l, _ := newTestLock(t, "reentrant", time.Minute)
	owner := lock.NewOwnerID()
	ctx := context.Background()

	const depth = 5
	for i := 0; i < depth; i++ {
		if err := l.Acquire(ctx, owner); err != nil {
			t.Fatalf("Re-entry %d failed: %v", i, err)
		}
	}
	if _, d := l.Holder(); d != depth {
		t.Fatalf("Expected depth %d, got %d", depth, d)
	}

	// The lock stays held until every level is unlocked.
	for i := 0; i < depth-1; i++ {
		if err := l.Unlock(owner); err != nil {
			t.Fatalf("Unlock %d failed: %v", i, err)
		}
		if h, _ := l.Holder(); h != owner {
			t.Fatalf("Lock released early after %d unlocks", i+1)
		}
	}
	if err := l.Unlock(owner); err != nil {
		t.Fatalf("Final unlock failed: %v", err)
	}
	if h, _ := l.Holder(); h != "" {
		t.Errorf("Expected unlocked after %d unlocks, holder is %s", depth, h)
	}
}

func TestLock_UnlockByNonHolder(t *testing.T) {
	l, _ := newTestLock(t, "strict", time.Minute)
	holder, stranger := lock.NewOwnerID(), lock.NewOwnerID()

	if err := l.Unlock(stranger); !errors.Is(err, lock.ErrNotHolder) {
		t.Errorf("Expected ErrNotHolder on unlocked lock, got %v", err)
	}

	l.Acquire(context.Background(), holder)
	if err := l.Unlock(stranger); !errors.Is(err, lock.ErrNotHolder) {
		t.Errorf("Expected ErrNotHolder for stranger, got %v", err)
	}
	if h, _ := l.Holder(); h != holder {
		t.Errorf("Failed unlock must not disturb the holder")
	}
	l.Unlock(holder)
}

func TestLock_ContendedHandoffFIFO(t *testing.T) {
	l, _ := newTestLock(t, "contended", time.Minute)
	first := lock.NewOwnerID()
	ctx := context.Background()

	if err := l.Acquire(ctx, first); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	const n = 4
	order := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		owner := lock.NewOwnerID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, owner); err != nil {
				t.Errorf("Waiter %d failed: %v", i, err)
				return
			}
			order <- i
			l.Unlock(owner)
		}()
		waitForWaiters(t, l, i+1)
	}

	l.Unlock(first)
	wg.Wait()
	close(order)

	i := 0
	for got := range order {
		if got != i {
			t.Fatalf("FIFO violated: waiter %d acquired at position %d", got, i)
		}
		i++
	}
}

func TestLock_TryAcquireTimeout(t *testing.T) {
	l, _ := newTestLock(t, "bounded", time.Minute)
	holder, other := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	l.Acquire(ctx, holder)

	start := time.Now()
	ok, err := l.TryAcquire(ctx, other, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if ok {
		t.Fatalf("TryAcquire succeeded against a held lock")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Gave up early: %s", elapsed)
	}
	if got := l.Stats().Timeouts; got != 1 {
		t.Errorf("Expected 1 timeout in stats, got %d", got)
	}

	// The abandoned wait must not leave a stale waiter that eats the next
	// signal.
	l.Unlock(holder)
	ok, err = l.TryAcquire(ctx, other, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Failed to acquire released lock: ok=%v err=%v", ok, err)
	}
	l.Unlock(other)
}

func TestLock_AcquireContextCancel(t *testing.T) {
	l, _ := newTestLock(t, "cancellable", time.Minute)
	holder, other := lock.NewOwnerID(), lock.NewOwnerID()

	l.Acquire(context.Background(), holder)
	defer l.Unlock(holder)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- l.Acquire(ctx, other)
	}()
	waitForWaiters(t, l, 1)

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLock_DirectDeadlockRefused(t *testing.T) {
	// Two owners, two locks, opposite order: the second edge closes a
	// cycle and must be refused, not block.
	d := lock.NewDetector()
	l1 := lock.New("res-a", time.Minute, d)
	l2 := lock.New("res-b", time.Minute, d)
	ownerA, ownerB := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	if err := l1.Acquire(ctx, ownerA); err != nil {
		t.Fatalf("Failed to acquire res-a: %v", err)
	}
	if err := l2.Acquire(ctx, ownerB); err != nil {
		t.Fatalf("Failed to acquire res-b: %v", err)
	}

	waitc := make(chan error, 1)
	go func() {
		waitc <- l2.Acquire(ctx, ownerA)
	}()
	waitForWaiters(t, l2, 1)

	err := l1.Acquire(ctx, ownerB)
	if !errors.Is(err, lock.ErrPotentialDeadlock) {
		t.Fatalf("Expected ErrPotentialDeadlock, got %v", err)
	}

	// ownerB can proceed by releasing; ownerA's wait then completes.
	if err := l2.Unlock(ownerB); err != nil {
		t.Fatalf("Failed to unlock res-b: %v", err)
	}
	if err := <-waitc; err != nil {
		t.Fatalf("Waiter failed after release: %v", err)
	}
	l2.Unlock(ownerA)
	l1.Unlock(ownerA)
}

func TestLock_SelfWaitRefused(t *testing.T) {
	// An owner re-acquiring its own lock is reentrancy, never a deadlock.
	l, _ := newTestLock(t, "self", time.Minute)
	owner := lock.NewOwnerID()
	ctx := context.Background()

	l.Acquire(ctx, owner)
	if err := l.Acquire(ctx, owner); err != nil {
		t.Fatalf("Re-entry misdiagnosed: %v", err)
	}
	l.Unlock(owner)
	l.Unlock(owner)
}

func TestLock_StaleLeaseTakeover(t *testing.T) {
	// Renewal off simulates a holder that crashed without unlocking.
	l, _ := newTestLock(t, "leased", 60*time.Millisecond, lock.WithAutoRenew(false))
	dead, live := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	if err := l.Acquire(ctx, dead); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	// Within the lease the lock is honored.
	if ok, _ := l.TryAcquire(ctx, live, 10*time.Millisecond); ok {
		t.Fatalf("Takeover before lease expiry")
	}

	time.Sleep(80 * time.Millisecond)

	ok, err := l.TryAcquire(ctx, live, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Expected takeover of stale lease: ok=%v err=%v", ok, err)
	}
	if h, _ := l.Holder(); h != live {
		t.Errorf("Expected holder %s after takeover, got %s", live, h)
	}
	if got := l.Stats().Takeovers; got != 1 {
		t.Errorf("Expected 1 takeover in stats, got %d", got)
	}

	// The dead owner's unlock is now a non-holder error.
	if err := l.Unlock(dead); !errors.Is(err, lock.ErrNotHolder) {
		t.Errorf("Expected ErrNotHolder for displaced owner, got %v", err)
	}
	l.Unlock(live)
}

func TestLock_WaiterQueueCompaction(t *testing.T) {
	// Many sequential hand-offs march the queue head forward; the slice
	// must be reclaimed along the way and every waiter still served.
	l, _ := newTestLock(t, "churned", time.Minute)
	first := lock.NewOwnerID()
	ctx := context.Background()

	if err := l.Acquire(ctx, first); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	const n = 12
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		owner := lock.NewOwnerID()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, owner); err != nil {
				errs <- err
				return
			}
			errs <- l.Unlock(owner)
		}()
		waitForWaiters(t, l, i+1)
	}

	l.Unlock(first)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Waiter failed: %v", err)
		}
	}
	if got := l.Stats().Waiting; got != 0 {
		t.Errorf("Expected empty waiter queue, got %d", got)
	}
}

func TestLock_BlockedWaiterTakesOverExpiredLease(t *testing.T) {
	// The waiter blocks before the lease lapses; with the holder gone,
	// nothing ever signals the queue, so the waiter itself must notice
	// the expiry.
	l, _ := newTestLock(t, "abandoned", 100*time.Millisecond, lock.WithAutoRenew(false))
	dead, live := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	if err := l.Acquire(ctx, dead); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	done := make(chan struct{})
	var ok bool
	var err error
	go func() {
		defer close(done)
		ok, err = l.TryAcquire(ctx, live, 600*time.Millisecond)
	}()
	waitForWaiters(t, l, 1)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Waiter never returned")
	}
	if err != nil || !ok {
		t.Fatalf("Expected blocked waiter to take over the stale lease: ok=%v err=%v", ok, err)
	}
	if h, _ := l.Holder(); h != live {
		t.Errorf("Expected holder %s after takeover, got %s", live, h)
	}
	if got := l.Stats().Takeovers; got != 1 {
		t.Errorf("Expected 1 takeover in stats, got %d", got)
	}
	l.Unlock(live)
}

func TestLock_UnboundedAcquireSurvivesCrashedHolder(t *testing.T) {
	l, _ := newTestLock(t, "crashed", 80*time.Millisecond, lock.WithAutoRenew(false))
	dead, live := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	if err := l.Acquire(ctx, dead); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- l.Acquire(ctx, live)
	}()
	waitForWaiters(t, l, 1)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Unbounded Acquire still blocked long after the lease expired")
	}
	if h, _ := l.Holder(); h != live {
		t.Errorf("Expected holder %s, got %s", live, h)
	}
	l.Unlock(live)
}

func TestLock_RenewalPreventsTakeover(t *testing.T) {
	l, _ := newTestLock(t, "renewed", 100*time.Millisecond)
	holder, other := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	if err := l.Acquire(ctx, holder); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	// Hold well past several lease periods; renewal keeps it fresh.
	time.Sleep(200 * time.Millisecond)
	if ok, _ := l.TryAcquire(ctx, other, 10*time.Millisecond); ok {
		t.Fatalf("Renewed lease was taken over")
	}
	if h, _ := l.Holder(); h != holder {
		t.Errorf("Expected holder %s, got %s", holder, h)
	}
	l.Unlock(holder)
}

func TestLock_ForceUnlock(t *testing.T) {
	l, _ := newTestLock(t, "forced", time.Minute)
	holder, waiter := lock.NewOwnerID(), lock.NewOwnerID()
	ctx := context.Background()

	l.Acquire(ctx, holder)
	errc := make(chan error, 1)
	go func() {
		errc <- l.Acquire(ctx, waiter)
	}()
	waitForWaiters(t, l, 1)

	l.ForceUnlock()

	if err := <-errc; !errors.Is(err, lock.ErrForceUnlocked) {
		t.Errorf("Expected ErrForceUnlocked for waiter, got %v", err)
	}
	if h, _ := l.Holder(); h != "" {
		t.Errorf("Expected unlocked after force, holder is %s", h)
	}

	// The lock is usable again.
	fresh := lock.NewOwnerID()
	if err := l.Acquire(ctx, fresh); err != nil {
		t.Fatalf("Failed to acquire after force unlock: %v", err)
	}
	l.Unlock(fresh)
}

func TestLock_EmptyOwnerRejected(t *testing.T) {
	l, _ := newTestLock(t, "tokened", time.Minute)
	if err := l.Acquire(context.Background(), ""); err == nil {
		t.Errorf("Expected error for empty owner token")
	}
}
