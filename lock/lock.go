// Package lock provides an in-process, reentrant, lease-based mutual
// exclusion primitive that is safe against deadlock across logically
// independent lock holders.
//
// Ownership is keyed by an explicit caller-supplied owner token rather than
// goroutine identity: a logical operation that hops between worker goroutines
// keeps its reentrancy by carrying the same token. NewOwnerID generates
// fresh tokens.
//
// Every acquisition is screened by a shared [Detector]: a wait that would
// close a cycle in the global wait-for graph is refused with
// ErrPotentialDeadlock instead of blocking forever. Held locks carry a lease
// that is renewed in the background at two-thirds of the lease time; if the
// holder stops renewing (crash, stall), a competing acquirer takes the lock
// over once the lease expires.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-runtime/metrics"
)

var (
	// ErrNotHolder is returned by Unlock when the caller does not hold the
	// lock. This is a caller programming error, reported synchronously.
	ErrNotHolder = errors.New("lock: unlock by non-holder")

	// ErrPotentialDeadlock is returned when blocking would close a cycle
	// in the wait-for graph, or when a blocked waiter is chosen as a
	// deadlock victim. It is not retryable without releasing held locks.
	ErrPotentialDeadlock = errors.New("lock: acquisition would deadlock")

	// ErrForceUnlocked is returned to waiters cancelled by ForceUnlock.
	ErrForceUnlocked = errors.New("lock: force-unlocked while waiting")
)

// NewOwnerID returns a fresh owner token. Use one token per logical
// operation (request, session, job) and pass it to every Acquire/Unlock
// the operation makes.
func NewOwnerID() string {
	return uuid.New().String()
}

// holderState is the immutable snapshot swapped through Lock.state.
// depth counts re-entries beyond the first acquisition, so depth 0 means
// held once.
type holderState struct {
	owner   string
	depth   int
	expires time.Time
}

type lockWaiter struct {
	owner string
	ch    chan error  // buffered 1; nil means "lock may be free, try again"
	done  atomic.Bool // single-completion guard
}

// Lock is a named, reentrant, lease-based mutex.
//
// Holder state lives behind an atomic pointer and changes only through
// compare-and-swap, so the acquire fast path and lease checks never take a
// mutex; only the FIFO waiter queue has one.
type Lock struct {
	name      string
	lease     time.Duration
	detector  *Detector
	collector metrics.Collector
	autoRenew bool

	state atomic.Pointer[holderState] // nil == unlocked

	wmu     sync.Mutex
	waiters []*lockWaiter
	whead   int

	renewMu   sync.Mutex
	renewStop chan struct{}

	acquisitions atomic.Int64
	timeouts     atomic.Int64
	takeovers    atomic.Int64
	forced       atomic.Int64
}

// Option configures a Lock.
type Option func(*Lock)

// WithAutoRenew controls background lease renewal. It is on by default;
// tests disable it to simulate a crashed holder.
func WithAutoRenew(on bool) Option {
	return func(l *Lock) {
		l.autoRenew = on
	}
}

// WithCollector sets the metrics collector for the lock.
func WithCollector(c metrics.Collector) Option {
	return func(l *Lock) {
		l.collector = metrics.Safe(c)
	}
}

// New creates a lock named name with the given lease time, screened by
// detector. Locks that should see each other's wait cycles must share one
// detector.
func New(name string, lease time.Duration, detector *Detector, opts ...Option) *Lock {
	l := &Lock{
		name:      name,
		lease:     lease,
		detector:  detector,
		collector: metrics.Nop{},
		autoRenew: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the lock's name.
func (l *Lock) Name() string {
	return l.name
}

// Acquire blocks until owner holds the lock or ctx is cancelled. Re-entry by
// the current holder succeeds immediately. A wait that would deadlock is
// refused with ErrPotentialDeadlock.
func (l *Lock) Acquire(ctx context.Context, owner string) error {
	ok, err := l.acquire(ctx, owner, 0)
	if err != nil {
		return err
	}
	if !ok {
		// Unbounded acquire only returns false through ctx cancellation,
		// which surfaces as an error above.
		return fmt.Errorf("lock: %s: acquisition failed", l.name)
	}
	return nil
}

// TryAcquire is Acquire with a bounded wait. It returns (false, nil) when
// timeout elapses and (false, err) for deadlock refusal or cancellation.
func (l *Lock) TryAcquire(ctx context.Context, owner string, timeout time.Duration) (bool, error) {
	return l.acquire(ctx, owner, timeout)
}

func (l *Lock) acquire(ctx context.Context, owner string, timeout time.Duration) (bool, error) {
	if owner == "" {
		return false, errors.New("lock: empty owner token")
	}

	if l.tryAcquire(owner) {
		return true, nil
	}

	// The wait edge must be screened and recorded before blocking.
	if l.detector.WouldCauseDeadlock(owner, l.name) {
		l.collector.IncrementCounter("lock."+l.name+".deadlock_refused", 1)
		return false, fmt.Errorf("%w: owner %s on %s", ErrPotentialDeadlock, owner, l.name)
	}

	w := &lockWaiter{owner: owner, ch: make(chan error, 1)}
	l.detector.RecordWaitForLock(owner, l.name, func() {
		if w.done.CompareAndSwap(false, true) {
			w.ch <- fmt.Errorf("%w: owner %s selected as victim on %s", ErrPotentialDeadlock, owner, l.name)
		}
	})

	l.wmu.Lock()
	l.waiters = append(l.waiters, w)
	l.wmu.Unlock()

	// Re-check after enqueueing: the holder may have released between our
	// failed tryAcquire and the waiter becoming visible.
	if l.tryAcquire(owner) {
		w.done.Store(true)
		return true, nil
	}

	var timer *time.Timer
	var timec <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timec = timer.C
		defer timer.Stop()
	}

	// A crashed holder never unlocks, so nothing signals the queue when its
	// lease lapses. Waiters poll tryAcquire at half the lease interval to
	// pick up the takeover path.
	var leasec <-chan time.Time
	if l.lease > 0 {
		interval := l.lease / 2
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		lt := time.NewTicker(interval)
		defer lt.Stop()
		leasec = lt.C
	}

	for {
		select {
		case err := <-w.ch:
			if err != nil {
				// Victim cancellation or force-unlock. The wait edge
				// is already cleared for victims; clear it again for
				// the force-unlock path, which is harmless if done.
				l.detector.RecordWaitCancelled(owner)
				return false, err
			}
			// Signalled by an unlock: attempt immediate acquisition.
			if l.tryAcquire(owner) {
				return true, nil
			}
			// Lost the race with a barging acquirer; rejoin the front
			// of the queue and wait for the next signal.
			w = l.requeueFront(owner)

		case <-leasec:
			if l.tryAcquire(owner) {
				if !w.done.CompareAndSwap(false, true) {
					// A signal or cancellation raced the takeover;
					// consume it so it cannot leak to the next waiter.
					<-w.ch
				}
				return true, nil
			}

		case <-timec:
			if !w.done.CompareAndSwap(false, true) {
				// A signal raced the timer; consume it and retry once.
				if err := <-w.ch; err != nil {
					l.detector.RecordWaitCancelled(owner)
					return false, err
				}
				if l.tryAcquire(owner) {
					return true, nil
				}
			}
			l.timeouts.Add(1)
			l.collector.IncrementCounter("lock."+l.name+".timeouts", 1)
			l.detector.RecordWaitCancelled(owner)
			return false, nil

		case <-ctx.Done():
			if !w.done.CompareAndSwap(false, true) {
				if err := <-w.ch; err != nil {
					l.detector.RecordWaitCancelled(owner)
					return false, err
				}
				if l.tryAcquire(owner) {
					return true, nil
				}
			}
			l.detector.RecordWaitCancelled(owner)
			return false, ctx.Err()
		}
	}
}

// tryAcquire attempts immediate acquisition: fresh acquire of an unlocked
// lock, re-entry by the current holder, or takeover of an expired lease.
func (l *Lock) tryAcquire(owner string) bool {
	for {
		s := l.state.Load()
		now := time.Now()

		switch {
		case s == nil:
			next := &holderState{owner: owner, expires: now.Add(l.lease)}
			if l.state.CompareAndSwap(nil, next) {
				l.onAcquired(owner)
				return true
			}

		case s.owner == owner:
			next := &holderState{owner: owner, depth: s.depth + 1, expires: now.Add(l.lease)}
			if l.state.CompareAndSwap(s, next) {
				l.acquisitions.Add(1)
				return true
			}

		case now.After(s.expires):
			// Stale lease: the holder stopped renewing. Take over.
			next := &holderState{owner: owner, expires: now.Add(l.lease)}
			if l.state.CompareAndSwap(s, next) {
				l.takeovers.Add(1)
				l.collector.IncrementCounter("lock."+l.name+".takeovers", 1)
				log.Printf("[LOCK] %s: lease of %s expired, taken over by %s", l.name, s.owner, owner)
				l.detector.RecordLockReleased(s.owner, l.name)
				l.onAcquired(owner)
				return true
			}

		default:
			return false
		}
	}
}

func (l *Lock) onAcquired(owner string) {
	l.acquisitions.Add(1)
	l.collector.IncrementCounter("lock."+l.name+".acquisitions", 1)
	l.detector.RecordLockAcquired(owner, l.name)
	if l.autoRenew {
		l.startRenewal()
	}
}

// Unlock releases one level of the lock held by owner. The final unlock
// transitions to unlocked and signals the oldest waiter. Unlock by a
// non-holder fails with ErrNotHolder.
func (l *Lock) Unlock(owner string) error {
	for {
		s := l.state.Load()
		if s == nil || s.owner != owner {
			return fmt.Errorf("%w: %s does not hold %s", ErrNotHolder, owner, l.name)
		}

		if s.depth > 0 {
			next := &holderState{owner: owner, depth: s.depth - 1, expires: s.expires}
			if l.state.CompareAndSwap(s, next) {
				return nil
			}
			continue
		}

		if l.state.CompareAndSwap(s, nil) {
			l.detector.RecordLockReleased(owner, l.name)
			l.stopRenewal()
			l.signalNext()
			return nil
		}
	}
}

// ForceUnlock clears the holder regardless of ownership and cancels all
// waiters. It is the administrative escape hatch for deadlock-victim
// resolution and stale-lease recovery.
func (l *Lock) ForceUnlock() {
	s := l.state.Swap(nil)
	if s != nil {
		l.detector.RecordLockReleased(s.owner, l.name)
	}
	l.forced.Add(1)
	l.collector.IncrementCounter("lock."+l.name+".force_unlocks", 1)
	l.stopRenewal()

	l.wmu.Lock()
	waiters := l.waiters[l.whead:]
	l.waiters = nil
	l.whead = 0
	l.wmu.Unlock()

	for _, w := range waiters {
		if w != nil && w.done.CompareAndSwap(false, true) {
			w.ch <- ErrForceUnlocked
		}
	}
}

// Holder returns the current holder's owner token and reentrant depth, or
// ("", 0) when unlocked.
func (l *Lock) Holder() (owner string, depth int) {
	s := l.state.Load()
	if s == nil {
		return "", 0
	}
	return s.owner, s.depth + 1
}

// Stats returns a point-in-time snapshot.
func (l *Lock) Stats() Stats {
	l.wmu.Lock()
	waiting := len(l.waiters) - l.whead
	l.wmu.Unlock()

	owner, depth := l.Holder()
	return Stats{
		Name:         l.name,
		Holder:       owner,
		Depth:        depth,
		Waiting:      waiting,
		Acquisitions: l.acquisitions.Load(),
		Timeouts:     l.timeouts.Load(),
		Takeovers:    l.takeovers.Load(),
		ForceUnlocks: l.forced.Load(),
	}
}

// signalNext wakes the oldest live waiter, which attempts immediate
// acquisition.
func (l *Lock) signalNext() {
	l.wmu.Lock()
	for l.whead < len(l.waiters) {
		w := l.waiters[l.whead]
		l.waiters[l.whead] = nil
		l.whead++
		if w.done.CompareAndSwap(false, true) {
			l.compactWaitersLocked()
			l.wmu.Unlock()
			w.ch <- nil
			return
		}
	}
	l.compactWaitersLocked()
	l.wmu.Unlock()
}

// compactWaitersLocked reclaims consumed waiter slots once more than half the
// slice is dead head space. Caller must hold l.wmu.
func (l *Lock) compactWaitersLocked() {
	if l.whead > len(l.waiters)/2 {
		n := copy(l.waiters, l.waiters[l.whead:])
		for i := n; i < len(l.waiters); i++ {
			l.waiters[i] = nil
		}
		l.waiters = l.waiters[:n]
		l.whead = 0
	}
}

// requeueFront re-enqueues a signalled waiter that lost the acquisition race
// ahead of everyone else, preserving its queue position.
func (l *Lock) requeueFront(owner string) *lockWaiter {
	w := &lockWaiter{owner: owner, ch: make(chan error, 1)}

	l.wmu.Lock()
	if l.whead > 0 {
		l.whead--
		l.waiters[l.whead] = w
	} else {
		l.waiters = append([]*lockWaiter{w}, l.waiters...)
	}
	l.wmu.Unlock()

	l.detector.RecordWaitForLock(owner, l.name, func() {
		if w.done.CompareAndSwap(false, true) {
			w.ch <- fmt.Errorf("%w: owner %s selected as victim on %s", ErrPotentialDeadlock, owner, l.name)
		}
	})
	return w
}

// startRenewal launches the lease renewal task if it is not already running.
// It renews at two-thirds of the lease time while the lock is held.
func (l *Lock) startRenewal() {
	l.renewMu.Lock()
	defer l.renewMu.Unlock()
	if l.renewStop != nil {
		return
	}
	stop := make(chan struct{})
	l.renewStop = stop

	go func() {
		ticker := time.NewTicker(l.lease * 2 / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !l.renew() {
					return
				}
			}
		}
	}()
}

// renew extends the current lease. Returns false once the lock is unlocked,
// which ends the renewal task.
func (l *Lock) renew() bool {
	for {
		s := l.state.Load()
		if s == nil {
			return false
		}
		next := &holderState{owner: s.owner, depth: s.depth, expires: time.Now().Add(l.lease)}
		if l.state.CompareAndSwap(s, next) {
			return true
		}
	}
}

// stopRenewal ends the renewal task, but only while the lock is actually
// unlocked: a competing acquirer may have taken the lock between the
// releasing CAS and this call, in which case the running task keeps renewing
// for the new holder.
func (l *Lock) stopRenewal() {
	l.renewMu.Lock()
	if l.state.Load() == nil && l.renewStop != nil {
		close(l.renewStop)
		l.renewStop = nil
	}
	l.renewMu.Unlock()
}

// Stats is a point-in-time snapshot of one lock.
type Stats struct {
	Name         string
	Holder       string // empty when unlocked
	Depth        int    // reentrant depth, 0 when unlocked
	Waiting      int
	Acquisitions int64
	Timeouts     int64
	Takeovers    int64
	ForceUnlocks int64
}
