package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Compile-time interface check.
var _ Limiter = (*TokenBucket)(nil)

// TokenBucket is a Limiter backed by golang.org/x/time/rate, one bucket per
// principal. A limit of maxRequests per window is translated to a refill rate
// of maxRequests/window with burst maxRequests.
//
// Compared to SlidingWindow it is cheaper per check but admits short bursts
// above the steady rate. Use it when smoothing matters more than an exact
// in-window count.
type TokenBucket struct {
	mu      sync.RWMutex
	buckets map[string]*bucketEntry

	defaultMax    int
	defaultWindow time.Duration

	allowed atomic.Int64
	denied  atomic.Int64
}

type bucketEntry struct {
	lim      *rate.Limiter
	span     time.Duration
	lastSeen time.Time
}

// NewTokenBucket creates a token-bucket limiter with the given default limit.
func NewTokenBucket(maxRequests int, windowSpan time.Duration) *TokenBucket {
	return &TokenBucket{
		buckets:       make(map[string]*bucketEntry),
		defaultMax:    maxRequests,
		defaultWindow: windowSpan,
	}
}

// Allow reports whether principalID may make a request now.
func (t *TokenBucket) Allow(principalID string) bool {
	e := t.entryFor(principalID)

	t.mu.Lock()
	e.lastSeen = time.Now()
	t.mu.Unlock()

	if e.lim.Allow() {
		t.allowed.Add(1)
		return true
	}
	t.denied.Add(1)
	return false
}

// SetLimit installs or replaces the principal's bucket.
func (t *TokenBucket) SetLimit(principalID string, maxRequests int, windowSpan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buckets[principalID] = &bucketEntry{
		lim:      rate.NewLimiter(limitFor(maxRequests, windowSpan), maxRequests),
		span:     windowSpan,
		lastSeen: time.Now(),
	}
}

// Sweep evicts buckets idle for ten window durations.
func (t *TokenBucket) Sweep() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.buckets {
		if now.Sub(e.lastSeen) >= time.Duration(idleWindows)*e.span {
			delete(t.buckets, id)
		}
	}
}

// Reset discards all principal state.
func (t *TokenBucket) Reset() {
	t.mu.Lock()
	t.buckets = make(map[string]*bucketEntry)
	t.mu.Unlock()
}

// Stats returns a point-in-time snapshot.
func (t *TokenBucket) Stats() Stats {
	t.mu.RLock()
	n := len(t.buckets)
	t.mu.RUnlock()

	return Stats{
		Principals: n,
		Allowed:    t.allowed.Load(),
		Denied:     t.denied.Load(),
	}
}

func (t *TokenBucket) entryFor(principalID string) *bucketEntry {
	t.mu.RLock()
	e, ok := t.buckets[principalID]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.buckets[principalID]; ok {
		return e
	}
	e = &bucketEntry{
		lim:      rate.NewLimiter(limitFor(t.defaultMax, t.defaultWindow), t.defaultMax),
		span:     t.defaultWindow,
		lastSeen: time.Now(),
	}
	t.buckets[principalID] = e
	return e
}

func limitFor(maxRequests int, windowSpan time.Duration) rate.Limit {
	if windowSpan <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(maxRequests) / windowSpan.Seconds())
}
