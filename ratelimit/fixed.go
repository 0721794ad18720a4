package ratelimit

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/becomeliminal/nim-runtime/ratelimit/store"
)

// Compile-time interface check.
var _ Limiter = (*FixedWindow)(nil)

// FixedWindow is a Limiter over a pluggable counter backend. Requests are
// counted in fixed buckets of the window duration; the counter resets when
// the bucket rolls over.
//
// Unlike SlidingWindow it can share state across processes (Redis backend)
// or survive restarts (SQLite backend), at the cost of boundary effects at
// bucket edges. Store errors fail open: the request is allowed.
type FixedWindow struct {
	backend store.Store

	mu     sync.RWMutex
	limits map[string]fixedLimit

	defaultMax    int
	defaultWindow time.Duration

	allowed atomic.Int64
	denied  atomic.Int64
}

type fixedLimit struct {
	max  int
	span time.Duration
}

// NewFixedWindow creates a fixed-window limiter over the given backend.
func NewFixedWindow(backend store.Store, maxRequests int, windowSpan time.Duration) *FixedWindow {
	return &FixedWindow{
		backend:       backend,
		limits:        make(map[string]fixedLimit),
		defaultMax:    maxRequests,
		defaultWindow: windowSpan,
	}
}

// Allow reports whether principalID may make a request now.
func (f *FixedWindow) Allow(principalID string) bool {
	f.mu.RLock()
	lim, ok := f.limits[principalID]
	f.mu.RUnlock()
	if !ok {
		lim = fixedLimit{max: f.defaultMax, span: f.defaultWindow}
	}

	now := time.Now()
	w := bucketWindow(now, lim.span)

	count, err := f.backend.Increment(context.Background(), principalID, w)
	if err != nil {
		// Fail open: a broken backend must not reject all traffic.
		log.Printf("[RATELIMIT] store increment failed for %s: %v", principalID, err)
		f.allowed.Add(1)
		return true
	}

	if count > int64(lim.max) {
		f.denied.Add(1)
		return false
	}
	f.allowed.Add(1)
	return true
}

// SetLimit installs or replaces the principal's limit configuration.
func (f *FixedWindow) SetLimit(principalID string, maxRequests int, windowSpan time.Duration) {
	f.mu.Lock()
	f.limits[principalID] = fixedLimit{max: maxRequests, span: windowSpan}
	f.mu.Unlock()
}

// Sweep is a no-op: backends expire buckets themselves (TTL in Redis, bucket
// key comparison elsewhere). Per-principal overrides are kept.
func (f *FixedWindow) Sweep() {}

// Reset discards per-principal overrides. Backend counters expire on their
// own when their bucket rolls over.
func (f *FixedWindow) Reset() {
	f.mu.Lock()
	f.limits = make(map[string]fixedLimit)
	f.mu.Unlock()
}

// Stats returns a point-in-time snapshot.
func (f *FixedWindow) Stats() Stats {
	f.mu.RLock()
	n := len(f.limits)
	f.mu.RUnlock()

	return Stats{
		Principals: n,
		Allowed:    f.allowed.Load(),
		Denied:     f.denied.Load(),
	}
}

// bucketWindow maps now onto the fixed bucket containing it.
func bucketWindow(now time.Time, span time.Duration) store.Window {
	if span <= 0 {
		span = time.Minute
	}
	start := now.Truncate(span)
	return store.Window{
		Duration:    span,
		BucketKey:   strconv.FormatInt(start.UnixNano(), 10),
		BucketStart: start,
	}
}
