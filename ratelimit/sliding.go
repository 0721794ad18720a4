package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Compile-time interface check.
var _ Limiter = (*SlidingWindow)(nil)

// SlidingWindow is a Limiter that keeps a bounded log of request timestamps
// per principal. A request is allowed when fewer than maxRequests timestamps
// fall inside the trailing window.
//
// The principal table is guarded by a read/write lock; each window has its
// own mutex so checks for different principals do not serialize.
type SlidingWindow struct {
	mu      sync.RWMutex
	windows map[string]*window

	defaultMax    int
	defaultWindow time.Duration

	allowed atomic.Int64
	denied  atomic.Int64
}

type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	max        int
	span       time.Duration
	lastSeen   time.Time
}

// NewSlidingWindow creates a sliding-window limiter. Principals without an
// explicit SetLimit use maxRequests per window.
func NewSlidingWindow(maxRequests int, windowSpan time.Duration) *SlidingWindow {
	return &SlidingWindow{
		windows:       make(map[string]*window),
		defaultMax:    maxRequests,
		defaultWindow: windowSpan,
	}
}

// Allow reports whether principalID may make a request now and records it.
func (s *SlidingWindow) Allow(principalID string) bool {
	w := s.windowFor(principalID)
	if w.allow(time.Now()) {
		s.allowed.Add(1)
		return true
	}
	s.denied.Add(1)
	return false
}

// SetLimit installs or replaces the principal's window configuration.
// Recorded timestamps are kept, so tightening a limit applies to requests
// already inside the window.
func (s *SlidingWindow) SetLimit(principalID string, maxRequests int, windowSpan time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[principalID]; ok {
		w.mu.Lock()
		w.max = maxRequests
		w.span = windowSpan
		w.mu.Unlock()
		return
	}
	s.windows[principalID] = &window{
		max:      maxRequests,
		span:     windowSpan,
		lastSeen: time.Now(),
	}
}

// Sweep evicts windows idle for ten window durations.
func (s *SlidingWindow) Sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.windows {
		w.mu.Lock()
		idle := now.Sub(w.lastSeen) >= time.Duration(idleWindows)*w.span
		w.mu.Unlock()
		if idle {
			delete(s.windows, id)
		}
	}
}

// Reset discards all principal state.
func (s *SlidingWindow) Reset() {
	s.mu.Lock()
	s.windows = make(map[string]*window)
	s.mu.Unlock()
}

// Stats returns a point-in-time snapshot.
func (s *SlidingWindow) Stats() Stats {
	s.mu.RLock()
	n := len(s.windows)
	s.mu.RUnlock()

	return Stats{
		Principals: n,
		Allowed:    s.allowed.Load(),
		Denied:     s.denied.Load(),
	}
}

// InWindow returns the number of requests principalID has inside its current
// window. Useful for tests and diagnostics.
func (s *SlidingWindow) InWindow(principalID string) int {
	s.mu.RLock()
	w, ok := s.windows[principalID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.timestamps)
}

func (s *SlidingWindow) windowFor(principalID string) *window {
	s.mu.RLock()
	w, ok := s.windows[principalID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if w, ok := s.windows[principalID]; ok {
		return w
	}
	w = &window{
		max:      s.defaultMax,
		span:     s.defaultWindow,
		lastSeen: time.Now(),
	}
	s.windows[principalID] = w
	return w
}

// allow records a request at now if the window has room.
func (w *window) allow(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now
	w.prune(now)
	if len(w.timestamps) >= w.max {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

// prune drops timestamps that fell out of the trailing window.
// Caller must hold w.mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}
