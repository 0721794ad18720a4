// Package ratelimit provides per-principal request rate limiting for the
// runtime's admission path.
//
// Three limiter implementations are provided:
//   - [SlidingWindow]: a timestamp log per principal (the default). Exact
//     within a single process.
//   - [TokenBucket]: golang.org/x/time/rate per principal. Cheaper per check,
//     allows short bursts.
//   - [FixedWindow]: bucketed counters over a pluggable [store.Store] backend
//     (memory, SQLite, Redis) for limits shared across processes.
//
// Windows are created lazily on a principal's first request and swept once
// idle for ten window durations.
package ratelimit

import "time"

// Limiter decides whether a principal may proceed right now.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow reports whether principalID may make a request now, and if so
	// records it. Decisions are wall-clock based within this process.
	Allow(principalID string) bool

	// SetLimit installs or replaces the principal's limit configuration.
	// It takes effect on the next Allow call.
	SetLimit(principalID string, maxRequests int, window time.Duration)

	// Sweep evicts state for principals idle longer than ten window
	// durations. Called periodically by the maintenance scheduler.
	Sweep()

	// Reset discards all principal state.
	Reset()

	// Stats returns a point-in-time snapshot.
	Stats() Stats
}

// Stats is a point-in-time snapshot of limiter activity.
type Stats struct {
	Principals int   // principals currently tracked
	Allowed    int64 // cumulative allowed requests
	Denied     int64 // cumulative denied requests
}

// idleWindows is how many window durations a principal must be quiet for
// before its state is evicted by Sweep.
const idleWindows = 10
