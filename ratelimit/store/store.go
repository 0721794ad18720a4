// Package store defines counter backends for the fixed-window limiter.
//
// A Store tracks one counter per principal, partitioned into time buckets.
// The in-memory store is the default; the SQLite store survives process
// restarts; the redis subpackage shares counters across processes.
package store

import (
	"context"
	"time"
)

// Window identifies the active time bucket for a counter.
type Window struct {
	Duration    time.Duration // bucket length
	BucketKey   string        // identifies the current bucket, e.g. a truncated timestamp
	BucketStart time.Time     // start of the current bucket
}

// Store is a counter backend. Implementations must be safe for concurrent
// use. When the bucket key changes between calls the counter resets.
type Store interface {
	// Increment atomically adds one to the counter for key in the current
	// window bucket and returns the new count.
	Increment(ctx context.Context, key string, w Window) (current int64, err error)

	// Get returns the current counter value for key in the active bucket.
	Get(ctx context.Context, key string, w Window) (current int64, err error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
