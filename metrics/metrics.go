// Package metrics defines the metrics sink consumed by the runtime.
//
// The runtime reports every admission decision, queue depth sample, and
// pool/lock statistic through a Collector. Collectors are best-effort: a
// misbehaving implementation must never fail the operation it measures, so
// all calls made by the runtime go through Safe, which swallows panics.
//
// Implementations:
//   - Nop: discards everything (the default)
//   - InMemory: counts in process memory, used by tests and stats snapshots
//   - User-provided: Prometheus, StatsD, etc.
package metrics

import (
	"log"
	"sync"
	"time"
)

// Collector receives measurements from the runtime.
// Implementations must be safe for concurrent use and should return quickly;
// the runtime calls collectors synchronously on hot paths.
type Collector interface {
	// IncrementCounter adds delta to the named counter.
	IncrementCounter(name string, delta int64)

	// RecordTimer records one observation of the named duration.
	RecordTimer(name string, d time.Duration)
}

// Measure runs fn and records its wall-clock duration under name.
func Measure(c Collector, name string, fn func()) {
	start := time.Now()
	fn()
	c.RecordTimer(name, time.Since(start))
}

// Nop is a Collector that discards all measurements.
type Nop struct{}

func (Nop) IncrementCounter(string, int64)    {}
func (Nop) RecordTimer(string, time.Duration) {}

// InMemory is a Collector that aggregates counters and timers in memory.
// It is intended for tests and for feeding stats snapshots.
type InMemory struct {
	mu       sync.Mutex
	counters map[string]int64
	timers   map[string]timerAgg
}

type timerAgg struct {
	Count int64
	Total time.Duration
}

// NewInMemory creates an empty in-memory collector.
func NewInMemory() *InMemory {
	return &InMemory{
		counters: make(map[string]int64),
		timers:   make(map[string]timerAgg),
	}
}

func (m *InMemory) IncrementCounter(name string, delta int64) {
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

func (m *InMemory) RecordTimer(name string, d time.Duration) {
	m.mu.Lock()
	agg := m.timers[name]
	agg.Count++
	agg.Total += d
	m.timers[name] = agg
	m.mu.Unlock()
}

// Counter returns the current value of the named counter.
func (m *InMemory) Counter(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Counters returns a copy of all counters.
func (m *InMemory) Counters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// TimerCount returns the number of observations recorded under name.
func (m *InMemory) TimerCount(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[name].Count
}

// Safe wraps c so that a panicking collector cannot take down the operation
// being measured. A nil c yields a Nop collector.
func Safe(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	if _, ok := c.(safeCollector); ok {
		return c
	}
	return safeCollector{inner: c}
}

type safeCollector struct {
	inner Collector
}

func (s safeCollector) IncrementCounter(name string, delta int64) {
	defer recoverCollector(name)
	s.inner.IncrementCounter(name, delta)
}

func (s safeCollector) RecordTimer(name string, d time.Duration) {
	defer recoverCollector(name)
	s.inner.RecordTimer(name, d)
}

func recoverCollector(name string) {
	if r := recover(); r != nil {
		log.Printf("[METRICS] collector panicked on %s: %v", name, r)
	}
}
