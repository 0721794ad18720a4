package admission

import (
	"log"
	"time"

	"github.com/becomeliminal/nim-runtime/metrics"
	"github.com/becomeliminal/nim-runtime/ratelimit"
)

// Config controls the admission controller's capacity and maintenance
// behavior. Use DefaultConfig and override what you need.
type Config struct {
	// MaxConcurrent is the number of requests allowed to execute at once.
	MaxConcurrent int

	// MaxQueueSize bounds the number of requests waiting for a permit.
	MaxQueueSize int

	// RequestTimeout is how long a queued request may wait for admission
	// before it fails with ErrRequestTimeout.
	RequestTimeout time.Duration

	// RateWindow and RatePerWindow set the default per-principal rate
	// limit. Per-principal overrides go through SetRateLimit.
	RateWindow    time.Duration
	RatePerWindow int

	// WorkerPoolSize is the number of goroutines executing admitted work.
	// Defaults to MaxConcurrent.
	WorkerPoolSize int

	// RateSweepInterval is how often idle principals are evicted from the
	// rate limiter.
	RateSweepInterval time.Duration

	// DeadlockSweepInterval is how often the lock wait-for graph is
	// checked for cycles.
	DeadlockSweepInterval time.Duration

	// StatsInterval is how often a stats line is logged. Zero disables
	// the periodic report.
	StatsInterval time.Duration

	// SchedulerDrainTimeout and WorkerDrainTimeout bound the two phases
	// of Shutdown.
	SchedulerDrainTimeout time.Duration
	WorkerDrainTimeout    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:         1000,
		MaxQueueSize:          5000,
		RequestTimeout:        30 * time.Second,
		RateWindow:            time.Minute,
		RatePerWindow:         100,
		RateSweepInterval:     time.Minute,
		DeadlockSweepInterval: 5 * time.Second,
		StatsInterval:         0,
		SchedulerDrainTimeout: 5 * time.Second,
		WorkerDrainTimeout:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RatePerWindow <= 0 {
		c.RatePerWindow = d.RatePerWindow
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = c.MaxConcurrent
	}
	if c.RateSweepInterval <= 0 {
		c.RateSweepInterval = d.RateSweepInterval
	}
	if c.DeadlockSweepInterval <= 0 {
		c.DeadlockSweepInterval = d.DeadlockSweepInterval
	}
	if c.SchedulerDrainTimeout <= 0 {
		c.SchedulerDrainTimeout = d.SchedulerDrainTimeout
	}
	if c.WorkerDrainTimeout <= 0 {
		c.WorkerDrainTimeout = d.WorkerDrainTimeout
	}
	return c
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLimiter replaces the default sliding-window limiter, e.g. with a
// token-bucket or store-backed limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(c *Controller) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithMetrics attaches a metrics collector. The collector is wrapped so a
// misbehaving implementation cannot take down request processing.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = metrics.Safe(m)
		}
	}
}

// WithLogger redirects the controller's log output.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}
