package admission

import (
	"github.com/becomeliminal/nim-runtime/lock"
	"github.com/becomeliminal/nim-runtime/pool"
	"github.com/becomeliminal/nim-runtime/ratelimit"
)

// Snapshot is a point-in-time view of the controller and everything it owns.
type Snapshot struct {
	MaxConcurrent    int
	AvailablePermits int64
	BusyWorkers      int64
	QueueDepth       int
	QueueCapacity    int

	Submitted           int64
	Completed           int64
	Failed              int64
	TimedOut            int64
	RejectedQueueFull   int64
	RejectedRateLimited int64
	QueuedTotal         int64

	RateLimit ratelimit.Stats
	Pools     map[string]pool.Stats
	Locks     map[string]lock.Stats
	Detector  lock.DetectorStats
}

// Stats collects a Snapshot. Counters are read without a global pause, so the
// snapshot is consistent per field, not across fields.
func (c *Controller) Stats() Snapshot {
	snap := Snapshot{
		MaxConcurrent:    c.cfg.MaxConcurrent,
		AvailablePermits: c.permits.Load(),
		BusyWorkers:      c.busy.Load(),
		QueueDepth:       c.queue.depth(),
		QueueCapacity:    c.cfg.MaxQueueSize,

		Submitted:           c.submitted.Load(),
		Completed:           c.completed.Load(),
		Failed:              c.failed.Load(),
		TimedOut:            c.timedOut.Load(),
		RejectedQueueFull:   c.rejectedQ.Load(),
		RejectedRateLimited: c.rejectedRL.Load(),
		QueuedTotal:         c.queuedTotal.Load(),

		RateLimit: c.limiter.Stats(),
		Detector:  c.detector.Stats(),
	}

	c.poolMu.Lock()
	snap.Pools = make(map[string]pool.Stats, len(c.pools))
	for name, p := range c.pools {
		snap.Pools[name] = p.Stats()
	}
	c.poolMu.Unlock()

	c.lockMu.Lock()
	snap.Locks = make(map[string]lock.Stats, len(c.locks))
	for name, l := range c.locks {
		snap.Locks[name] = l.Stats()
	}
	c.lockMu.Unlock()

	return snap
}

// Health is the result of CheckHealth. Healthy is false when any pressure
// flag is raised.
type Health struct {
	Healthy bool

	NoPermits       bool // every execution slot is taken
	QueuePressure   bool // queue over 80% of capacity
	WorkersPressure bool // over 90% of workers busy
	RatePressure    bool // over 10% of submissions rate-limited
	PoolWaiters     bool // acquirers blocked on at least one pool
}

// CheckHealth evaluates load pressure from the current Snapshot. A raised
// flag means the system is saturated on that axis, not that it is failing;
// callers typically shed load or scale out when several flags raise at once.
func (c *Controller) CheckHealth() Health {
	snap := c.Stats()
	h := Health{
		NoPermits:     snap.AvailablePermits <= 0,
		QueuePressure: snap.QueueDepth*5 > snap.QueueCapacity*4,
	}
	if w := int64(c.cfg.WorkerPoolSize); w > 0 {
		h.WorkersPressure = snap.BusyWorkers*10 > w*9
	}
	if snap.Submitted > 0 {
		h.RatePressure = snap.RejectedRateLimited*10 > snap.Submitted
	}
	for _, ps := range snap.Pools {
		if ps.Waiting > 0 {
			h.PoolWaiters = true
			break
		}
	}
	h.Healthy = !h.NoPermits && !h.QueuePressure && !h.WorkersPressure && !h.RatePressure && !h.PoolWaiters
	return h
}
