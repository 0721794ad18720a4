package admission

import (
	"sync"
	"time"
)

// scheduler runs the controller's periodic maintenance: rate-limiter sweeps,
// deadlock detection, and the optional stats report. Each job runs in its own
// goroutine with panic isolation so a fault in one cannot stall the others.
type scheduler struct {
	c     *Controller
	stopc chan struct{}
	wg    sync.WaitGroup
}

func newScheduler(c *Controller) *scheduler {
	return &scheduler{c: c, stopc: make(chan struct{})}
}

func (s *scheduler) start() {
	s.spawn("rate_sweep", s.c.cfg.RateSweepInterval, func() {
		s.c.limiter.Sweep()
	})
	s.spawn("deadlock_sweep", s.c.cfg.DeadlockSweepInterval, func() {
		if n := s.c.detector.DetectDeadlocks(); n > 0 {
			s.c.metrics.IncrementCounter("admission.deadlocks_resolved", int64(n))
		}
	})
	if s.c.cfg.StatsInterval > 0 {
		s.spawn("stats_report", s.c.cfg.StatsInterval, func() {
			snap := s.c.Stats()
			s.c.logger.Printf("[ADMISSION] stats: busy=%d queued=%d permits=%d submitted=%d completed=%d failed=%d rejected=%d",
				snap.BusyWorkers, snap.QueueDepth, snap.AvailablePermits,
				snap.Submitted, snap.Completed, snap.Failed,
				snap.RejectedQueueFull+snap.RejectedRateLimited)
		})
	}
}

func (s *scheduler) spawn(name string, every time.Duration, job func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.runJob(name, job)
			case <-s.stopc:
				return
			}
		}
	}()
}

func (s *scheduler) runJob(name string, job func()) {
	defer func() {
		if p := recover(); p != nil {
			s.c.logger.Printf("[ADMISSION] scheduler job %s panicked: %v", name, p)
		}
	}()
	job()
}

// stop signals the jobs and waits up to timeout for them to exit.
func (s *scheduler) stop(timeout time.Duration) {
	close(s.stopc)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.c.logger.Printf("[ADMISSION] scheduler drain timed out after %s", timeout)
	}
}
