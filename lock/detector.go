package lock

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Detector maintains a global wait-for graph across all locks created from
// one Controller: "owner waits on lock" and "lock is held by owner" edges.
// It answers predictive cycle queries before a waiter blocks, and runs a
// periodic full-graph sweep as a safety net for races the predictive check
// can miss.
type Detector struct {
	mu sync.Mutex

	// waitsOn maps an owner to the single lock it is blocked on.
	waitsOn map[string]string
	// heldBy maps a lock name to its current holder.
	heldBy map[string]string
	// waitStart records when each owner began waiting, for victim selection.
	waitStart map[string]time.Time
	// cancels aborts a blocked waiter when it is chosen as a victim.
	cancels map[string]func()

	cyclesDetected atomic.Int64
	cyclesResolved atomic.Int64
}

// NewDetector creates an empty deadlock detector.
func NewDetector() *Detector {
	return &Detector{
		waitsOn:   make(map[string]string),
		heldBy:    make(map[string]string),
		waitStart: make(map[string]time.Time),
		cancels:   make(map[string]func()),
	}
}

// WouldCauseDeadlock reports whether owner blocking on lockName would close a
// cycle in the current wait-for graph. The graph must stay acyclic at every
// point a new wait edge is committed, so callers refuse the wait when this
// returns true instead of repairing afterwards.
func (d *Detector) WouldCauseDeadlock(ownerID, lockName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pathBackToLocked(ownerID, lockName)
}

// pathBackToLocked walks holder -> waited-lock chains starting at lockName
// and reports whether they lead back to ownerID. Caller must hold d.mu.
func (d *Detector) pathBackToLocked(ownerID, lockName string) bool {
	seen := make(map[string]bool)
	current := lockName
	for {
		holder, held := d.heldBy[current]
		if !held || holder == "" {
			return false
		}
		if holder == ownerID {
			return true
		}
		if seen[holder] {
			return false
		}
		seen[holder] = true

		next, waiting := d.waitsOn[holder]
		if !waiting {
			return false
		}
		current = next
	}
}

// RecordWaitForLock adds a wait edge for owner before it blocks on lockName.
// cancel is invoked if the owner is later selected as a deadlock victim.
func (d *Detector) RecordWaitForLock(ownerID, lockName string, cancel func()) {
	d.mu.Lock()
	d.waitsOn[ownerID] = lockName
	d.waitStart[ownerID] = time.Now()
	if cancel != nil {
		d.cancels[ownerID] = cancel
	}
	d.mu.Unlock()
}

// RecordWaitCancelled removes the owner's wait edge without an acquisition,
// e.g. on timeout or context cancellation.
func (d *Detector) RecordWaitCancelled(ownerID string) {
	d.mu.Lock()
	d.clearWaitLocked(ownerID)
	d.mu.Unlock()
}

// RecordLockAcquired replaces the owner's wait edge with a held-by edge.
func (d *Detector) RecordLockAcquired(ownerID, lockName string) {
	d.mu.Lock()
	d.clearWaitLocked(ownerID)
	d.heldBy[lockName] = ownerID
	d.mu.Unlock()
}

// RecordLockReleased removes the held-by edge if owner still holds lockName.
func (d *Detector) RecordLockReleased(ownerID, lockName string) {
	d.mu.Lock()
	if d.heldBy[lockName] == ownerID {
		delete(d.heldBy, lockName)
	}
	d.mu.Unlock()
}

// DetectDeadlocks sweeps the full graph for cycles. For each cycle found, the
// most recent waiter in the cycle is selected as the victim and its wait is
// cancelled. Returns the number of cycles resolved.
func (d *Detector) DetectDeadlocks() int {
	d.mu.Lock()

	resolved := 0
	for {
		cycle := d.findCycleLocked()
		if len(cycle) == 0 {
			break
		}
		d.cyclesDetected.Add(1)

		victim := cycle[0]
		for _, owner := range cycle[1:] {
			if d.waitStart[owner].After(d.waitStart[victim]) {
				victim = owner
			}
		}

		cancel := d.cancels[victim]
		d.clearWaitLocked(victim)
		d.cyclesResolved.Add(1)
		resolved++
		log.Printf("[DEADLOCK] cycle of %d owners resolved, victim=%s", len(cycle), victim)

		if cancel != nil {
			// Run outside the detector lock: the cancel path touches
			// lock-internal state.
			d.mu.Unlock()
			cancel()
			d.mu.Lock()
		}
	}

	d.mu.Unlock()
	return resolved
}

// findCycleLocked returns the owners forming one wait cycle, or nil.
// Caller must hold d.mu.
func (d *Detector) findCycleLocked() []string {
	for start := range d.waitsOn {
		var chain []string
		index := make(map[string]int)

		owner := start
		for {
			if at, seen := index[owner]; seen {
				return chain[at:]
			}
			index[owner] = len(chain)
			chain = append(chain, owner)

			lockName, waiting := d.waitsOn[owner]
			if !waiting {
				break
			}
			holder, held := d.heldBy[lockName]
			if !held || holder == "" {
				break
			}
			owner = holder
		}
	}
	return nil
}

func (d *Detector) clearWaitLocked(ownerID string) {
	delete(d.waitsOn, ownerID)
	delete(d.waitStart, ownerID)
	delete(d.cancels, ownerID)
}

// DetectorStats is a point-in-time snapshot of the wait-for graph.
type DetectorStats struct {
	WaitingOwners  int
	HeldLocks      int
	CyclesDetected int64
	CyclesResolved int64
}

// Stats returns a point-in-time snapshot.
func (d *Detector) Stats() DetectorStats {
	d.mu.Lock()
	waiting := len(d.waitsOn)
	held := len(d.heldBy)
	d.mu.Unlock()

	return DetectorStats{
		WaitingOwners:  waiting,
		HeldLocks:      held,
		CyclesDetected: d.cyclesDetected.Load(),
		CyclesResolved: d.cyclesResolved.Load(),
	}
}
