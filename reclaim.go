package compactgc

import "sync"

// Reclaimer implements from-space reclaim (component I, spec §4.I): once
// compaction has copied an address range out of the from-space, the
// physical pages backing it can be handed back to the kernel. The one
// wrinkle is class metadata: an instance's class object may sit at a lower
// from-space address than the instance itself, so its bytes must survive
// until every instance that still needs to read it (to learn its size or
// reference layout while being copied) has actually been copied.
// ClassAfterObj records, per class address, the highest-addressed pending
// instance still depending on it — the reclaim cursor cannot advance past
// a class address while its entry remains in the map.
type Reclaimer struct {
	cfg           Config
	cycle         *Cycle
	lastReclaimed uintptr

	// mu guards ClassAfterObj and lastReclaimed: the compactor and slider
	// call MarkClassDependency/ClearClassDependency concurrently, one
	// goroutine per in-flight page (spec §5 "parallel OS threads").
	mu sync.Mutex
}

// NewReclaimer binds a reclaimer to one cycle's from-space layout. The
// cursor starts at the from-space base.
func NewReclaimer(cfg Config, cycle *Cycle) *Reclaimer {
	return &Reclaimer{cfg: cfg, cycle: cycle, lastReclaimed: cycle.Layout.F}
}

// MarkClassDependency records that an instance ending at instanceEnd still
// needs classAddr's bytes to remain valid. Called by the compactor/slider
// whenever it reads an object's class pointer out of from-space.
func (r *Reclaimer) MarkClassDependency(classAddr, instanceEnd uintptr) {
	if classAddr == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if instanceEnd > r.cycle.ClassAfterObj[classAddr] {
		r.cycle.ClassAfterObj[classAddr] = instanceEnd
	}
}

// ClearClassDependency releases classAddr's deferral once everything that
// depended on it has actually been copied past copiedUpTo.
func (r *Reclaimer) ClearClassDependency(classAddr uintptr, copiedUpTo uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pending, ok := r.cycle.ClassAfterObj[classAddr]; ok && copiedUpTo >= pending {
		delete(r.cycle.ClassAfterObj, classAddr)
	}
}

// PendingClassAddrs returns a snapshot of from-space class addresses still
// blocking reclaim, for the collector to drive ClearClassDependency as
// compaction progresses.
func (r *Reclaimer) PendingClassAddrs() []uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := make([]uintptr, 0, len(r.cycle.ClassAfterObj))
	for addr := range r.cycle.ClassAfterObj {
		addrs = append(addrs, addr)
	}
	return addrs
}

// PendingClasses returns the number of classes still blocking reclaim.
func (r *Reclaimer) PendingClasses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cycle.ClassAfterObj)
}

// LastReclaimed returns the from-space cursor: bytes below it have already
// been handed back to the kernel.
func (r *Reclaimer) LastReclaimed() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReclaimed
}

// earliestBlockingAddr returns the lowest address at or below upTo that a
// pending class dependency still occupies, or upTo itself if nothing blocks.
func (r *Reclaimer) earliestBlockingAddr(upTo uintptr) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	limit := upTo
	for classAddr := range r.cycle.ClassAfterObj {
		if classAddr < limit {
			limit = classAddr
		}
	}
	return limit
}

// ReclaimUpTo gives back to the kernel every from-space byte below upTo
// that is not blocked by a pending class dependency, rounded down to a
// page boundary and batched to at least Config.MadviseThreshold bytes per
// call so reclaim ioctl/syscall overhead stays bounded (spec §4.I). Returns
// the number of bytes actually reclaimed this call, which may be zero if
// the batch floor has not been reached or the whole span is blocked.
func (r *Reclaimer) ReclaimUpTo(upTo uintptr) (uint64, error) {
	return r.reclaim(upTo, r.cfg.MadviseThreshold)
}

// FinalReclaim flushes any remaining reclaimable span at the end of a
// cycle, ignoring the batch-size floor (there is no next call to amortize
// into).
func (r *Reclaimer) FinalReclaim() (uint64, error) {
	end := r.cycle.Layout.F + uintptr(r.cycle.Layout.C)
	return r.reclaim(end, 0)
}

func (r *Reclaimer) reclaim(upTo uintptr, minBatch uint64) (uint64, error) {
	boundary := r.earliestBlockingAddr(upTo)

	r.mu.Lock()
	defer r.mu.Unlock()

	if boundary <= r.lastReclaimed {
		return 0, nil
	}

	pageSize := r.cfg.PageSize
	aligned := r.lastReclaimed + uintptr((uint64(boundary-r.lastReclaimed)/pageSize)*pageSize)
	if aligned <= r.lastReclaimed {
		return 0, nil
	}

	size := uint64(aligned - r.lastReclaimed)
	if size < minBatch {
		return 0, nil
	}

	if err := ReclaimRange(r.lastReclaimed, size); err != nil {
		return 0, err
	}
	r.lastReclaimed = aligned
	return size, nil
}
