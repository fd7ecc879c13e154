package compactgc

// This file specifies the runtime-internal contracts the collector
// consumes (spec §6). They are deliberately thin interfaces: JNI
// transitions, resolution entrypoints, and suspend-check plumbing are out
// of scope (spec §1) and reach the collector only through these
// abstractions.

// MovingSpace is the bump-pointer space the collector compacts in place.
type MovingSpace interface {
	Begin() uintptr
	Capacity() uint64
	// Limit is the current allocation frontier (top of the black range).
	Limit() uintptr
	// AlignEnd rounds addr up to the given page alignment.
	AlignEnd(addr uintptr, page uint64) uintptr
	// GetBlockSizes returns the sizes of bump-pointer allocation blocks
	// from firstBlockSize to the end of the last TLAB (spec §4.D step 4).
	GetBlockSizes(firstBlockSize uint64) []uint64
	// SetBlockSizes records the post-compaction single-block layout.
	SetBlockSizes(mainBlockSize uint64, consumedBlockCount int)
	// RevokeThreadLocalBuffers flushes thread's TLAB back into the space's
	// block-size accounting (spec §9 TLAB-revocation ordering decision).
	RevokeThreadLocalBuffers(thread MutatorThread)
	// Source provides mark-bitmap-backed object lookup for this space.
	Source() ObjectSource
}

// NonMovingSpace is swept but never compacted; only its outgoing
// references and first-object array are touched by the collector.
type NonMovingSpace interface {
	Begin() uintptr
	Capacity() uint64
	Source() ObjectSource
	// IsMarked reports whether addr is marked live in this space.
	IsMarked(addr uintptr) bool
	// DrainAllocationStack returns, and clears, every object allocated into
	// this space since the marking pause swapped live/allocation stacks
	// (spec §4.C step 5 "swaps live/allocation stacks"); these objects were
	// never traced, so the planner must account for them explicitly
	// (spec §4.D step 5).
	DrainAllocationStack() []Object
	// MarkAllocated sets addr's bit in this space's own mark-bitmap,
	// covering an object DrainAllocationStack returned.
	MarkAllocated(addr uintptr)
}

// ImmuneSpace (image, zygote) is not collected this cycle: objects remain
// in place, only outgoing references into collected spaces are rewritten.
type ImmuneSpace interface {
	Contains(addr uintptr) bool
	// VisitCardTable calls visit for every object dirtied since the last
	// scan (spec §4.C step 1/3: "process cards for immune spaces").
	VisitCardTable(visit func(o Object))
}

// ReferenceProcessor is the weak/soft/phantom reference subsystem the
// marker hands off to at the marking pause (spec §4.C step 5/6).
type ReferenceProcessor interface {
	EnableSlowPath()
	UpdateRoots(translate func(addr uintptr) uintptr)
	ProcessReferences()
	DelayReferenceReferent(ref Object) bool
}

// MutatorThread is a single mutator's root-visiting and TLAB surface.
type MutatorThread interface {
	ID() uint64
	VisitRoots(visit func(addr uintptr) uintptr)
	// TLABRange returns the thread's current [start, end) allocation
	// buffer within the moving space, or (0, 0) if none.
	TLABRange() (start, end uintptr)
}

// ThreadList runs checkpoints and root-flip callbacks across all mutators
// (spec §6).
type ThreadList interface {
	// RunCheckpoint runs fn on every mutator thread at its next safepoint
	// and returns the number of threads visited.
	RunCheckpoint(fn func(t MutatorThread)) int
	// FlipThreadRoots visits every thread's roots with visit, then invokes
	// callback once all threads have been flipped, returning the count.
	FlipThreadRoots(visit func(addr uintptr) uintptr, callback func()) int
	GetList() []MutatorThread
}

// ClassLinker is visited once per class loader and dex cache during root
// marking of non-thread roots (spec §4.C step 2).
type ClassLinker interface {
	VisitClassLoaders(visit func(o Object))
	VisitDexCaches(visit func(o Object))
}
