package main

import (
	"math/rand"
	"sort"
	"unsafe"

	"github.com/xyproto/compactgc"
)

// synthObj is a fixed-layout stand-in for a managed heap object: a header
// (class pointer) followed by a run of reference-typed fields. It is the
// demo harness's only Object implementation — real embedders supply their
// own over their actual object layout (spec §9).
type synthObj struct {
	addr  uintptr
	size  uint64
	kind  compactgc.ObjectKind
	class uintptr
	refs  []uintptr // absolute addresses of referent objects, 0 = null
}

func (o *synthObj) Addr() uintptr             { return o.addr }
func (o *synthObj) Size() uint64              { return o.size }
func (o *synthObj) Kind() compactgc.ObjectKind { return o.kind }
func (o *synthObj) ClassAddr() uintptr        { return o.class }

func (o *synthObj) VisitReferences(start, end uint64, visit func(fieldOffset uint64, referent uintptr) uintptr) {
	for i, ref := range o.refs {
		off := uint64(i) * 8
		if end != 0 && off >= end {
			break
		}
		if off < start {
			continue
		}
		o.refs[i] = visit(off, ref)
	}
}

// synthHeap is a byte arena standing in for the real moving space, plus an
// address-sorted object index that implements compactgc.ObjectSource and
// compactgc.MovingSpace.
type synthHeap struct {
	arena []byte
	base  uintptr
	top   uintptr // bump-pointer allocation frontier, grows toward len(arena)

	objs []*synthObj // sorted by addr

	blockSizes []uint64 // sizes allocated since the last RevokeThreadLocalBuffers
}

func newSynthHeap(size uint64) *synthHeap {
	arena := make([]byte, size)
	base := uintptr(unsafe.Pointer(&arena[0]))
	return &synthHeap{arena: arena, base: base, top: base}
}

func (h *synthHeap) Begin() uintptr    { return h.base }
func (h *synthHeap) Capacity() uint64  { return uint64(len(h.arena)) }
func (h *synthHeap) Limit() uintptr    { return h.top }
func (h *synthHeap) Source() compactgc.ObjectSource { return h }

func (h *synthHeap) AlignEnd(addr uintptr, page uint64) uintptr {
	rem := uint64(addr) % page
	if rem == 0 {
		return addr
	}
	return addr + uintptr(page-rem)
}

func (h *synthHeap) GetBlockSizes(firstBlockSize uint64) []uint64 {
	return h.blockSizes
}

func (h *synthHeap) SetBlockSizes(mainBlockSize uint64, consumedBlockCount int) {
	h.blockSizes = nil
}

func (h *synthHeap) RevokeThreadLocalBuffers(t compactgc.MutatorThread) {
	// The synthetic heap never hands out real TLABs; revoking only starts a
	// fresh block list, so GetBlockSizes reports just the blocks allocated
	// after the marking pause fixed B.
	h.blockSizes = nil
}

// allocate bump-allocates a new object of size bytes (rounded to granule)
// with the given kind/class/refs, returning it. Used only by the demo
// harness to populate a heap before a cycle runs.
func (h *synthHeap) allocate(size uint64, granule uint64, kind compactgc.ObjectKind, class uintptr, refs []uintptr) *synthObj {
	size = (size + granule - 1) &^ (granule - 1)
	if h.top+uintptr(size) > h.base+uintptr(len(h.arena)) {
		return nil
	}
	o := &synthObj{addr: h.top, size: size, kind: kind, class: class, refs: refs}
	h.top += uintptr(size)
	h.blockSizes = append(h.blockSizes, size)
	h.objs = append(h.objs, o)
	return o
}

func (h *synthHeap) ObjectAt(addr uintptr) compactgc.Object {
	i := sort.Search(len(h.objs), func(i int) bool { return h.objs[i].addr >= addr })
	if i < len(h.objs) && h.objs[i].addr == addr {
		return h.objs[i]
	}
	return nil
}

func (h *synthHeap) FindPrecedingObject(addr uintptr) compactgc.Object {
	i := sort.Search(len(h.objs), func(i int) bool { return h.objs[i].addr > addr })
	if i == 0 {
		return nil
	}
	o := h.objs[i-1]
	if addr >= o.addr && addr < o.addr+uintptr(o.size) {
		return o
	}
	return nil
}

// synthThread is a single mutator thread with a fixed set of object-root
// pointers, for demo purposes.
type synthThread struct {
	id    uint64
	roots []uintptr
}

func (t *synthThread) ID() uint64 { return t.id }

func (t *synthThread) VisitRoots(visit func(addr uintptr) uintptr) {
	for i, r := range t.roots {
		t.roots[i] = visit(r)
	}
}

func (t *synthThread) TLABRange() (uintptr, uintptr) { return 0, 0 }

// synthThreadList holds every simulated mutator thread.
type synthThreadList struct {
	threads []compactgc.MutatorThread
}

func (tl *synthThreadList) RunCheckpoint(fn func(t compactgc.MutatorThread)) int {
	for _, t := range tl.threads {
		fn(t)
	}
	return len(tl.threads)
}

func (tl *synthThreadList) FlipThreadRoots(visit func(addr uintptr) uintptr, callback func()) int {
	for _, t := range tl.threads {
		t.VisitRoots(visit)
	}
	callback()
	return len(tl.threads)
}

func (tl *synthThreadList) GetList() []compactgc.MutatorThread { return tl.threads }

// synthLinker has no class loaders or dex caches to visit in the demo.
type synthLinker struct{}

func (synthLinker) VisitClassLoaders(visit func(o compactgc.Object)) {}
func (synthLinker) VisitDexCaches(visit func(o compactgc.Object))    {}

// synthRefProc is a reference processor with nothing to defer.
type synthRefProc struct{}

func (synthRefProc) EnableSlowPath()                                   {}
func (synthRefProc) UpdateRoots(translate func(addr uintptr) uintptr)  {}
func (synthRefProc) ProcessReferences()                                {}
func (synthRefProc) DelayReferenceReferent(ref compactgc.Object) bool  { return false }

// populate fills a synthetic heap with objCount objects of random size
// (granule-aligned, up to maxSize bytes), wires a single class object plus
// instance objects pointing at it, and leaves roughly half the objects
// unreferenced from the root set so a cycle has real garbage to reclaim.
func populate(h *synthHeap, granule uint64, objCount int, maxSize uint64, seed int64) (roots []uintptr) {
	rng := rand.New(rand.NewSource(seed))

	class := h.allocate(granule, granule, compactgc.KindClass, 0, nil)
	if class == nil {
		return nil
	}

	var live []uintptr
	for i := 0; i < objCount; i++ {
		size := granule + uint64(rng.Intn(int(maxSize)))
		o := h.allocate(size, granule, compactgc.KindInstance, class.Addr(), nil)
		if o == nil {
			break
		}
		if rng.Intn(2) == 0 {
			live = append(live, o.Addr())
		}
	}
	return live
}
