package compactgc

import (
	"sort"
	"unsafe"
)

// fakeObj is a minimal Object used across this package's tests.
type fakeObj struct {
	addr  uintptr
	size  uint64
	kind  ObjectKind
	class uintptr
	refs  []uintptr
}

func (o *fakeObj) Addr() uintptr      { return o.addr }
func (o *fakeObj) Size() uint64       { return o.size }
func (o *fakeObj) Kind() ObjectKind   { return o.kind }
func (o *fakeObj) ClassAddr() uintptr { return o.class }

func (o *fakeObj) VisitReferences(start, end uint64, visit func(fieldOffset uint64, referent uintptr) uintptr) {
	limit := end
	if limit == 0 {
		limit = uint64(len(o.refs)) * 8
	}
	for i, r := range o.refs {
		off := uint64(i) * 8
		if off < start || off >= limit {
			continue
		}
		o.refs[i] = visit(off, r)
	}
}

// fakeSpace is a byte-arena-backed MovingSpace + ObjectSource for tests.
type fakeSpace struct {
	arena []byte
	base  uintptr
	top   uintptr
	objs  []*fakeObj

	blockSizes []uint64
	blackMark  int // index into blockSizes as of the last markBlack call
}

func newFakeSpace(size uint64) *fakeSpace {
	arena := make([]byte, size)
	base := uintptr(unsafe.Pointer(&arena[0]))
	return &fakeSpace{arena: arena, base: base, top: base}
}

func (s *fakeSpace) Begin() uintptr            { return s.base }
func (s *fakeSpace) Capacity() uint64          { return uint64(len(s.arena)) }
func (s *fakeSpace) Limit() uintptr            { return s.top }
func (s *fakeSpace) Source() ObjectSource      { return s }
// markBlack records the current allocation point as the black boundary, so
// GetBlockSizes only reports blocks allocated after it — mirroring a real
// MovingSpace, whose GetBlockSizes reports blocks from B onward, not the
// whole space's allocation history.
func (s *fakeSpace) markBlack() { s.blackMark = len(s.blockSizes) }

func (s *fakeSpace) GetBlockSizes(uint64) []uint64 { return s.blockSizes[s.blackMark:] }
func (s *fakeSpace) SetBlockSizes(uint64, int)     { s.blockSizes = nil }
func (s *fakeSpace) RevokeThreadLocalBuffers(MutatorThread) {}

func (s *fakeSpace) AlignEnd(addr uintptr, page uint64) uintptr {
	rem := uint64(addr) % page
	if rem == 0 {
		return addr
	}
	return addr + uintptr(page-rem)
}

func (s *fakeSpace) alloc(size, granule uint64, kind ObjectKind, class uintptr, refs []uintptr) *fakeObj {
	size = (size + granule - 1) &^ (granule - 1)
	o := &fakeObj{addr: s.top, size: size, kind: kind, class: class, refs: refs}
	s.top += uintptr(size)
	s.blockSizes = append(s.blockSizes, size)
	s.objs = append(s.objs, o)
	return o
}

func (s *fakeSpace) ObjectAt(addr uintptr) Object {
	i := sort.Search(len(s.objs), func(i int) bool { return s.objs[i].addr >= addr })
	if i < len(s.objs) && s.objs[i].addr == addr {
		return s.objs[i]
	}
	return nil
}

func (s *fakeSpace) FindPrecedingObject(addr uintptr) Object {
	i := sort.Search(len(s.objs), func(i int) bool { return s.objs[i].addr > addr })
	if i == 0 {
		return nil
	}
	o := s.objs[i-1]
	if addr >= o.addr && addr < o.addr+uintptr(o.size) {
		return o
	}
	return nil
}

// fakeNonMovingSpace is a byte-arena-backed NonMovingSpace for tests: it
// tracks its own mark bitmap and a pending allocation stack separately from
// the live objects already accounted for by the marker.
type fakeNonMovingSpace struct {
	arena []byte
	base  uintptr
	top   uintptr
	objs  []*fakeObj

	marked    map[uintptr]bool
	allocated []Object
}

func newFakeNonMovingSpace(size uint64) *fakeNonMovingSpace {
	arena := make([]byte, size)
	base := uintptr(unsafe.Pointer(&arena[0]))
	return &fakeNonMovingSpace{arena: arena, base: base, top: base, marked: make(map[uintptr]bool)}
}

func (s *fakeNonMovingSpace) Begin() uintptr       { return s.base }
func (s *fakeNonMovingSpace) Capacity() uint64     { return uint64(len(s.arena)) }
func (s *fakeNonMovingSpace) Source() ObjectSource { return s }
func (s *fakeNonMovingSpace) IsMarked(addr uintptr) bool { return s.marked[addr] }
func (s *fakeNonMovingSpace) MarkAllocated(addr uintptr) { s.marked[addr] = true }

// DrainAllocationStack returns and clears the pending allocations, mirroring
// a real non-moving space's post-pause allocation-stack swap.
func (s *fakeNonMovingSpace) DrainAllocationStack() []Object {
	drained := s.allocated
	s.allocated = nil
	return drained
}

// allocate bump-allocates an object and pushes it onto the pending
// allocation stack, as if it had been allocated after the marking pause.
func (s *fakeNonMovingSpace) allocate(size, granule uint64, kind ObjectKind, class uintptr) *fakeObj {
	size = (size + granule - 1) &^ (granule - 1)
	o := &fakeObj{addr: s.top, size: size, kind: kind, class: class}
	s.top += uintptr(size)
	s.objs = append(s.objs, o)
	s.allocated = append(s.allocated, o)
	return o
}

func (s *fakeNonMovingSpace) ObjectAt(addr uintptr) Object {
	i := sort.Search(len(s.objs), func(i int) bool { return s.objs[i].addr >= addr })
	if i < len(s.objs) && s.objs[i].addr == addr {
		return s.objs[i]
	}
	return nil
}

func (s *fakeNonMovingSpace) FindPrecedingObject(addr uintptr) Object {
	i := sort.Search(len(s.objs), func(i int) bool { return s.objs[i].addr > addr })
	if i == 0 {
		return nil
	}
	o := s.objs[i-1]
	if addr >= o.addr && addr < o.addr+uintptr(o.size) {
		return o
	}
	return nil
}

type fakeThread struct {
	id    uint64
	roots []uintptr
}

func (t *fakeThread) ID() uint64 { return t.id }
func (t *fakeThread) VisitRoots(visit func(addr uintptr) uintptr) {
	for i, r := range t.roots {
		t.roots[i] = visit(r)
	}
}
func (t *fakeThread) TLABRange() (uintptr, uintptr) { return 0, 0 }

type fakeThreadList struct {
	threads []MutatorThread
}

func (tl *fakeThreadList) RunCheckpoint(fn func(t MutatorThread)) int {
	for _, t := range tl.threads {
		fn(t)
	}
	return len(tl.threads)
}

func (tl *fakeThreadList) FlipThreadRoots(visit func(addr uintptr) uintptr, callback func()) int {
	for _, t := range tl.threads {
		t.VisitRoots(visit)
	}
	callback()
	return len(tl.threads)
}

func (tl *fakeThreadList) GetList() []MutatorThread { return tl.threads }

type fakeLinker struct{}

func (fakeLinker) VisitClassLoaders(visit func(o Object)) {}
func (fakeLinker) VisitDexCaches(visit func(o Object))    {}

type fakeRefProc struct{}

func (fakeRefProc) EnableSlowPath()                                  {}
func (fakeRefProc) UpdateRoots(translate func(addr uintptr) uintptr) {}
func (fakeRefProc) ProcessReferences()                               {}
func (fakeRefProc) DelayReferenceReferent(ref Object) bool            { return false }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Granule = 8
	cfg.PageSize = 4096
	cfg.ParallelWorkers = 2
	return cfg
}
