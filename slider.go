package compactgc

// Slider implements SlideBlackPage (component F, spec §4.F): black
// allocations already live in the moving space's own backing memory, so
// compacting them is an in-place slide rather than a copy into a staging
// buffer — no userfaultfd round trip is needed because the destination page
// is still mapped read/write for the mutator that allocated into it. Once
// the bytes have moved, every reference field in the slid objects is
// rewritten through PostCompact so inter-object pointers land on
// post-compact addresses (spec §4.F steps 3-4).
type Slider struct {
	cfg       Config
	cycle     *Cycle
	moving    MovingSpace
	states    *PageStateArray
	reclaimer *Reclaimer
}

// NewSlider binds a slider to one cycle's layout and page-state machine.
func NewSlider(cfg Config, cycle *Cycle, moving MovingSpace, reclaimer *Reclaimer) *Slider {
	return &Slider{cfg: cfg, cycle: cycle, moving: moving, states: cycle.PageStates, reclaimer: reclaimer}
}

// refPatch is one reference field awaiting rewrite, captured before the
// slide overwrites the span it lives in.
type refPatch struct {
	fieldAddr uintptr // pre-slide (from-space) address of the field
	value     uintptr // already-translated post-compact value
}

// SlideBlackPage claims destination page `page` (which must lie in the
// black range) and slides its bytes down in place by the layout's
// black-object slide distance, then patches every reference field in the
// slid objects to its post-compact value. Returns false if the page was
// already claimed by another thread; otherwise returns true and the
// highest from-space address read, which the collector feeds to the
// reclaimer.
func (s *Slider) SlideBlackPage(page uint64) (bool, uintptr) {
	if !s.states.TryClaim(page, PageProcessing) {
		return false, 0
	}

	layout := s.cycle.Layout
	destAddr := layout.S + uintptr(page*layout.PageSize)
	srcAddr := uintptr(int64(destAddr) - layout.BlackObjsSlideDiff)

	srcEnd := layout.B
	for _, sz := range s.moving.GetBlockSizes(0) {
		srcEnd += uintptr(sz)
	}
	n := layout.PageSize
	if srcAddr+uintptr(n) > srcEnd {
		if srcAddr >= srcEnd {
			s.states.Set(page, PageProcessedAndMapped)
			return true, 0
		}
		n = uint64(srcEnd - srcAddr)
	}

	patches := s.collectReferencePatches(srcAddr, n)
	slideInPlace(destAddr, srcAddr, n)
	applyReferencePatches(patches, layout.BlackObjsSlideDiff)

	// Black pages are already mapped read/write in the mutator's own
	// address space; there is no separate "install" step, so the page goes
	// straight to ProcessedAndMapped rather than pausing at Processed for a
	// mapper thread (spec §4.F).
	s.states.Set(page, PageProcessedAndMapped)
	return true, srcAddr + uintptr(n)
}

// collectReferencePatches reads every reference field belonging to objects
// in [srcAddr, srcAddr+n) and resolves its post-compact value before the
// slide overwrites the span (reading after the slide would read already-
// translated destination bytes instead of the original referents).
func (s *Slider) collectReferencePatches(srcAddr uintptr, n uint64) []refPatch {
	source := s.moving.Source()
	end := srcAddr + uintptr(n)
	var patches []refPatch

	addr := srcAddr
	cur := source.FindPrecedingObject(srcAddr)
	for addr < end {
		obj := cur
		if obj == nil || addr < obj.Addr() || addr >= obj.Addr()+uintptr(obj.Size()) {
			obj = source.ObjectAt(addr)
		}
		if obj == nil {
			break
		}
		objEnd := obj.Addr() + uintptr(obj.Size())

		start := uint64(0)
		if addr > obj.Addr() {
			start = uint64(addr - obj.Addr())
		}
		visitEnd := uint64(0)
		if objEnd > end {
			visitEnd = uint64(end - obj.Addr())
		}

		s.reclaimer.MarkClassDependency(obj.ClassAddr(), objEnd)
		obj.VisitReferences(start, visitEnd, func(fieldOffset uint64, referent uintptr) uintptr {
			translated := s.translate(referent)
			patches = append(patches, refPatch{fieldAddr: obj.Addr() + uintptr(fieldOffset), value: translated})
			return referent
		})

		if objEnd > end {
			break
		}
		addr = objEnd
		cur = nil
	}
	return patches
}

// translate resolves a reference field's post-compact value; non-moving
// addresses pass through unchanged.
func (s *Slider) translate(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	begin := s.moving.Begin()
	inMoving := addr >= begin && addr < begin+uintptr(s.moving.Capacity())
	return TranslateReference(s.cfg, addr, s.cycle.Layout, s.cycle.LiveWords, s.cycle.ChunkInfo, !inMoving)
}

// applyReferencePatches writes each patch's translated value into the
// now-slid destination memory, computed by shifting the pre-slide field
// address by the same uniform slide distance the bytes themselves moved.
func applyReferencePatches(patches []refPatch, slideDiff int64) {
	for _, p := range patches {
		putAddrAt(uintptr(int64(p.fieldAddr)+slideDiff), p.value)
	}
}

// slideInPlace moves n bytes of live process memory from src to dst. The
// ranges may overlap (dst < src, |dst-src| possibly less than n), so this
// must behave like memmove, not memcpy; Go's builtin copy on byte slices
// compiles to runtime.memmove and is safe for aliasing regions regardless of
// the two slice headers' identities.
func slideInPlace(dst, src uintptr, n uint64) {
	if n == 0 {
		return
	}
	dstSlice := rawSlice(dst, n)
	srcSlice := rawSlice(src, n)
	copy(dstSlice, srcSlice)
}
