package compactgc

// CycleLayout holds the per-cycle scalar metadata derived by the layout
// planner (spec §3 "Derived scalars" and §4.D).
type CycleLayout struct {
	// S is the moving space's base address; F is the from-space base.
	S, F uintptr
	// C is the moving space capacity in bytes.
	C uint64
	// B is the black-allocations boundary: [S, B) pre-mark, [B, top) black.
	B uintptr

	PostCompactEnd       uintptr
	MovingFirstObjsCount uint64
	BlackPageCount       uint64
	BlackObjsSlideDiff   int64
	FromSpaceSlideDiff   int64

	PageSize uint64
}

// NumPages returns the total number of destination pages the moving space
// spans (pre-mark pages + black pages).
func (l CycleLayout) NumPages() uint64 {
	return l.MovingFirstObjsCount + l.BlackPageCount
}

// IsBlack reports whether addr lies in the black-allocations range.
func (l CycleLayout) IsBlack(addr uintptr) bool {
	return addr >= l.B
}

// PageIndex returns the destination page index for a post-compact address
// in [S, top).
func (l CycleLayout) PageIndex(addr uintptr) uint64 {
	return uint64(addr-l.S) / l.PageSize
}

// PostCompact implements the address-translation formula of spec §4.J.
// ok is false only for the ⊥ case: addr was not live, which spec §4.J
// calls "a fatal invariant violation" upstream — callers in debug builds
// should route a false result through fatal(); release builds may probe
// and report.
func PostCompact(addr uintptr, layout CycleLayout, lw *LiveWords, vec *Vector, nonMovingOrImmune bool) (uintptr, bool) {
	if nonMovingOrImmune {
		return addr, true
	}
	if layout.IsBlack(addr) {
		return uintptr(int64(addr) + layout.BlackObjsSlideDiff), true
	}
	if lw.Test(addr) {
		return vec.Lookup(addr, lw, layout.S), true
	}
	return 0, false
}

// TranslateReference resolves a reference field's post-compact value
// through PostCompact, routing the ⊥ case through assertInvariant instead
// of trusting a stale address (spec §4.E steps 3-5, §4.F steps 3-4, §4.J).
// nonMoving reports whether addr lies outside the moving space entirely
// (non-moving or immune: never relocated).
func TranslateReference(cfg Config, addr uintptr, layout CycleLayout, lw *LiveWords, vec *Vector, nonMoving bool) uintptr {
	if addr == 0 {
		return 0
	}
	translated, ok := PostCompact(addr, layout, lw, vec, nonMoving)
	if !ok {
		assertInvariant(cfg, false, "reference-translation", addr, "referent not marked live in moving space")
		return addr
	}
	return translated
}

// Cycle bundles the mutable per-cycle state owned by the collector for
// exactly one compaction cycle (spec §3 "Lifecycle"). NewCycle allocates
// the bitmaps, chunk-info vector, page-state array and class map once, each
// separately, and RunCycle clears them in place via Reset at the end of
// every completed cycle. The first-object slices are reallocated by the
// planner on every cycle.
type Cycle struct {
	Layout CycleLayout

	LiveWords  *LiveWords
	ChunkInfo  *Vector
	MarkBitmap *LiveWords // reused storage shape; marks granule starts, not liveness spans

	FirstObjMoving    []Object
	FirstOffsetMoving []uint64 // granules; repurposed as first-chunk-size (bytes) for black pages
	FirstObjNonMoving []Object

	PageStates *PageStateArray

	ClassAfterObj map[uintptr]uintptr // from-space class addr -> highest pending instance end
}

// NewCycle allocates the per-cycle metadata for a moving space of the given
// size, granule, and page size.
func NewCycle(cfg Config, movingBase uintptr, movingSize uint64) *Cycle {
	lw := NewLiveWords(movingBase, movingSize, cfg.Granule)
	return &Cycle{
		LiveWords:     lw,
		ChunkInfo:     NewVector(lw, cfg.Granule),
		MarkBitmap:    NewLiveWords(movingBase, movingSize, cfg.Granule),
		PageStates:    NewPageStateArray(movingSize / cfg.PageSize),
		ClassAfterObj: make(map[uintptr]uintptr),
		Layout: CycleLayout{
			S:        movingBase,
			C:        movingSize,
			PageSize: cfg.PageSize,
		},
	}
}

// Reset clears all per-cycle metadata in place for reuse on the next cycle.
func (c *Cycle) Reset(blackBoundary uintptr) {
	c.LiveWords.Reset()
	c.ChunkInfo.Reset()
	c.MarkBitmap.Reset()
	c.PageStates.Reset()
	for k := range c.ClassAfterObj {
		delete(c.ClassAfterObj, k)
	}
	c.FirstObjMoving = c.FirstObjMoving[:0]
	c.FirstOffsetMoving = c.FirstOffsetMoving[:0]
	c.FirstObjNonMoving = c.FirstObjNonMoving[:0]
	c.Layout.B = blackBoundary
	c.Layout.PostCompactEnd = 0
	c.Layout.MovingFirstObjsCount = 0
	c.Layout.BlackPageCount = 0
	c.Layout.BlackObjsSlideDiff = 0
	c.Layout.FromSpaceSlideDiff = 0
}
