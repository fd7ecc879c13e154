package compactgc

// Planner implements PrepareForCompaction (component D, spec §4.D).
type Planner struct {
	cfg    Config
	cycle  *Cycle
	moving MovingSpace
	nonMov NonMovingSpace
}

// NewPlanner builds a planner bound to a cycle and the spaces it lays out.
func NewPlanner(cfg Config, cycle *Cycle, moving MovingSpace, nonMov NonMovingSpace) *Planner {
	return &Planner{cfg: cfg, cycle: cycle, moving: moving, nonMov: nonMov}
}

// PrepareForCompaction runs the full five-step algorithm of spec §4.D.
func (p *Planner) PrepareForCompaction() {
	p.finalizeAndComputePostCompactEnd()
	p.initMovingSpaceFirstObjects()
	p.initNonMovingSpaceFirstObjects()
	p.updateMovingSpaceBlackAllocations()
	p.updateNonMovingSpaceBlackAllocations()
}

// finalizeAndComputePostCompactEnd is step 1: finalize the chunk-info
// vector, preserve the pre-scan last-chunk value, and round up to a page
// boundary to obtain post_compact_end.
func (p *Planner) finalizeAndComputePostCompactEnd() {
	p.cycle.ChunkInfo.Finalize()
	scanned := p.cycle.Layout.S + uintptr(p.cycle.ChunkInfo.Total())
	end := p.moving.AlignEnd(scanned, p.cycle.Layout.PageSize)
	p.cycle.Layout.PostCompactEnd = end
	p.cycle.Layout.MovingFirstObjsCount = uint64(end-p.cycle.Layout.S) / p.cycle.Layout.PageSize
}

// initMovingSpaceFirstObjects is step 2: walk the chunk-info vector page by
// page, locating each destination page's first live object and the
// granule offset within it to start copying from.
func (p *Planner) initMovingSpaceFirstObjects() {
	lw := p.cycle.LiveWords
	vec := p.cycle.ChunkInfo
	pageSize := p.cycle.Layout.PageSize
	granule := p.cfg.Granule

	n := p.cycle.Layout.MovingFirstObjsCount
	p.cycle.FirstObjMoving = make([]Object, n)
	p.cycle.FirstOffsetMoving = make([]uint64, n)

	numChunks := lw.NumChunks()
	var pageStart uint64 // running post-compact offset where current page begins
	var chunk uint64

	for page := uint64(0); page < n; page++ {
		pageEnd := pageStart + pageSize
		// Find the chunk in which pageStart falls: chunk_info[c] is the
		// exclusive prefix (bytes before chunk c); advance until the next
		// chunk's prefix would exceed pageStart.
		for chunk+1 < numChunks && vec.At(chunk+1) <= pageStart {
			chunk++
		}
		excess := pageStart - vec.At(chunk)
		k := excess / granule
		bit := chunk*wordBits + lw.NthSetBitInChunk(chunk, k)
		addr := lw.BitAddr(bit)

		obj := p.moving.Source().FindPrecedingObject(addr)
		p.cycle.FirstObjMoving[page] = obj
		if obj != nil {
			p.cycle.FirstOffsetMoving[page] = uint64(addr-obj.Addr()) / granule
		}
		pageStart = pageEnd
	}
}

// initNonMovingSpaceFirstObjects is step 3: for each non-moving-space page,
// propagate an overlapping object from the preceding page, else find the
// first marked object in the page, else record it empty.
func (p *Planner) initNonMovingSpaceFirstObjects() {
	if p.nonMov == nil {
		return
	}
	pageSize := p.cycle.Layout.PageSize
	numPages := p.nonMov.Capacity() / pageSize
	p.cycle.FirstObjNonMoving = make([]Object, numPages)

	src := p.nonMov.Source()
	var carry Object
	for page := uint64(0); page < numPages; page++ {
		pageAddr := p.nonMov.Begin() + uintptr(page*pageSize)
		if carry != nil && carry.Addr()+uintptr(carry.Size()) > pageAddr {
			p.cycle.FirstObjNonMoving[page] = carry
			continue
		}
		obj := src.ObjectAt(pageAddr)
		if obj == nil {
			obj = src.FindPrecedingObject(pageAddr + uintptr(pageSize) - 1)
			if obj != nil && obj.Addr()+uintptr(obj.Size()) <= pageAddr {
				obj = nil
			}
		}
		p.cycle.FirstObjNonMoving[page] = obj
		if obj != nil {
			carry = obj
		} else {
			carry = nil
		}
	}
}

// updateMovingSpaceBlackAllocations is step 4: walk the bump-pointer block
// list from B to the last TLAB, recording each black destination page's
// first object and first contiguous-chunk size.
func (p *Planner) updateMovingSpaceBlackAllocations() {
	blocks := p.moving.GetBlockSizes(0)
	if len(blocks) == 0 {
		return
	}
	pageSize := p.cycle.Layout.PageSize
	layout := &p.cycle.Layout

	end := layout.B
	for _, sz := range blocks {
		end += uintptr(sz)
	}
	layout.BlackPageCount = (uint64(end-layout.B) + pageSize - 1) / pageSize
	// Black objects slide down from [B, end) to [PostCompactEnd, ...): a
	// pre-compact address addr in the black range maps to
	// addr + (PostCompactEnd - B), so the diff is negative whenever the
	// moving-space scan reclaimed any dead bytes.
	layout.BlackObjsSlideDiff = int64(layout.PostCompactEnd) - int64(layout.B)
	layout.FromSpaceSlideDiff = int64(layout.F) - int64(layout.S)

	src := p.moving.Source()
	cur := layout.B
	pageBase := layout.B
	var firstChunkSize uint64

	for page := uint64(0); page < layout.BlackPageCount; page++ {
		pageEnd := pageBase + uintptr(pageSize)
		firstChunkSize = 0
		first := src.ObjectAt(cur)
		for cur < pageEnd && cur < end {
			o := src.ObjectAt(cur)
			if o == nil {
				break // null class pointer terminates the block (spec §4.D step 4)
			}
			p.cycle.MarkBitmap.Set(o.Addr())
			sz := roundUpGranule(o.Size(), p.cfg.Granule)
			if cur+uintptr(sz) <= pageEnd {
				firstChunkSize += sz
			} else {
				firstChunkSize += uint64(pageEnd - cur)
			}
			cur += uintptr(sz)
		}
		p.cycle.FirstObjMoving = append(p.cycle.FirstObjMoving, first)
		p.cycle.FirstOffsetMoving = append(p.cycle.FirstOffsetMoving, firstChunkSize)
		pageBase = pageEnd
	}
}

// updateNonMovingSpaceBlackAllocations is step 5: drain the non-moving
// space's allocation stack, marking the non-moving mark-bitmap and
// first-object array for the objects it returns. Those objects never went
// through the tracing marker and so are otherwise invisible to the
// collector; which objects the stack holds is up to the NonMovingSpace,
// since MarkingPause performs no stack swap of its own.
func (p *Planner) updateNonMovingSpaceBlackAllocations() {
	if p.nonMov == nil {
		return
	}
	pageSize := p.cycle.Layout.PageSize
	begin := p.nonMov.Begin()

	for _, o := range p.nonMov.DrainAllocationStack() {
		p.nonMov.MarkAllocated(o.Addr())

		page := uint64(o.Addr()-begin) / pageSize
		if page >= uint64(len(p.cycle.FirstObjNonMoving)) {
			continue
		}
		// Keep the lowest-addressed object recorded per page, matching
		// initNonMovingSpaceFirstObjects' "first marked object in the
		// page" semantics.
		existing := p.cycle.FirstObjNonMoving[page]
		if existing == nil || o.Addr() < existing.Addr() {
			p.cycle.FirstObjNonMoving[page] = o
		}
	}
}
