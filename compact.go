package compactgc

// Compactor implements CompactPage (component E, spec §4.E): it fills a
// destination page buffer with the post-compact bytes for one page, reading
// directly from live mutator memory via the address-translation metadata the
// planner produced, then walks every object copied into the page and
// rewrites its reference fields through PostCompact so inter-object
// pointers land on post-compact addresses (spec §4.E steps 3-5). The buffer
// is later installed into the moving space by the page-state/userfaultfd
// driver (pagestate.go, uffd_linux.go) — this file does no I/O of its own.
type Compactor struct {
	cfg       Config
	cycle     *Cycle
	moving    MovingSpace
	reclaimer *Reclaimer
}

// NewCompactor binds a compactor to one cycle's layout and live-words data.
// reclaimer receives a MarkClassDependency call for every object's class
// pointer read out of from-space while compacting (spec §4.I).
func NewCompactor(cfg Config, cycle *Cycle, moving MovingSpace, reclaimer *Reclaimer) *Compactor {
	return &Compactor{cfg: cfg, cycle: cycle, moving: moving, reclaimer: reclaimer}
}

// CompactPage fills dst (must be exactly cfg.PageSize bytes) with the
// compacted content for destination page index `page`. Bytes belonging to
// no live object are left zero, matching a freshly zero-filled anonymous
// page. Returns the highest from-space address read while producing this
// page (0 if the page held no live data), which the collector feeds to the
// reclaimer to advance its cursor.
func (c *Compactor) CompactPage(page uint64, dst []byte) uintptr {
	if uint64(len(dst)) != c.cfg.PageSize {
		fatal(&InvariantError{Invariant: "CompactPage-buffer-size", Detail: "dst must be exactly one page"})
	}
	for i := range dst {
		dst[i] = 0
	}

	layout := c.cycle.Layout
	if page < layout.MovingFirstObjsCount {
		return c.compactLivePage(page, dst)
	}
	return c.compactBlackPage(page, dst)
}

// compactLivePage handles a pre-mark destination page: starting from the
// planner's recorded first live object (and granule offset within it),
// stride-copy every live run up to one page of bytes, then rewrites every
// copied object's reference fields in dst.
func (c *Compactor) compactLivePage(page uint64, dst []byte) uintptr {
	idx := int(page)
	if idx >= len(c.cycle.FirstObjMoving) {
		return 0
	}
	obj := c.cycle.FirstObjMoving[idx]
	if obj == nil {
		return 0 // page has no live data (spec §4.D: recorded as empty)
	}

	granule := c.cfg.Granule
	srcAddr := obj.Addr() + uintptr(c.cycle.FirstOffsetMoving[idx]*granule)
	beginBit := uint64(srcAddr-c.cycle.LiveWords.BitAddr(0)) / granule

	destOff := uint64(0)
	pageSize := c.cfg.PageSize
	source := c.moving.Source()
	var highWater uintptr
	cur := obj
	c.cycle.LiveWords.VisitLiveStrides(beginBit, c.cycle.Layout.B, pageSize, func(strideStartBit, strideBits uint64, isLast bool) {
		if destOff >= pageSize {
			return
		}
		strideAddr := c.cycle.LiveWords.BitAddr(strideStartBit)
		strideBytes := strideBits * granule
		if destOff+strideBytes > pageSize {
			strideBytes = pageSize - destOff
		}
		copyFromMemory(dst[destOff:destOff+strideBytes], strideAddr)

		strideEnd := strideAddr + uintptr(strideBytes)
		cur = c.rewriteStrideReferences(source, dst, strideAddr, strideEnd, destOff, cur)
		if strideEnd > highWater {
			highWater = strideEnd
		}
		destOff += strideBytes
	})
	return highWater
}

// rewriteStrideReferences walks the objects overlapping [strideAddr,
// strideEnd) (a live.bitmap stride may merge several adjacent objects with
// no gap between them) and rewrites each one's reference fields into dst at
// destOff+relativeOffset, translating every referent through PostCompact
// (spec §4.E steps 3-5) and recording class dependencies as each object's
// class pointer is read (spec §4.I). cur carries the object cursor across
// stride/page boundaries for objects that span them; it is returned so the
// next stride (or the next page, via the caller's FirstObjMoving lookup)
// can resume from the right place.
func (c *Compactor) rewriteStrideReferences(source ObjectSource, dst []byte, strideAddr, strideEnd uintptr, destOff uint64, cur Object) Object {
	addr := strideAddr
	for addr < strideEnd {
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
		end := uint64(0)
		if objEnd > strideEnd {
			end = uint64(strideEnd - obj.Addr())
		}

		objDestBase := destOff + uint64(addr-strideAddr) - start

		c.reclaimer.MarkClassDependency(obj.ClassAddr(), objEnd)
		obj.VisitReferences(start, end, func(fieldOffset uint64, referent uintptr) uintptr {
			translated := c.translate(referent)
			putAddr(dst, objDestBase+fieldOffset, translated)
			return referent
		})

		if objEnd > strideEnd {
			return obj // object continues past this stride; resume here next time
		}
		addr = objEnd
		cur = nil
	}
	return cur
}

// translate resolves a reference field's post-compact value: non-moving
// (nonMov/immune) addresses pass through unchanged, everything else goes
// through PostCompact by way of TranslateReference's probe-and-report path.
func (c *Compactor) translate(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	begin := c.moving.Begin()
	inMoving := addr >= begin && addr < begin+uintptr(c.moving.Capacity())
	return TranslateReference(c.cfg, addr, c.cycle.Layout, c.cycle.LiveWords, c.cycle.ChunkInfo, !inMoving)
}

// compactBlackPage handles a black-allocation destination page: these
// objects were allocated concurrently with marking and are known entirely
// live, so the whole page is copied contiguously with no bitmap walk, then
// every object in the copied span has its reference fields rewritten.
func (c *Compactor) compactBlackPage(page uint64, dst []byte) uintptr {
	layout := c.cycle.Layout
	destAddr := layout.S + uintptr(page*layout.PageSize)
	srcAddr := uintptr(int64(destAddr) - layout.BlackObjsSlideDiff)

	srcEnd := layout.B
	for _, sz := range c.moving.GetBlockSizes(0) {
		srcEnd += uintptr(sz)
	}
	n := layout.PageSize
	if srcAddr+uintptr(n) > srcEnd {
		if srcAddr >= srcEnd {
			return 0
		}
		n = uint64(srcEnd - srcAddr)
	}
	copyFromMemory(dst[:n], srcAddr)

	end := srcAddr + uintptr(n)
	source := c.moving.Source()
	c.rewriteStrideReferences(source, dst, srcAddr, end, 0, source.FindPrecedingObject(srcAddr))
	return end
}

// copyFromMemory reads len(dst) bytes of live process memory at addr into
// dst. The moving space is ordinary heap memory the collector has direct
// access to, so this is a plain read, not a cross-process copy —
// cross-address-space installation into the userfaultfd-registered range
// happens later via UFFDIO_COPY (uffd_linux.go).
func copyFromMemory(dst []byte, addr uintptr) {
	copy(dst, rawSlice(addr, uint64(len(dst))))
}
