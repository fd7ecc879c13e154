package compactgc

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// markBufferSize is the thread-local batch size before a flush to the
// shared mark stack, amortizing lock contention the way the retrieved
// Go-runtime gcWork (wbuf1/wbuf2) amortizes workbuf traffic.
const markBufferSize = 256

// MarkStack is the shared grey-object work list. Bulk reservation (a
// batch push/pop) takes the mutex; callers do not need any further
// synchronization once they hold a batch (spec §5 resource table).
type MarkStack struct {
	mu    sync.Mutex
	stack []uintptr
}

// PushBatch appends items to the shared stack under lock.
func (s *MarkStack) PushBatch(items []uintptr) {
	if len(items) == 0 {
		return
	}
	s.mu.Lock()
	s.stack = append(s.stack, items...)
	s.mu.Unlock()
}

// PopBatch removes and returns up to max items from the top of the stack.
func (s *MarkStack) PopBatch(max int) []uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.stack)
	if n == 0 {
		return nil
	}
	if n > max {
		n = max
	}
	batch := append([]uintptr(nil), s.stack[len(s.stack)-n:]...)
	s.stack = s.stack[:len(s.stack)-n]
	return batch
}

// Empty reports whether the shared stack currently holds no work. Racy by
// nature (more work may be in flight in local buffers); used only to decide
// whether to keep draining.
func (s *MarkStack) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack) == 0
}

// localMarkBuffer batches pushes from a single goroutine before flushing
// to the shared MarkStack.
type localMarkBuffer struct {
	shared *MarkStack
	buf    []uintptr
}

func newLocalMarkBuffer(shared *MarkStack) *localMarkBuffer {
	return &localMarkBuffer{shared: shared, buf: make([]uintptr, 0, markBufferSize)}
}

func (b *localMarkBuffer) push(addr uintptr) {
	b.buf = append(b.buf, addr)
	if len(b.buf) >= markBufferSize {
		b.flush()
	}
}

func (b *localMarkBuffer) flush() {
	if len(b.buf) == 0 {
		return
	}
	b.shared.PushBatch(b.buf)
	b.buf = b.buf[:0]
}

// Marker implements the tri-color concurrent mark described in spec §4.C.
type Marker struct {
	cfg     Config
	cycle   *Cycle
	moving  MovingSpace
	nonMov  NonMovingSpace
	immune  []ImmuneSpace
	refProc ReferenceProcessor
	threads ThreadList
	linker  ClassLinker

	stack MarkStack
}

// NewMarker builds a marker bound to one cycle's metadata and the runtime
// contracts it consumes (spec §6).
func NewMarker(cfg Config, cycle *Cycle, moving MovingSpace, nonMov NonMovingSpace, immune []ImmuneSpace, refProc ReferenceProcessor, threads ThreadList, linker ClassLinker) *Marker {
	return &Marker{
		cfg: cfg, cycle: cycle, moving: moving, nonMov: nonMov,
		immune: immune, refProc: refProc, threads: threads, linker: linker,
	}
}

// BindAndResetBitmaps classifies spaces and clears the moving-space
// mark-bitmap, then processes immune-space cards (spec §4.C step 1).
func (m *Marker) BindAndResetBitmaps() {
	m.cycle.MarkBitmap.Reset()
	for _, im := range m.immune {
		im.VisitCardTable(func(o Object) {
			m.visitObjectReferences(o, nil)
		})
	}
}

// MarkRoots runs a checkpoint across mutator threads concurrently with
// continuing mutation; each thread visits its own roots into a
// thread-local buffer flushed under the shared mark-stack lock. Non-thread
// roots are visited by the calling (GC) goroutine. Implemented with
// errgroup so per-thread root visitation genuinely runs in parallel,
// matching spec §5's "parallel OS threads throughout" scheduling model.
func (m *Marker) MarkRoots() error {
	var g errgroup.Group
	for _, t := range m.threads.GetList() {
		t := t
		g.Go(func() error {
			local := newLocalMarkBuffer(&m.stack)
			t.VisitRoots(func(addr uintptr) uintptr {
				m.tryMarkAndPush(addr, local)
				return addr
			})
			local.flush()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	local := newLocalMarkBuffer(&m.stack)
	m.linker.VisitClassLoaders(func(o Object) { m.tryMarkAndPush(o.Addr(), local) })
	m.linker.VisitDexCaches(func(o Object) { m.tryMarkAndPush(o.Addr(), local) })
	local.flush()
	return nil
}

// tryMarkAndPush atomically marks addr if unmarked and enqueues it; it does
// not call UpdateLivenessInfo — that happens once, single-threaded, when
// the object is popped in MarkReachable (components A/B are GC-mark-thread
// only per spec §5).
func (m *Marker) tryMarkAndPush(addr uintptr, local *localMarkBuffer) {
	if addr == 0 {
		return
	}
	if !m.inMovingSpace(addr) {
		return
	}
	if m.cycle.MarkBitmap.AtomicTestAndSet(addr) {
		return // already marked: double-mark suppressed
	}
	local.push(addr)
}

func (m *Marker) inMovingSpace(addr uintptr) bool {
	return addr >= m.moving.Begin() && addr < m.moving.Begin()+uintptr(m.moving.Capacity())
}

// MarkReachable drains the mark stack to a fixpoint, scanning immune-space
// cards/mod-union for references into collected spaces first (spec §4.C
// step 3). This is the sole caller of UpdateLivenessInfo.
func (m *Marker) MarkReachable() {
	for _, im := range m.immune {
		im.VisitCardTable(func(o Object) {
			local := newLocalMarkBuffer(&m.stack)
			m.visitObjectReferences(o, local)
			local.flush()
		})
	}

	local := newLocalMarkBuffer(&m.stack)
	for {
		batch := m.stack.PopBatch(markBufferSize)
		if len(batch) == 0 {
			break
		}
		for _, addr := range batch {
			o := m.moving.Source().ObjectAt(addr)
			if o == nil {
				continue
			}
			m.UpdateLivenessInfo(o)
			m.visitObjectReferences(o, local)
		}
		local.flush()
	}
}

func (m *Marker) visitObjectReferences(o Object, local *localMarkBuffer) {
	o.VisitReferences(0, 0, func(_ uint64, referent uintptr) uintptr {
		if local != nil {
			m.tryMarkAndPush(referent, local)
		}
		return referent
	})
}

// UpdateLivenessInfo records a newly-marked moving-space object's bytes
// into the live-words bitmap and chunk-info vector (spec §4.C).
func (m *Marker) UpdateLivenessInfo(o Object) {
	if !m.inMovingSpace(o.Addr()) {
		return
	}
	size := roundUpGranule(o.Size(), m.cfg.Granule)
	m.cycle.LiveWords.SetRange(o.Addr(), size)
	m.cycle.ChunkInfo.Add(o.Addr(), size, m.cycle.LiveWords)
}

func roundUpGranule(size, granule uint64) uint64 {
	return (size + granule - 1) &^ (granule - 1)
}

// PreCleanCards rescans dirty and aged cards picked up since MarkRoots
// (spec §4.C step 4), concurrently with mutation.
func (m *Marker) PreCleanCards() {
	m.MarkReachable()
}

// MarkingPause performs the brief stop-the-world finish of marking (spec
// §4.C step 5): revoke TLABs (fixing B), re-mark roots, rescan dirty
// cards, and hand off to the reference processor's slow path. It does not
// swap live/allocation stacks. TLAB revocation happens first, pinning spec
// §9's "revoke-first" decision.
func (m *Marker) MarkingPause() {
	for _, t := range m.threads.GetList() {
		m.moving.RevokeThreadLocalBuffers(t)
	}
	m.cycle.Layout.B = m.moving.Limit()

	if err := m.MarkRoots(); err != nil {
		fatal(err)
	}
	m.MarkReachable()

	m.refProc.EnableSlowPath()
}

// ProcessReferences sweeps non-moving spaces and hands weak references to
// the reference processor; the moving space is never swept here — it is
// compacted instead (spec §4.C step 6).
func (m *Marker) ProcessReferences() {
	m.refProc.ProcessReferences()
}
