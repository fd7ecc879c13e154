package compactgc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stats reports cumulative collector state across cycles, primarily for
// tests and the cmd/gcsim demo harness.
type Stats struct {
	CyclesRun         int
	BytesReclaimed    uint64
	// ShadowMapDisabled reports a minor-fault-mode downgrade to ModeCopy
	// after a shadow-mapping allocation failure. The collector allocates
	// no shadow mapping in any mode, so nothing sets this field and it is
	// always false.
	ShadowMapDisabled bool
}

// Collector is the top-level orchestrator wiring components A-I into the
// phase sequence of spec §2/§4: mark concurrently, pause briefly to finish
// marking, plan the compaction layout, compact every destination page
// (proactively and/or on fault), then reclaim the vacated from-space.
type Collector struct {
	cfg Config

	moving  MovingSpace
	nonMov  NonMovingSpace
	immune  []ImmuneSpace
	refProc ReferenceProcessor
	threads ThreadList
	linker  ClassLinker

	cycle     *Cycle
	marker    *Marker
	planner   *Planner
	compactor *Compactor
	slider    *Slider
	reclaimer *Reclaimer
	driver    Driver
	counter   CompactionCounter

	mu    sync.Mutex
	stats Stats
}

// NewCollector validates cfg and wires every component against the runtime
// contracts of spec §6, opening the platform page-fault driver (uffd on
// Linux, stop-the-world elsewhere).
func NewCollector(cfg Config, moving MovingSpace, nonMov NonMovingSpace, immune []ImmuneSpace, refProc ReferenceProcessor, threads ThreadList, linker ClassLinker) (*Collector, error) {
	driver, err := NewDriver(cfg)
	if err != nil {
		return nil, fmt.Errorf("compactgc: opening page-fault driver: %w", err)
	}
	return newCollectorWithDriver(cfg, moving, nonMov, immune, refProc, threads, linker, driver)
}

// newCollectorWithDriver is NewCollector with the page-fault driver supplied
// directly, letting tests exercise the full cycle pipeline against an
// in-memory Driver instead of a real platform one.
func newCollectorWithDriver(cfg Config, moving MovingSpace, nonMov NonMovingSpace, immune []ImmuneSpace, refProc ReferenceProcessor, threads ThreadList, linker ClassLinker, driver Driver) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("compactgc: invalid config: %w", err)
	}

	cycle := NewCycle(cfg, moving.Begin(), moving.Capacity())
	cycle.Layout.F = cfg.FromSpaceBase
	if cycle.Layout.F == 0 {
		cycle.Layout.F = moving.Begin()
	}
	c := &Collector{
		cfg: cfg, moving: moving, nonMov: nonMov, immune: immune,
		refProc: refProc, threads: threads, linker: linker,
		cycle:  cycle,
		driver: driver,
	}
	c.marker = NewMarker(cfg, cycle, moving, nonMov, immune, refProc, threads, linker)
	c.planner = NewPlanner(cfg, cycle, moving, nonMov)
	c.reclaimer = NewReclaimer(cfg, cycle)
	c.compactor = NewCompactor(cfg, cycle, moving, c.reclaimer)
	c.slider = NewSlider(cfg, cycle, moving, c.reclaimer)
	return c, nil
}

// translateRoot resolves a root or reference-table slot's post-compact
// value via PostCompact, passed as the translate closure to
// ThreadList.FlipThreadRoots and ReferenceProcessor.UpdateRoots (spec §1
// CORE bullet 5, §3 invariant 5, §6).
func (c *Collector) translateRoot(addr uintptr) uintptr {
	if addr == 0 {
		return 0
	}
	begin := c.moving.Begin()
	inMoving := addr >= begin && addr < begin+uintptr(c.moving.Capacity())
	return TranslateReference(c.cfg, addr, c.cycle.Layout, c.cycle.LiveWords, c.cycle.ChunkInfo, !inMoving)
}

// Stats returns a snapshot of cumulative collector statistics.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RunCycle drives one full mark-compact cycle to completion (spec §2):
// concurrent marking, the brief marking pause, layout planning, page
// compaction (proactive plus fault-served), and from-space reclaim.
func (c *Collector) RunCycle(ctx context.Context) error {
	c.marker.BindAndResetBitmaps()

	if err := c.marker.MarkRoots(); err != nil {
		return fmt.Errorf("compactgc: mark roots: %w", err)
	}
	c.marker.PreCleanCards()
	c.marker.MarkingPause()
	c.marker.ProcessReferences()

	c.planner.PrepareForCompaction()

	// Root/reference update protocol (spec §1 CORE bullet 5, §3 invariant
	// 5, §6 ReferenceProcessor.UpdateRoots): the translation table is final
	// now, so flip every thread's roots and the reference table to
	// post-compact addresses in this same brief pause, before any mutator
	// resumes and before page faults start arriving for the new addresses.
	c.threads.FlipThreadRoots(c.translateRoot, func() {
		c.refProc.UpdateRoots(c.translateRoot)
	})

	if err := c.driver.Register(c.cycle.Layout.S, c.cycle.Layout.C); err != nil {
		return fmt.Errorf("compactgc: registering moving space: %w", err)
	}

	stop := make(chan struct{})
	faultErrCh := make(chan error, 1)
	go func() {
		faultErrCh <- c.driver.ServeFaults(stop, func(addr uintptr) {
			c.onFault(addr)
		})
	}()

	err := c.compactAll(ctx)
	close(stop)
	if faultErr := <-faultErrCh; err == nil {
		err = faultErr
	}
	if err != nil {
		return fmt.Errorf("compactgc: compaction: %w", err)
	}

	c.counter.WaitZero()
	if err := c.driver.Unregister(c.cycle.Layout.S, c.cycle.Layout.C); err != nil {
		return fmt.Errorf("compactgc: unregistering moving space: %w", err)
	}

	if err := c.reclaimFromSpace(); err != nil {
		return fmt.Errorf("compactgc: from-space reclaim: %w", err)
	}

	c.mu.Lock()
	c.stats.CyclesRun++
	c.mu.Unlock()

	c.cycle.Reset(c.cycle.Layout.PostCompactEnd)
	return nil
}

// compactAll proactively drives every destination page to
// ProcessedAndMapped, bounded to Config.ParallelWorkers concurrent pages —
// the worker-pool shape the retrieved dh-cli uffd handler's parallelCopy
// and 0xReLogic-River's compaction manager both use. Pages are submitted in
// reverse (highest destination/from-space address first): class objects
// typically sit at the lowest from-space addresses, so finishing high
// pages first keeps their class dependencies open only briefly and lets
// the low, class-holding pages be the ones whose completion unblocks the
// reclaimer's cursor (spec §4.I, component I's "never free a class's
// from-space range while instances remain to compact" policy).
func (c *Collector) compactAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ParallelWorkers)

	n := c.cycle.Layout.NumPages()
	for i := n; i > 0; i-- {
		page := i - 1
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			return c.compactOnePage(page)
		})
	}
	return g.Wait()
}

// onFault handles a page fault reported by the driver for a page this
// collector has not yet proactively compacted (spec §4.H scenario 5): the
// faulting thread either becomes the compactor for the page, or waits for
// whichever thread won the claim race.
func (c *Collector) onFault(addr uintptr) {
	if addr < c.cycle.Layout.S {
		return
	}
	page := c.cycle.Layout.PageIndex(addr)
	if page >= c.cycle.Layout.NumPages() {
		return
	}
	if err := c.compactOnePage(page); err != nil {
		fatal(err)
	}
}

// compactOnePage claims and installs one destination page, dispatching to
// the slider for black-allocation pages (already live, slid in place) and
// to the compactor/driver pair for ordinary pre-mark pages.
func (c *Collector) compactOnePage(page uint64) error {
	if page >= c.cycle.Layout.MovingFirstObjsCount {
		c.counter.Enter()
		defer c.counter.Exit()
		if ok, bound := c.slider.SlideBlackPage(page); ok && bound != 0 {
			c.advanceReclaim(bound)
		}
		return nil
	}

	if !c.cycle.PageStates.TryClaim(page, PageProcessing) {
		c.cycle.PageStates.WaitMapped(page)
		return nil
	}
	c.counter.Enter()
	defer c.counter.Exit()

	buf := make([]byte, c.cfg.PageSize)
	bound := c.compactor.CompactPage(page, buf)

	dst := c.cycle.Layout.S + uintptr(page*c.cfg.PageSize)
	if err := c.driver.InstallCopy(dst, buf); err != nil {
		return err
	}
	c.cycle.PageStates.Set(page, PageProcessedAndMapped)
	if bound != 0 {
		c.advanceReclaim(bound)
	}
	return nil
}

// advanceReclaim clears any class dependency whose pending instance has now
// been copied past sourceBound and, when a distinct from-space mapping is
// configured, drives the reclaimer's cursor forward (spec §4.I). Driving
// this from every page as it completes — rather than only once at the end
// of a cycle — is what exercises MarkClassDependency/ClearClassDependency
// in the real compaction path instead of leaving Component I's deferral
// policy dead.
func (c *Collector) advanceReclaim(sourceBound uintptr) {
	for _, classAddr := range c.reclaimer.PendingClassAddrs() {
		c.reclaimer.ClearClassDependency(classAddr, sourceBound)
	}
	if c.cfg.FromSpaceBase == 0 {
		return
	}
	n, err := c.reclaimer.ReclaimUpTo(sourceBound)
	if err != nil {
		fatal(err)
	}
	c.mu.Lock()
	c.stats.BytesReclaimed += n
	c.mu.Unlock()
}

// reclaimFromSpace remaps the moving space's old backing pages to the
// from-space address (so mutator reads mid-compaction still see valid
// memory) and then gives the fully-copied prefix back to the kernel,
// draining any remaining span once compaction is complete. With no distinct
// from-space mapping configured (Config.FromSpaceBase == 0), compaction ran
// directly against the moving space's own address range, so there is no old
// copy left to discard and this is a no-op.
func (c *Collector) reclaimFromSpace() error {
	if c.cfg.FromSpaceBase == 0 {
		return nil
	}
	if _, err := RemapFromSpace(c.cycle.Layout.S, c.cycle.Layout.C, c.cycle.Layout.F); err != nil {
		return err
	}

	// compactAll has returned, so every object has been copied and every
	// class dependency it could ever register is already in the map;
	// sweep once more with the true upper bound to clear any entry a
	// straggling goroutine's per-page advanceReclaim call missed.
	top := c.cycle.Layout.F + uintptr(c.cycle.Layout.C)
	for _, classAddr := range c.reclaimer.PendingClassAddrs() {
		c.reclaimer.ClearClassDependency(classAddr, top)
	}

	reclaimed, err := c.reclaimer.FinalReclaim()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.BytesReclaimed += reclaimed
	c.mu.Unlock()
	return nil
}

// Close releases the collector's page-fault driver.
func (c *Collector) Close() error {
	return c.driver.Close()
}
