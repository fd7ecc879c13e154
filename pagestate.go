package compactgc

import (
	"runtime"
	"sync/atomic"
	"time"
)

// PageState is one destination page's position in the state machine of
// spec §4.H.
type PageState uint32

const (
	PageUnprocessed PageState = iota
	PageProcessing
	PageMutatorProcessing
	PageProcessingAndMapping
	PageProcessed
	PageProcessedAndMapping
	PageProcessedAndMapped
)

func (s PageState) String() string {
	switch s {
	case PageUnprocessed:
		return "unprocessed"
	case PageProcessing:
		return "processing"
	case PageMutatorProcessing:
		return "mutator-processing"
	case PageProcessingAndMapping:
		return "processing-and-mapping"
	case PageProcessed:
		return "processed"
	case PageProcessedAndMapping:
		return "processed-and-mapping"
	case PageProcessedAndMapped:
		return "processed-and-mapped"
	default:
		return "invalid"
	}
}

// PageStateArray is the per-destination-page atomic state machine. All
// transitions use explicit acquire/release semantics: Go's sync/atomic
// already gives sequentially-consistent loads/stores, which is a strictly
// stronger guarantee than the acquire-on-claim/release-on-completion
// ordering spec §5 requires, so no additional fences are needed on the Go
// side — the kernel ioctl remains an additional fence on the real syscall
// path (uffd_linux.go).
type PageStateArray struct {
	states []uint32
}

// NewPageStateArray allocates a state machine for n destination pages.
func NewPageStateArray(n uint64) *PageStateArray {
	return &PageStateArray{states: make([]uint32, n)}
}

// Reset returns every page to Unprocessed without reallocating.
func (a *PageStateArray) Reset() {
	for i := range a.states {
		atomic.StoreUint32(&a.states[i], uint32(PageUnprocessed))
	}
}

// Len returns the number of tracked pages.
func (a *PageStateArray) Len() int { return len(a.states) }

// Get loads the current state of page i.
func (a *PageStateArray) Get(i uint64) PageState {
	return PageState(atomic.LoadUint32(&a.states[i]))
}

// TryClaim attempts Unprocessed -> target via CAS; returns true on success,
// granting the caller exclusive write rights to page i's destination
// buffer (spec §4.H).
func (a *PageStateArray) TryClaim(i uint64, target PageState) bool {
	return atomic.CompareAndSwapUint32(&a.states[i], uint32(PageUnprocessed), uint32(target))
}

// Set stores a new state unconditionally (used for the producer's
// Processed/ProcessedAndMapping release-store after content is ready).
func (a *PageStateArray) Set(i uint64, s PageState) {
	atomic.StoreUint32(&a.states[i], uint32(s))
}

// TryElevate attempts a CAS from `from` to `to`, used when a mutator
// elevates a Processed page to ProcessedAndMapping to perform the install
// itself.
func (a *PageStateArray) TryElevate(i uint64, from, to PageState) bool {
	return atomic.CompareAndSwapUint32(&a.states[i], uint32(from), uint32(to))
}

// backoffWait blocks the caller with bounded exponential backoff
// (sched_yield then nanosleep, spec §4.H) until test() reports true.
// Cancellation is not supported mid-page, matching spec §5.
func backoffWait(test func() bool) {
	const spinLimit = 32
	spins := 0
	sleep := time.Microsecond
	const maxSleep = time.Millisecond
	for !test() {
		if spins < spinLimit {
			runtime.Gosched()
			spins++
			continue
		}
		time.Sleep(sleep)
		if sleep < maxSleep {
			sleep *= 2
		}
	}
}

// WaitMapped blocks until page i reaches ProcessedAndMapped.
func (a *PageStateArray) WaitMapped(i uint64) {
	backoffWait(func() bool { return a.Get(i) == PageProcessedAndMapped })
}

// WaitPastClaim blocks until page i is no longer Unprocessed, i.e. some
// thread has claimed it.
func (a *PageStateArray) WaitPastClaim(i uint64) {
	backoffWait(func() bool { return a.Get(i) != PageUnprocessed })
}

// CompactionCounter is the "compaction-in-progress" counter of spec §5: a
// mutator/worker increments it on claiming a page and decrements after
// completion; the GC thread busy-waits (with backoff) for it to reach zero
// before unregistering the moving space.
type CompactionCounter struct {
	n int64
}

func (c *CompactionCounter) Enter() { atomic.AddInt64(&c.n, 1) }
func (c *CompactionCounter) Exit()  { atomic.AddInt64(&c.n, -1) }

// WaitZero blocks until the counter reaches zero.
func (c *CompactionCounter) WaitZero() {
	backoffWait(func() bool { return atomic.LoadInt64(&c.n) == 0 })
}

// Load returns the current counter value (diagnostics/tests only).
func (c *CompactionCounter) Load() int64 { return atomic.LoadInt64(&c.n) }
