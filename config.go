package compactgc

import (
	"fmt"
	"os"
	"strings"
)

// Mode selects how userfaultfd page faults are delivered and installed.
type Mode int

const (
	// ModeCopy serves faults from a worker pool via UFFDIO_COPY.
	ModeCopy Mode = iota
	// ModeMinorFault reuses a shadow mapping and installs via UFFDIO_CONTINUE.
	ModeMinorFault
	// ModeSigbus lets faulting mutators service their own fault in-signal.
	ModeSigbus
)

func (m Mode) String() string {
	switch m {
	case ModeCopy:
		return "copy"
	case ModeMinorFault:
		return "minor-fault"
	case ModeSigbus:
		return "sigbus"
	default:
		return "unknown"
	}
}

// ParseMode parses a --mode flag value (copy, minor-fault, sigbus).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "copy":
		return ModeCopy, nil
	case "minor-fault", "minorfault", "minor_fault":
		return ModeMinorFault, nil
	case "sigbus":
		return ModeSigbus, nil
	default:
		return 0, fmt.Errorf("unsupported mode: %s (supported: copy, minor-fault, sigbus)", s)
	}
}

const (
	// DefaultGranule is the minimum allocation alignment, in bytes.
	DefaultGranule = 8

	// DefaultPageSize is the OS page size assumed absent runtime detection.
	DefaultPageSize = 4096

	// DefaultParallelWorkers is the default Config.ParallelWorkers.
	DefaultParallelWorkers = 2

	// MaxParallelWorkers is the hard ceiling spec §6 calls "a small constant".
	MaxParallelWorkers = 8

	// DefaultMadviseThreshold is the minimum reclaim granularity (spec §4.I).
	DefaultMadviseThreshold = 1 << 20 // 1 MiB
)

// Config holds the enumerated options from spec §6.
type Config struct {
	// Mode selects the uffd fault-delivery strategy.
	Mode Mode

	// ParallelWorkers bounds how many destination pages RunCycle compacts
	// concurrently, in every Mode.
	ParallelWorkers int

	// MadviseThreshold is the minimum byte span reclaimed per madvise call.
	MadviseThreshold uint64

	// Granule is the allocation alignment unit; all addresses and sizes
	// handled by the collector must be multiples of it.
	Granule uint64

	// PageSize is the OS page size; must be an exact multiple of
	// ChunkBytes() (spec invariant 1).
	PageSize uint64

	// Debug enables eager invariant assertions (fatal abort) rather than
	// the release-mode probe-and-report path (spec §4.J).
	Debug bool

	// FromSpaceBase is the address a cycle's vacated moving-space pages get
	// mremap(MREMAP_DONTUNMAP)'d to so mutator reads against the old range
	// keep working while the fault driver lazily copies pages out from
	// under them (spec §4.G/§4.I). Zero means the platform/embedder has no
	// distinct from-space mapping to remap into; the collector then skips
	// from-space reclaim entirely.
	FromSpaceBase uintptr
}

// ChunkWords returns the number of machine words making up one chunk.
// One chunk is defined to be exactly one bitmap word (spec §3).
func (c Config) ChunkWords() uint64 {
	return 1
}

// ChunkGranules returns the number of granules per chunk: bitsPerWord.
func (c Config) ChunkGranules() uint64 {
	return 64
}

// ChunkBytes returns the number of moving-space bytes covered by one chunk.
func (c Config) ChunkBytes() uint64 {
	return c.ChunkGranules() * c.Granule
}

// DefaultConfig returns the collector's default configuration. Mode may be
// overridden by an environment variable the same way
// the retrieved dh-cli uffd handler reads DH_VM_EAGER_UFFD — this collector
// reads COMPACTGC_MODE for the same reason: letting operators flip modes
// without a rebuild while testing kernel feature availability.
func DefaultConfig() Config {
	cfg := Config{
		Mode:             ModeCopy,
		ParallelWorkers:  DefaultParallelWorkers,
		MadviseThreshold: DefaultMadviseThreshold,
		Granule:          DefaultGranule,
		PageSize:         DefaultPageSize,
	}
	if v := os.Getenv("COMPACTGC_MODE"); v != "" {
		if m, err := ParseMode(v); err == nil {
			cfg.Mode = m
		}
	}
	return cfg
}

// Validate checks the config against spec invariant 1 and sane bounds.
func (c Config) Validate() error {
	if c.Granule == 0 || (c.Granule&(c.Granule-1)) != 0 {
		return fmt.Errorf("granule must be a power of two, got %d", c.Granule)
	}
	if c.PageSize == 0 || c.PageSize%c.ChunkBytes() != 0 {
		return fmt.Errorf("page size %d must be an exact multiple of chunk size %d", c.PageSize, c.ChunkBytes())
	}
	if c.ParallelWorkers <= 0 || c.ParallelWorkers > MaxParallelWorkers {
		return fmt.Errorf("parallel_workers %d out of range (1..%d)", c.ParallelWorkers, MaxParallelWorkers)
	}
	return nil
}
