package compactgc

// Driver is the platform surface component G needs: install compacted page
// content into the moving space and, where the kernel supports it, serve
// page faults for pages not yet installed (spec §4.G). uffd_linux.go
// provides the real userfaultfd-backed implementation; uffd_other.go
// provides the portable fallback of spec §6 ("systems without
// MREMAP_DONTUNMAP fall back to a stop-the-world compaction pass") for
// platforms lacking userfaultfd entirely.
type Driver interface {
	// Register enrolls [base, base+size) for fault delivery.
	Register(base uintptr, size uint64) error
	// Unregister removes a previously registered range.
	Unregister(base uintptr, size uint64) error
	// InstallCopy installs data at dst.
	InstallCopy(dst uintptr, data []byte) error
	// InstallZero installs a zero page at dst.
	InstallZero(dst uintptr, size uint64) error
	// Continue installs a minor-fault range already backed by a shadow
	// mapping (ModeMinorFault only).
	Continue(dst uintptr, size uint64) error
	// ServeFaults blocks, dispatching onFault for each incoming page
	// fault, until stop is closed.
	ServeFaults(stop <-chan struct{}, onFault func(addr uintptr)) error
	Close() error
}
