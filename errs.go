package compactgc

import (
	"fmt"
	"log"
)

// InvariantError records a fatal collector invariant violation (spec §7):
// the invariant's name, the offending address and a detail string. It
// holds no per-space summary or memory dump around the address.
type InvariantError struct {
	Invariant string
	Addr      uintptr
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation %q at %#x: %s", e.Invariant, e.Addr, e.Detail)
}

// KernelError wraps a failed kernel interface call (ioctl/mremap/mmap).
type KernelError struct {
	Op   string
	Errno error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("kernel call %s failed: %v", e.Op, e.Errno)
}

func (e *KernelError) Unwrap() error { return e.Errno }

// fatal logs an unrecoverable collector error and aborts the current
// goroutine via panic. There is no recovery path for an invariant
// violation or an unexpected kernel failure (spec §7: "no errors
// propagate out of the collector; a cycle either completes or terminates
// the process") — mirrors the Go runtime's own throw().
func fatal(err error) {
	log.Printf("compactgc: fatal: %v", err)
	panic(err)
}

// assertInvariant aborts immediately in debug builds; in release builds it
// logs and returns false so the caller can probe-and-report instead of
// crashing outright (spec §4.J: "MUST assert it under debug builds and
// SHOULD probe-and-report under release").
func assertInvariant(cfg Config, ok bool, invariant string, addr uintptr, detail string) bool {
	if ok {
		return true
	}
	err := &InvariantError{Invariant: invariant, Addr: addr, Detail: detail}
	if cfg.Debug {
		fatal(err)
	}
	log.Printf("compactgc: probe: %v", err)
	return false
}

// tolerated reports whether an ioctl errno is on the tolerated list (spec
// §7): EEXIST on ZEROPAGE/COPY (another thread installed first), ENOENT on
// a termination wake, EAGAIN on a partial CONTINUE.
func tolerated(errno error, extra ...error) bool {
	for _, e := range extra {
		if errno == e {
			return true
		}
	}
	return false
}
