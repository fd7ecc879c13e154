// Package compactgc implements the core of a concurrent mark-compact
// garbage collector: a live-words bitmap and chunk-info vector for O(1)
// address translation, a tri-color concurrent marker, a layout planner, a
// page compactor and black-page slider, a userfaultfd-backed page-fault
// driver (with a portable stop-the-world fallback), an atomic per-page
// state machine, and reverse-order from-space reclaim.
//
// The collector is not a standalone program: it consumes a managed
// runtime's spaces, mutator-thread list, and reference processor through
// the interfaces in runtime.go, and is driven one cycle at a time via
// Collector.RunCycle. See cmd/gcsim for a minimal embedder.
package compactgc
