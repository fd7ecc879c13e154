package compactgc

import "unsafe"

// rawSlice reinterprets n bytes of live process memory starting at addr as
// a Go byte slice, for the in-process memmove/memcpy operations the page
// compactor and slider perform directly against mutator memory.
func rawSlice(addr uintptr, n uint64) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// putAddr writes a pointer-sized value at byte offset off of dst, for
// rewriting a reference field the compactor already staged into a
// destination page buffer (spec §4.E steps 3-5).
func putAddr(dst []byte, off uint64, value uintptr) {
	*(*uintptr)(unsafe.Pointer(&dst[off])) = value
}

// putAddrAt writes a pointer-sized value directly into live process memory
// at addr, for rewriting a reference field already slid in place (spec
// §4.F steps 3-4).
func putAddrAt(addr uintptr, value uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = value
}
