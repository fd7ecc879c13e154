package compactgc

import "testing"

func TestVectorFinalizeExclusivePrefixSum(t *testing.T) {
	lw, base := newTestLiveWords(3)
	vec := NewVector(lw, 8)

	vec.Add(base, 100, lw)
	vec.Add(lw.BitAddr(64), 50, lw)
	vec.Add(lw.BitAddr(128), 25, lw)

	vec.Finalize()

	if got := vec.At(0); got != 0 {
		t.Errorf("At(0) = %d, want 0", got)
	}
	if got := vec.At(1); got != 100 {
		t.Errorf("At(1) = %d, want 100", got)
	}
	if got := vec.At(2); got != 150 {
		t.Errorf("At(2) = %d, want 150", got)
	}
	if got := vec.Total(); got != 175 {
		t.Errorf("Total() = %d, want 175", got)
	}
}

func TestVectorAddSpanningChunks(t *testing.T) {
	lw, _ := newTestLiveWords(2)
	vec := NewVector(lw, 8)

	// 60 bits * 8 bytes = 480 bytes spanning chunk 0 (bits 0-59).
	vec.Add(lw.BitAddr(0), 480, lw)
	// Now add a span crossing chunk 0/1 boundary: bits 60-70.
	vec.Add(lw.BitAddr(60), 11*8, lw)

	total := uint64(0)
	for _, c := range vec.counts {
		total += c
	}
	if total != 480+11*8 {
		t.Fatalf("accumulated bytes = %d, want %d", total, 480+11*8)
	}
}

func TestVectorFinalizeIsIdempotent(t *testing.T) {
	lw, base := newTestLiveWords(1)
	vec := NewVector(lw, 8)
	vec.Add(base, 40, lw)
	vec.Finalize()
	first := vec.Total()
	vec.Finalize()
	if vec.Total() != first {
		t.Fatalf("second Finalize changed Total(): %d vs %d", vec.Total(), first)
	}
}

func TestVectorLookup(t *testing.T) {
	lw, base := newTestLiveWords(1)
	lw.Set(base)      // bit 0
	lw.Set(base + 24) // bit 3
	lw.Set(base + 40) // bit 5

	vec := NewVector(lw, 8)
	vec.Add(base, 8, lw)
	vec.Add(base+24, 8, lw)
	vec.Add(base+40, 8, lw)
	vec.Finalize()

	spaceBase := uintptr(0x9000)
	if got := vec.Lookup(base, lw, spaceBase); got != spaceBase {
		t.Errorf("Lookup(bit 0) = %#x, want %#x", got, spaceBase)
	}
	if got := vec.Lookup(base+24, lw, spaceBase); got != spaceBase+8 {
		t.Errorf("Lookup(bit 3) = %#x, want %#x", got, spaceBase+8)
	}
	if got := vec.Lookup(base+40, lw, spaceBase); got != spaceBase+16 {
		t.Errorf("Lookup(bit 5) = %#x, want %#x", got, spaceBase+16)
	}
}

func TestVectorResetClearsState(t *testing.T) {
	lw, base := newTestLiveWords(1)
	vec := NewVector(lw, 8)
	vec.Add(base, 40, lw)
	vec.Finalize()

	vec.Reset()
	if vec.final {
		t.Fatalf("Reset should clear final flag")
	}
	if vec.Total() != 0 {
		t.Fatalf("Reset should clear total")
	}
	for i, c := range vec.counts {
		if c != 0 {
			t.Fatalf("counts[%d] = %d after reset, want 0", i, c)
		}
	}
}
