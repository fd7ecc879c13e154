package compactgc

import (
	"bytes"
	"testing"
)

func TestSlideBlackPageMovesBytesDown(t *testing.T) {
	cfg := testConfig()
	cfg.PageSize = 64

	space := newFakeSpace(1 << 16)
	live := space.alloc(32, cfg.Granule, KindInstance, 0, nil)
	cycle := NewCycle(cfg, space.Begin(), space.Capacity())
	cycle.LiveWords.SetRange(live.Addr(), live.Size())
	cycle.ChunkInfo.Add(live.Addr(), live.Size(), cycle.LiveWords)
	cycle.Layout.B = space.Limit()
	space.markBlack()

	black := space.alloc(32, cfg.Granule, KindInstance, 0, nil)
	payload := rawSlice(black.Addr(), black.Size())
	for i := range payload {
		payload[i] = byte(0xA0 + i)
	}
	want := append([]byte(nil), payload...)

	p := NewPlanner(cfg, cycle, space, nil)
	p.PrepareForCompaction()

	s := NewSlider(cfg, cycle, space, NewReclaimer(cfg, cycle))
	blackPage := cycle.Layout.MovingFirstObjsCount
	if ok, _ := s.SlideBlackPage(blackPage); !ok {
		t.Fatalf("SlideBlackPage should succeed on first claim")
	}

	destAddr := cycle.Layout.S + uintptr(blackPage*cfg.PageSize)
	got := rawSlice(destAddr, uint64(len(want)))
	if !bytes.Equal(got, want) {
		t.Fatalf("slid bytes = %v, want %v", got, want)
	}

	if cycle.PageStates.Get(blackPage) != PageProcessedAndMapped {
		t.Fatalf("page state = %v, want ProcessedAndMapped", cycle.PageStates.Get(blackPage))
	}
}

func TestSlideBlackPageSecondClaimFails(t *testing.T) {
	cfg := testConfig()
	cfg.PageSize = 64
	space := newFakeSpace(1 << 16)
	cycle := NewCycle(cfg, space.Begin(), space.Capacity())
	cycle.Layout.B = space.Begin()
	cycle.Layout.MovingFirstObjsCount = 0
	cycle.Layout.BlackPageCount = 1

	s := NewSlider(cfg, cycle, space, NewReclaimer(cfg, cycle))
	if ok, _ := s.SlideBlackPage(0); !ok {
		t.Fatalf("first claim should succeed")
	}
	if ok, _ := s.SlideBlackPage(0); ok {
		t.Fatalf("second claim on the same page should fail")
	}
}
