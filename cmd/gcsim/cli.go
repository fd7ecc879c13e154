package main

import (
	"context"
	"fmt"

	"github.com/xyproto/compactgc"
)

// CommandContext holds the parsed flags for one gcsim invocation.
type CommandContext struct {
	HeapSize   uint64
	ObjCount   int
	MaxObjSize uint64
	Granule    uint64
	PageSize   uint64
	Workers    int
	Mode       string
	Cycles     int
	Seed       int64
	Args       []string
}

// RunCLI dispatches to the requested subcommand (cycle, help),
// defaulting to "cycle" when none is given.
func RunCLI(ctx CommandContext) error {
	subcmd := "cycle"
	if len(ctx.Args) > 0 {
		subcmd = ctx.Args[0]
	}

	switch subcmd {
	case "cycle", "":
		return cmdCycle(ctx)
	case "help", "--help", "-h":
		return cmdHelp(ctx)
	default:
		return fmt.Errorf("unknown subcommand %q (try: cycle, help)", subcmd)
	}
}

func cmdCycle(ctx CommandContext) error {
	mode, err := compactgc.ParseMode(ctx.Mode)
	if err != nil {
		return err
	}

	cfg := compactgc.Config{
		Mode:             mode,
		ParallelWorkers:  ctx.Workers,
		MadviseThreshold: compactgc.DefaultMadviseThreshold,
		Granule:          ctx.Granule,
		PageSize:         ctx.PageSize,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	heap := newSynthHeap(ctx.HeapSize)
	roots := populate(heap, ctx.Granule, ctx.ObjCount, ctx.MaxObjSize, ctx.Seed)
	threads := &synthThreadList{threads: []compactgc.MutatorThread{&synthThread{id: 1, roots: roots}}}

	coll, err := compactgc.NewCollector(cfg, heap, nil, nil, synthRefProc{}, threads, synthLinker{})
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}
	defer coll.Close()

	for i := 0; i < ctx.Cycles; i++ {
		if err := coll.RunCycle(context.Background()); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		fmt.Printf("cycle %d: %+v\n", i, coll.Stats())
	}
	return nil
}

func cmdHelp(ctx CommandContext) error {
	fmt.Print(`gcsim - drive compactgc through synthetic compaction cycles

Usage:
  gcsim [flags] [cycle|help]

Flags:
  -heap-size bytes       synthetic moving-space size (default 16MiB)
  -objects n             object count allocated before each cycle
  -max-object-size bytes maximum per-object size
  -granule bytes         allocation granule
  -page-size bytes       page size
  -workers n             parallel uffd worker count
  -mode name             copy, minor-fault, or sigbus
  -cycles n              number of cycles to run
  -seed n                synthetic heap PRNG seed
`)
	return nil
}
