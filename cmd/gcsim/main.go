// Command gcsim drives compactgc through one or more compaction cycles
// against a synthetic heap, for manual inspection of the collector's
// behavior. The collector itself is not a standalone program (spec §6);
// this harness exists only to exercise it end to end.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

const versionString = "gcsim 1.0.0"

func main() {
	var (
		heapSize   = flag.Uint64("heap-size", 16<<20, "synthetic moving-space size in bytes")
		objCount   = flag.Int("objects", 4096, "number of objects to allocate before each cycle")
		maxObjSize = flag.Uint64("max-object-size", 4096, "maximum per-object size in bytes")
		granule    = flag.Uint64("granule", 8, "allocation granule in bytes")
		pageSize   = flag.Uint64("page-size", 4096, "page size in bytes")
		workers    = flag.Int("workers", 2, "parallel uffd worker count")
		mode       = flag.String("mode", "copy", "uffd mode: copy, minor-fault, sigbus")
		cycles     = flag.Int("cycles", 1, "number of compaction cycles to run")
		seed       = flag.Int64("seed", 1, "synthetic heap PRNG seed")
		showVer    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Println(versionString)
		return
	}

	if err := RunCLI(CommandContext{
		HeapSize:   *heapSize,
		ObjCount:   *objCount,
		MaxObjSize: *maxObjSize,
		Granule:    *granule,
		PageSize:   *pageSize,
		Workers:    *workers,
		Mode:       *mode,
		Cycles:     *cycles,
		Seed:       *seed,
		Args:       flag.Args(),
	}); err != nil {
		log.Fatalf("gcsim: %v", err)
	}

	os.Exit(0)
}
