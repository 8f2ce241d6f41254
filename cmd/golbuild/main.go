// Command golbuild is a thin harness demonstrating a build run over a
// directory of pile files (spec §1 Non-goals excludes a real CLI/query
// tool; this only drives internal/build end to end). Grounded on the
// teacher's cmd/geotiff2pmtiles/main.go: stdlib flag, plain log.Fatalf on
// error, a settings summary printed before the run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clarisma/geodesk-tilebuild/internal/build"
	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/index"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
)

func main() {
	var (
		concurrency int
		outDir      string
		tileExtent  int
		verbose     bool
	)
	flag.IntVar(&concurrency, "concurrency", runtime.NumCPU(), "Number of parallel workers")
	flag.StringVar(&outDir, "out", "", "Directory to write finished tile blobs to (optional)")
	flag.IntVar(&tileExtent, "tile-extent", 4096, "Width/height of a tile's coordinate space, for index bounds (coordinate projection itself is out of scope)")
	flag.BoolVar(&verbose, "verbose", false, "Verbose progress output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: golbuild [flags] <pile-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Compile every *.pile file in <pile-dir> into a tile.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(1)
	}
	pileDir := args[0]

	jobs, err := loadJobs(pileDir, tileExtent)
	if err != nil {
		log.Fatalf("Loading piles: %v", err)
	}
	if len(jobs) == 0 {
		log.Fatalf("No *.pile files found in %s", pileDir)
	}

	fmt.Printf("golbuild\n")
	fmt.Printf("  %-14s %d\n", "Piles:", len(jobs))
	fmt.Printf("  %-14s %d\n", "Concurrency:", concurrency)
	fmt.Printf("  %-14s %d\n", "Tile extent:", tileExtent)

	runID := uuid.New().String()
	fmt.Printf("  %-14s %s\n", "Run:", runID)
	bdr := build.New(store.DefaultSettings(), concurrency, diag.NewLogger(runID), verbose)
	tx := store.NewMemFeatureStoreTx()

	start := time.Now()
	stats, err := bdr.Run(context.Background(), jobs, tx)
	if err != nil {
		log.Fatalf("Build: %v", err)
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	fmt.Printf("Done: %d tiles, %d bytes, %v\n", stats.TileCount, stats.TotalBytes, elapsed)

	if outDir != "" {
		if err := writeBlobs(outDir, jobs, tx); err != nil {
			log.Fatalf("Writing output: %v", err)
		}
		if verbose {
			log.Printf("Wrote %d tile blobs to %s", len(jobs), outDir)
		}
	}
}

// loadJobs globs pileDir for *.pile files, deriving each pile's number
// (and the TIP it builds to, same value in this harness) from the
// filename minus its .pile suffix, which must be a decimal integer.
func loadJobs(pileDir string, tileExtent int) ([]build.Job, error) {
	entries, err := os.ReadDir(pileDir)
	if err != nil {
		return nil, err
	}

	bounds := index.TileBounds{MinX: 0, MinY: 0, MaxX: int32(tileExtent), MaxY: int32(tileExtent)}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".pile") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	jobs := make([]build.Job, 0, len(names))
	for _, name := range names {
		pile, err := pileNumber(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		data, err := os.ReadFile(filepath.Join(pileDir, name))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, build.Job{Tip: store.Tip(pile), Pile: data, Bounds: bounds})
	}
	return jobs, nil
}

func pileNumber(name string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(name), ".pile")
	return strconv.Atoi(base)
}

func writeBlobs(outDir string, jobs []build.Job, tx *store.MemFeatureStoreTx) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, j := range jobs {
		blob, ok := tx.Blob(j.Tip)
		if !ok {
			continue
		}
		path := filepath.Join(outDir, fmt.Sprintf("%d.tile", j.Tip))
		if err := os.WriteFile(path, blob, 0o644); err != nil {
			return err
		}
	}
	return nil
}
