// Command golupdate is a thin harness demonstrating an update run: every
// tile file in the <tile-dir> argument is paired by basename with a TES file in -tes and
// run through internal/update. Grounded on cmd/geotiff2pmtiles/main.go's
// flag/log idiom, same as its sibling golbuild.
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

	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/index"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
	"github.com/clarisma/geodesk-tilebuild/internal/update"
)

func main() {
	var (
		concurrency int
		tesDir      string
		outDir      string
		tileExtent  int
		verbose     bool
	)
	flag.IntVar(&concurrency, "concurrency", runtime.NumCPU(), "Number of parallel workers")
	flag.StringVar(&tesDir, "tes", "", "Directory of *.tes change streams, one per tile file (required)")
	flag.StringVar(&outDir, "out", "", "Directory to write updated tile blobs to (optional)")
	flag.IntVar(&tileExtent, "tile-extent", 4096, "Width/height of a tile's coordinate space, for index bounds")
	flag.BoolVar(&verbose, "verbose", false, "Show a progress bar while updating")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: golupdate -tes <tes-dir> [flags] <tile-dir>\n\n")
		fmt.Fprintf(os.Stderr, "Apply each *.tile file's matching *.tes change stream and rewrite it.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 || tesDir == "" {
		flag.Usage()
		os.Exit(1)
	}
	tileDir := args[0]

	jobs, err := loadJobs(tileDir, tesDir, tileExtent)
	if err != nil {
		log.Fatalf("Loading tiles: %v", err)
	}
	if len(jobs) == 0 {
		log.Fatalf("No *.tile files found in %s", tileDir)
	}

	fmt.Printf("golupdate\n")
	fmt.Printf("  %-14s %d\n", "Tiles:", len(jobs))
	fmt.Printf("  %-14s %d\n", "Concurrency:", concurrency)

	runID := uuid.New().String()
	fmt.Printf("  %-14s %s\n", "Run:", runID)
	u := update.New(store.DefaultSettings(), concurrency, diag.NewLogger(runID), verbose)
	tx := store.NewMemFeatureStoreTx()

	start := time.Now()
	stats, err := u.Run(context.Background(), jobs, tx)
	if err != nil {
		log.Fatalf("Update: %v", err)
	}
	elapsed := time.Since(start).Round(time.Millisecond)

	fmt.Printf("Done: %d tiles, %d bytes, %v\n", stats.TileCount, stats.TotalBytes, elapsed)

	if outDir != "" {
		if err := writeBlobs(outDir, jobs, tx); err != nil {
			log.Fatalf("Writing output: %v", err)
		}
	}
}

// loadJobs pairs every tileDir/<tip>.tile with tesDir/<tip>.tes.
func loadJobs(tileDir, tesDir string, tileExtent int) ([]update.Job, error) {
	entries, err := os.ReadDir(tileDir)
	if err != nil {
		return nil, err
	}

	bounds := index.TileBounds{MinX: 0, MinY: 0, MaxX: int32(tileExtent), MaxY: int32(tileExtent)}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".tile") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	jobs := make([]update.Job, 0, len(names))
	for _, name := range names {
		base := strings.TrimSuffix(name, ".tile")
		tip, err := strconv.Atoi(base)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		tile, err := os.ReadFile(filepath.Join(tileDir, name))
		if err != nil {
			return nil, err
		}
		tesPath := filepath.Join(tesDir, base+".tes")
		tesData, err := os.ReadFile(tesPath)
		if err != nil {
			return nil, fmt.Errorf("matching TES for %s: %w", name, err)
		}
		jobs = append(jobs, update.Job{Tip: store.Tip(tip), Tile: tile, TES: tesData, Bounds: bounds})
	}
	return jobs, nil
}

func writeBlobs(outDir string, jobs []update.Job, tx *store.MemFeatureStoreTx) error {
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
