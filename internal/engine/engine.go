// Package engine runs a batch of per-tile tasks (a build compiling piles
// into tiles, or an update applying TES streams to tiles) across a worker
// pool, committing finished tiles through a single drain goroutine (spec
// §5 "Concurrency & resource model").
//
// Grounded on the teacher's internal/tile.Generate: a bounded job channel
// feeds N workers, with generation split from the pyramid loop there and
// from pile/tile dispatch here. Unlike the teacher (which pairs a raw
// sync.WaitGroup with a one-slot error channel), this package uses
// golang.org/x/sync/errgroup throughout, since spec §5 calls for first-
// error cancellation across every goroutine at once, including the drain
// goroutine — errgroup's derived context does that directly, where the
// teacher's own pattern only ever needed to stop the workers.
package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of work the engine dispatches to a worker: compile one
// pile into a tile, or apply one TES to an existing tile. Run must be
// safe to call from any worker goroutine; it owns no state the engine
// shares with other tasks.
type Task struct {
	// Tip identifies the tile this task produces, purely for logging and
	// for result bookkeeping; the engine never interprets it.
	Tip int
	Run func(ctx context.Context) (Result, error)
}

// Result is one task's output, ready to commit (spec §6
// "FeatureStoreTx... AddBlob... SetTileIndex").
type Result struct {
	Tip       int
	Blob      []byte
	Malformed bool // true if the tile body is intentionally empty (spec §4.8 "a tile with no features still gets a header")
}

// Stats holds run-wide counters, matching the teacher's atomic Stats
// fields in internal/tile.Generate — optional, read only after Run
// returns.
type Stats struct {
	TileCount  int64
	EmptyTiles int64
	TotalBytes int64
}

// TaskEngine wraps a worker pool of a fixed size over a run's tasks.
type TaskEngine struct {
	// Concurrency is the worker count; zero means runtime.NumCPU().
	Concurrency int

	// ShowProgress drives an in-place terminal Progress bar from Run's
	// own commit loop, labeled Label (or "Processing" if empty). Off by
	// default so tests and non-interactive callers see no bar output.
	ShowProgress bool
	Label        string
}

// New returns a TaskEngine with the given worker count (zero for the
// default of runtime.NumCPU(), per spec §5 "sized N (default
// runtime.NumCPU())").
func New(concurrency int) *TaskEngine {
	return &TaskEngine{Concurrency: concurrency}
}

// Run dispatches tasks across the pool and, for each finished Result in
// receipt order (not input order, per spec §5), calls commit from a
// single goroutine — so commit (typically backed by a
// store.FeatureStoreTx) never needs its own locking. The first error
// from any task or from commit cancels the run's context and is
// returned; tasks still in flight observe ctx.Done() and unwind.
func (e *TaskEngine) Run(ctx context.Context, tasks []Task, commit func(Result) error) (Stats, error) {
	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan Task, concurrency*2)
	results := make(chan Result, concurrency*2)

	var stats Stats

	var progress *Progress
	if e.ShowProgress {
		label := e.Label
		if label == "" {
			label = "Processing"
		}
		progress = NewProgress(label, int64(len(tasks)))
	}

	g.Go(func() error {
		defer close(jobs)
		for _, t := range tasks {
			select {
			case jobs <- t:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for t := range jobs {
				res, err := t.Run(gctx)
				if err != nil {
					return err
				}
				if res.Malformed {
					atomic.AddInt64(&stats.EmptyTiles, 1)
				} else {
					atomic.AddInt64(&stats.TileCount, 1)
					atomic.AddInt64(&stats.TotalBytes, int64(len(res.Blob)))
				}
				select {
				case results <- res:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	go func() {
		workers.Wait()
		close(results)
	}()

	g.Go(func() error {
		for res := range results {
			if err := commit(res); err != nil {
				return err
			}
			if progress != nil {
				progress.Increment()
			}
		}
		return nil
	})

	err := g.Wait()
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return stats, err
	}
	return stats, nil
}
