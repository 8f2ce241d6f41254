// Package build orchestrates one build run: for each pile in a batch it
// runs internal/compile, internal/index and internal/layout, writes the
// finished blob with internal/tilewriter, and commits it through a
// store.FeatureStoreTx — all dispatched across an internal/engine
// TaskEngine (spec §2 "Data flow — build path").
package build

import (
	"context"

	"github.com/clarisma/geodesk-tilebuild/internal/compile"
	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/engine"
	"github.com/clarisma/geodesk-tilebuild/internal/index"
	"github.com/clarisma/geodesk-tilebuild/internal/layout"
	"github.com/clarisma/geodesk-tilebuild/internal/model"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
	"github.com/clarisma/geodesk-tilebuild/internal/tilewriter"
)

// headerRevision is the revision every freshly built tile starts at;
// internal/tilereader bumps it when a tile is read back for update (spec
// §4.7 "TileReader... bumps the header").
const headerRevision = 1

// Job is one pile to compile into a tile.
type Job struct {
	Tip    store.Tip
	Pile   []byte
	Bounds index.TileBounds
}

// Builder runs a batch of Jobs across a worker pool.
type Builder struct {
	Settings store.Settings
	Engine   *engine.TaskEngine
	Logger   diag.Logger
}

// New returns a Builder with a TaskEngine sized concurrency (zero for
// runtime.NumCPU(), per spec §5). showProgress drives a terminal progress
// bar across the run, for interactive callers.
func New(settings store.Settings, concurrency int, logger diag.Logger, showProgress bool) *Builder {
	e := engine.New(concurrency)
	e.ShowProgress = showProgress
	e.Label = "Building"
	return &Builder{
		Settings: settings,
		Engine:   e,
		Logger:   logger,
	}
}

// Run compiles every job into a tile and commits the results through tx,
// in the receipt order internal/engine.Run produces. The first fatal
// error from any job or from tx aborts the whole run (spec §7 "abort
// that tile" generalizes, at the run level, to "abort the run" once a
// single shared transaction is involved).
func (b *Builder) Run(ctx context.Context, jobs []Job, tx store.FeatureStoreTx) (engine.Stats, error) {
	tasks := make([]engine.Task, len(jobs))
	for i, j := range jobs {
		j := j
		tasks[i] = engine.Task{
			Tip: int(j.Tip),
			Run: func(ctx context.Context) (engine.Result, error) {
				return b.compileOne(j)
			},
		}
	}

	if err := tx.Begin(); err != nil {
		return engine.Stats{}, err
	}
	commit := func(r engine.Result) error {
		page, err := tx.AddBlob(r.Blob)
		if err != nil {
			return err
		}
		return tx.SetTileIndex(store.Tip(r.Tip), page)
	}

	stats, err := b.Engine.Run(ctx, tasks, commit)
	if err != nil {
		return stats, err
	}
	if err := tx.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// compileOne runs the full build path for one pile: compile, index,
// layout, write.
func (b *Builder) compileOne(j Job) (engine.Result, error) {
	m := model.New()
	var d diag.Diagnostics

	if err := (compile.CompilerWorker{}).Compile(m, j.Pile, &d); err != nil {
		return engine.Result{}, err
	}

	h := model.NewHeader(m, headerRevision)
	ix := index.Indexer{Settings: b.Settings, Bounds: j.Bounds}
	if err := ix.Build(m, h); err != nil {
		return engine.Result{}, err
	}

	head := layout.Build(m, h)
	blob, err := tilewriter.Write(head)
	if err != nil {
		return engine.Result{}, err
	}

	if !d.Empty() {
		b.Logger.ForTile(int(j.Tip)).Warnf("%d diagnostics: %v", d.Len(), d.Err())
	}

	return engine.Result{Tip: int(j.Tip), Blob: blob}, nil
}
