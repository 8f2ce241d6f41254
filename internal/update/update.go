// Package update orchestrates one update run: for each (tile, TES) pair
// it reads the existing tile, applies the change stream, rebuilds the
// four indexes and the layout, and writes and commits a fresh blob — all
// dispatched across an internal/engine TaskEngine (spec §2 "Data flow —
// update path", spec §4.8 "TES reader and TileUpdater").
package update

import (
	"context"

	"github.com/clarisma/geodesk-tilebuild/internal/diag"
	"github.com/clarisma/geodesk-tilebuild/internal/engine"
	"github.com/clarisma/geodesk-tilebuild/internal/index"
	"github.com/clarisma/geodesk-tilebuild/internal/layout"
	"github.com/clarisma/geodesk-tilebuild/internal/store"
	"github.com/clarisma/geodesk-tilebuild/internal/tes"
	"github.com/clarisma/geodesk-tilebuild/internal/tilereader"
	"github.com/clarisma/geodesk-tilebuild/internal/tilewriter"
)

// Job is one existing tile plus the TES to apply to it.
type Job struct {
	Tip    store.Tip
	Tile   []byte // the current tile blob, as read from the store
	TES    []byte
	Bounds index.TileBounds
}

// Updater runs a batch of Jobs across a worker pool.
type Updater struct {
	Settings store.Settings
	Engine   *engine.TaskEngine
	Logger   diag.Logger
}

// New returns an Updater with a TaskEngine sized concurrency (zero for
// runtime.NumCPU(), per spec §5). showProgress drives a terminal progress
// bar across the run, for interactive callers.
func New(settings store.Settings, concurrency int, logger diag.Logger, showProgress bool) *Updater {
	e := engine.New(concurrency)
	e.ShowProgress = showProgress
	e.Label = "Updating"
	return &Updater{
		Settings: settings,
		Engine:   e,
		Logger:   logger,
	}
}

// Run applies every job's TES to its tile and commits the rewritten
// blobs through tx, in receipt order.
func (u *Updater) Run(ctx context.Context, jobs []Job, tx store.FeatureStoreTx) (engine.Stats, error) {
	tasks := make([]engine.Task, len(jobs))
	for i, j := range jobs {
		j := j
		tasks[i] = engine.Task{
			Tip: int(j.Tip),
			Run: func(ctx context.Context) (engine.Result, error) {
				return u.updateOne(j)
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

	stats, err := u.Engine.Run(ctx, tasks, commit)
	if err != nil {
		return stats, err
	}
	if err := tx.Commit(); err != nil {
		return stats, err
	}
	return stats, nil
}

// updateOne runs the full update path for one tile: read, apply TES,
// reindex, re-layout, rewrite.
func (u *Updater) updateOne(j Job) (engine.Result, error) {
	res, err := tilereader.Read(j.Tile)
	if err != nil {
		return engine.Result{}, err
	}

	tesResult, err := tes.Apply(res.Model, j.TES)
	if err != nil {
		return engine.Result{}, err
	}
	if !tesResult.Diagnostics.Empty() {
		u.Logger.ForTile(int(j.Tip)).Warnf("%d diagnostics: %v", tesResult.Diagnostics.Len(), tesResult.Diagnostics.Err())
	}

	ix := index.Indexer{Settings: u.Settings, Bounds: j.Bounds}
	if err := ix.Build(res.Model, res.Header); err != nil {
		return engine.Result{}, err
	}

	head := layout.Build(res.Model, res.Header)
	blob, err := tilewriter.Write(head)
	if err != nil {
		return engine.Result{}, err
	}

	return engine.Result{Tip: int(j.Tip), Blob: blob}, nil
}
