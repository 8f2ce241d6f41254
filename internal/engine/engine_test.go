package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRunCommitsEveryResultExactlyOnce(t *testing.T) {
	e := New(4)

	const n = 50
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = Task{
			Tip: i,
			Run: func(ctx context.Context) (Result, error) {
				return Result{Tip: i, Blob: []byte{byte(i)}}, nil
			},
		}
	}

	var mu sync.Mutex
	seen := make(map[int]bool, n)
	stats, err := e.Run(context.Background(), tasks, func(r Result) error {
		mu.Lock()
		defer mu.Unlock()
		if seen[r.Tip] {
			t.Fatalf("tip %d committed twice", r.Tip)
		}
		seen[r.Tip] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("committed %d results, want %d", len(seen), n)
	}
	if stats.TileCount != n {
		t.Fatalf("TileCount = %d, want %d", stats.TileCount, n)
	}
}

func TestRunPropagatesFirstTaskError(t *testing.T) {
	e := New(2)
	boom := errors.New("boom")

	tasks := []Task{
		{Tip: 1, Run: func(ctx context.Context) (Result, error) { return Result{}, boom }},
		{Tip: 2, Run: func(ctx context.Context) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}},
	}

	_, err := e.Run(context.Background(), tasks, func(r Result) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
}

func TestRunPropagatesCommitError(t *testing.T) {
	e := New(1)
	boom := errors.New("commit boom")

	tasks := []Task{
		{Tip: 1, Run: func(ctx context.Context) (Result, error) { return Result{Tip: 1}, nil }},
	}

	_, err := e.Run(context.Background(), tasks, func(r Result) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
}

func TestRunDefaultsConcurrencyWhenUnset(t *testing.T) {
	e := New(0)
	_, err := e.Run(context.Background(), nil, func(r Result) error { return nil })
	if err != nil {
		t.Fatalf("Run with no tasks: %v", err)
	}
}

func TestRunWithShowProgressStillCommitsEveryResult(t *testing.T) {
	e := New(2)
	e.ShowProgress = true
	e.Label = "Testing"

	const n = 10
	tasks := make([]Task, n)
	for i := 0; i < n; i++ {
		i := i
		tasks[i] = Task{Tip: i, Run: func(ctx context.Context) (Result, error) {
			return Result{Tip: i}, nil
		}}
	}

	var mu sync.Mutex
	seen := make(map[int]bool, n)
	_, err := e.Run(context.Background(), tasks, func(r Result) error {
		mu.Lock()
		defer mu.Unlock()
		seen[r.Tip] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("committed %d results, want %d", len(seen), n)
	}
}

func TestRunCountsMalformedAsEmptyTiles(t *testing.T) {
	e := New(2)
	tasks := []Task{
		{Tip: 1, Run: func(ctx context.Context) (Result, error) { return Result{Tip: 1, Malformed: true}, nil }},
	}
	stats, err := e.Run(context.Background(), tasks, func(r Result) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.EmptyTiles != 1 || stats.TileCount != 0 {
		t.Fatalf("stats = %+v, want EmptyTiles=1 TileCount=0", stats)
	}
}
