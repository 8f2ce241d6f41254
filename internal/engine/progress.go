package engine

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Progress renders an in-place terminal progress bar for a run, refreshed
// at a fixed interval and safe for concurrent Increment calls. TaskEngine.Run
// constructs and drives one itself, from its own commit-draining goroutine,
// whenever TaskEngine.ShowProgress is set; cmd/golbuild's and cmd/golupdate's
// -verbose flags are what turn it on.
//
// Adapted from the teacher's internal/tile.progressBar, generalized from
// "tiles for one zoom level" to "tasks for one run".
type Progress struct {
	total     int64
	processed atomic.Int64
	label     string
	barWidth  int
	start     time.Time
	done      chan struct{}
	mu        sync.Mutex
}

// NewProgress starts a progress bar labeled label, expecting total items.
func NewProgress(label string, total int64) *Progress {
	p := &Progress{
		total:    total,
		label:    label,
		barWidth: 30,
		start:    time.Now(),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Increment marks one more item as processed. Safe for concurrent use.
func (p *Progress) Increment() {
	p.processed.Add(1)
}

// Finish stops the refresh loop and prints the final bar state with a newline.
func (p *Progress) Finish() {
	close(p.done)
	p.draw()
	fmt.Fprint(os.Stderr, "\n")
}

func (p *Progress) run() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.draw()
		}
	}
}

func (p *Progress) draw() {
	p.mu.Lock()
	defer p.mu.Unlock()

	processed := p.processed.Load()
	total := p.total

	var frac float64
	if total > 0 {
		frac = float64(processed) / float64(total)
	}
	if frac > 1 {
		frac = 1
	}

	filled := int(float64(p.barWidth) * frac)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", p.barWidth-filled)

	elapsed := time.Since(p.start)
	rate := float64(0)
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(processed) / secs
	}

	fmt.Fprintf(os.Stderr, "\r%s [%s] %3.0f%%  %d/%d  %.0f/s  %s\033[K",
		p.label, bar, frac*100, processed, total, rate, formatDuration(elapsed))
}

func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) - m*60
	return fmt.Sprintf("%dm%02ds", m, s)
}
