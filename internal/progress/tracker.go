// Package progress keeps the live state of the current sync run so the HTTP
// surface can report it while the pipeline is busy.
package progress

import (
	"sync"
	"time"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// Tracker is a mutex-guarded crawler.Progress. The zero value is not usable;
// call NewTracker.
type Tracker struct {
	mu    sync.RWMutex
	clock crawler.Clock
	state crawler.Progress
}

// NewTracker builds a Tracker stamping updates with clock.
func NewTracker(clock crawler.Clock) *Tracker {
	return &Tracker{clock: clock}
}

// Start resets the tracker for a new run.
func (t *Tracker) Start(runID string, mode crawler.Mode, startPage int) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = crawler.Progress{
		RunID:       runID,
		Mode:        mode,
		CurrentPage: startPage,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// PageDone records the outcome of one processed page.
func (t *Tracker) PageDone(page, postings, newRecords, indexSize int, decision crawler.Decision) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.CurrentPage = page
	t.state.PagesFetched++
	t.state.PostingsSeen += postings
	t.state.NewRecords += newRecords
	t.state.IndexSize = indexSize
	t.state.LastDecision = decision.Reason
	t.state.UpdatedAt = now
}

// Finish marks the run done. A non-nil err is kept as text.
func (t *Tracker) Finish(err error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Done = true
	if err != nil {
		t.state.Error = err.Error()
	}
	t.state.UpdatedAt = now
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() crawler.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Elapsed reports how long the current run has been going.
func (t *Tracker) Elapsed() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.state.StartedAt.IsZero() {
		return 0
	}
	return t.state.UpdatedAt.Sub(t.state.StartedAt)
}
