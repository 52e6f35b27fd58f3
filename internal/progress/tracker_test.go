package progress

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
	tr := NewTracker(clock)
	assert.Zero(t, tr.Snapshot())
	assert.Zero(t, tr.Elapsed())

	tr.Start("run-1", crawler.ModeToday, 1)
	tr.PageDone(1, 20, 20, 20, crawler.Decision{Continue: true, Reason: "fresh_postings"})
	tr.PageDone(2, 20, 5, 25, crawler.Decision{Reason: "no_fresh_postings"})
	tr.Finish(nil)

	got := tr.Snapshot()
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.CurrentPage)
	assert.Equal(t, 2, got.PagesFetched)
	assert.Equal(t, 40, got.PostingsSeen)
	assert.Equal(t, 25, got.NewRecords)
	assert.Equal(t, 25, got.IndexSize)
	assert.Equal(t, "no_fresh_postings", got.LastDecision)
	assert.True(t, got.Done)
	assert.Empty(t, got.Error)
	assert.Equal(t, 3*time.Second, tr.Elapsed())
}

func TestTrackerFinishWithError(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&stepClock{})
	tr.Start("run-2", crawler.ModeAll, 3)
	tr.Finish(errors.New("fetch page 3: boom"))

	got := tr.Snapshot()
	assert.True(t, got.Done)
	assert.Equal(t, "fetch page 3: boom", got.Error)
	assert.Equal(t, 3, got.CurrentPage)

	tr.Start("run-3", crawler.ModeAll, 1)
	assert.Empty(t, tr.Snapshot().Error)
}

func TestTrackerConcurrentReads(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&stepClock{})
	tr.Start("run", crawler.ModeToday, 1)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.PageDone(i, 1, 1, i, crawler.Decision{Continue: true})
		}()
		go func() {
			defer wg.Done()
			_ = tr.Snapshot()
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, tr.Snapshot().PagesFetched)
}
