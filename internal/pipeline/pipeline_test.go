package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
	"github.com/JakeFAU/jobboard-sync/internal/eventlog"
	"github.com/JakeFAU/jobboard-sync/internal/extract"
	"github.com/JakeFAU/jobboard-sync/internal/fetcher"
	collyfetcher "github.com/JakeFAU/jobboard-sync/internal/fetcher/colly"
	"github.com/JakeFAU/jobboard-sync/internal/index"
	"github.com/JakeFAU/jobboard-sync/internal/policy/stop"
	pubmemory "github.com/JakeFAU/jobboard-sync/internal/publisher/memory"
	"github.com/JakeFAU/jobboard-sync/internal/snapshot"
	"github.com/JakeFAU/jobboard-sync/internal/storage/local"
	"github.com/JakeFAU/jobboard-sync/internal/storage/memory"
)

const baseURL = "https://jobs.example.com/startups"

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type recordingPauser struct {
	delays []time.Duration
	err    error
}

func (p *recordingPauser) Pause(_ context.Context, d time.Duration) error {
	p.delays = append(p.delays, d)
	return p.err
}

// pageFetcher serves canned listing pages keyed by page number.
type pageFetcher struct {
	pages   map[int]string
	failOn  int
	fetched []int
}

func (f *pageFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.fetched = append(f.fetched, req.Page)
	if req.Page == f.failOn {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, Attempts: 3, Err: errors.New("connection reset")}
	}
	body, ok := f.pages[req.Page]
	if !ok {
		body = listing(req.Page, 0, "")
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

type failingMirror struct{ calls int }

func (m *failingMirror) UpsertRecords(context.Context, []crawler.JobRecord) error {
	m.calls++
	return errors.New("connection refused")
}

func listing(page, n int, posted string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := range n {
		fmt.Fprintf(&b, `<div class="job-card"><a href="/jobs/p%d-%d"><h3>Role %d</h3></a><span class="posted">%s</span></div>`,
			page, i, i, posted)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type harness struct {
	dir       string
	fetcher   *pageFetcher
	pauser    *recordingPauser
	publisher *pubmemory.Publisher
	clock     *stepClock
	ids       *seqIDs
}

func newHarness(t *testing.T, pages map[int]string) *harness {
	t.Helper()
	return &harness{
		dir:       t.TempDir(),
		fetcher:   &pageFetcher{pages: pages},
		pauser:    &recordingPauser{},
		publisher: pubmemory.New(),
		clock:     newClock(),
		ids:       &seqIDs{},
	}
}

func (h *harness) runner(t *testing.T, cfg Config, mutate func(*Deps)) *Runner {
	t.Helper()
	ctx := context.Background()
	blobs, err := local.New(local.Config{BaseDir: h.dir})
	require.NoError(t, err)
	idx, err := index.Open(ctx, blobs, index.FileName, nil)
	require.NoError(t, err)
	events, err := eventlog.New(filepath.Join(h.dir, eventlog.FileName))
	require.NoError(t, err)
	policy, err := stop.New(cfg.Mode, 180)
	require.NoError(t, err)

	deps := Deps{
		Fetcher:   h.fetcher,
		Extractor: extract.New(extract.DefaultSelectors()),
		Policy:    policy,
		Index:     idx,
		Events:    events,
		Snapshots: snapshot.NewWriter(blobs, nil),
		Clock:     h.clock,
		IDs:       h.ids,
		Pauser:    h.pauser,
		Publisher: h.publisher,
		Logger:    zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&deps)
	}
	r, err := New(cfg, deps)
	require.NoError(t, err)
	return r
}

func readIndex(t *testing.T, dir string) map[string]crawler.JobRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, index.FileName))
	require.NoError(t, err)
	out := map[string]crawler.JobRecord{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func todayCfg() Config {
	return Config{Mode: crawler.ModeToday, BaseURL: baseURL, StartPage: 1, Delay: 250 * time.Millisecond}
}

func TestRunTodayStopsAfterStalePage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{
		1: listing(1, 20, "Posted today"),
		2: listing(2, 20, "12 days ago"),
	})
	r := h.runner(t, todayCfg(), nil)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, h.fetcher.fetched)
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 2, summary.PagesFetched)
	assert.Equal(t, 2, summary.LastPage)
	assert.Equal(t, 40, summary.PostingsSeen)
	assert.Equal(t, 40, summary.NewRecords)
	assert.Zero(t, summary.UpdatedRecords)
	assert.Equal(t, 40, summary.IndexSize)
	assert.Equal(t, stop.ReasonNoFreshPostings, summary.StopReason)
	assert.True(t, summary.FinishedAt.After(summary.StartedAt))
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, h.pauser.delays)

	idx := readIndex(t, h.dir)
	assert.Len(t, idx, 40)
	rec, ok := idx["https://jobs.example.com/jobs/p1-0"]
	require.True(t, ok)
	assert.Equal(t, "Role 0", rec.JobTitle)
	assert.Equal(t, crawler.Age(0), rec.PostedAgeDays)
	days, known := idx["https://jobs.example.com/jobs/p2-3"].PostedAgeDays.Days()
	assert.True(t, known)
	assert.Equal(t, 12, days)

	assert.Equal(t, 40, countLines(t, filepath.Join(h.dir, eventlog.FileName)))
	assert.FileExists(t, filepath.Join(h.dir, snapshot.JSONFile))
	assert.Equal(t, 41, countLines(t, filepath.Join(h.dir, snapshot.CSVFile)))

	progress := r.Progress()
	assert.True(t, progress.Done)
	assert.Equal(t, 2, progress.PagesFetched)
	assert.Equal(t, stop.ReasonNoFreshPostings, progress.LastDecision)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	published, ok := msgs[0].Payload.(crawler.RunSummary)
	require.True(t, ok)
	assert.Equal(t, summary.RunID, published.RunID)
}

func TestRunSecondRunKeepsCreatedAt(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{
		1: listing(1, 3, "Posted today"),
		2: listing(2, 3, "30 days ago"),
	})
	_, err := h.runner(t, todayCfg(), nil).Run(context.Background())
	require.NoError(t, err)
	first := readIndex(t, h.dir)

	summary, err := h.runner(t, todayCfg(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.NewRecords)
	assert.Equal(t, 6, summary.UpdatedRecords)
	assert.Equal(t, "run-2", summary.RunID)

	second := readIndex(t, h.dir)
	require.Len(t, second, 6)
	for id, rec := range second {
		assert.Equal(t, first[id].CreatedAt, rec.CreatedAt, id)
		assert.True(t, rec.UpdatedAt.After(first[id].UpdatedAt), id)
	}
	assert.Equal(t, 12, countLines(t, filepath.Join(h.dir, eventlog.FileName)))
}

func TestRunFetchFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{1: listing(1, 2, "Posted today")})
	h.fetcher.failOn = 2
	r := h.runner(t, todayCfg(), nil)

	summary, err := r.Run(context.Background())
	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 3, fetchErr.Attempts)
	assert.Equal(t, 1, summary.PagesFetched)

	assert.Len(t, readIndex(t, h.dir), 2)
	assert.NoFileExists(t, filepath.Join(h.dir, snapshot.JSONFile))
	assert.NoFileExists(t, filepath.Join(h.dir, snapshot.CSVFile))
	assert.Empty(t, h.publisher.Messages())

	progress := r.Progress()
	assert.True(t, progress.Done)
	assert.Contains(t, progress.Error, "fetch page 2")
}

func TestRunMirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{1: listing(1, 2, "5 days ago")})
	mirror := &failingMirror{}
	r := h.runner(t, todayCfg(), func(d *Deps) { d.Mirror = mirror })

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mirror.calls)
	assert.Equal(t, 2, summary.IndexSize)
	assert.FileExists(t, filepath.Join(h.dir, snapshot.CSVFile))
}

func TestRunPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{1: listing(1, 1, "3 days ago")})
	h.publisher.FailWith(errors.New("topic deleted"))
	_, err := h.runner(t, todayCfg(), nil).Run(context.Background())
	require.NoError(t, err)
}

func TestRunUploadsSnapshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{1: listing(1, 1, "3 days ago")})
	remote := memory.NewBlobStore()
	r := h.runner(t, todayCfg(), func(d *Deps) {
		src, err := local.New(local.Config{BaseDir: h.dir})
		require.NoError(t, err)
		d.Uploader = snapshot.NewUploader(src, remote, map[string]string{
			index.FileName:    "application/json",
			snapshot.JSONFile: "application/json",
			snapshot.CSVFile:  "text/csv",
		}, nil)
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, remote.Paths(), "latest/jobs.csv")
	assert.Contains(t, remote.Paths(), "2026-10-19/index.json")
}

func TestRunMaxPages(t *testing.T) {
	t.Parallel()

	pages := map[int]string{}
	for p := 1; p <= 10; p++ {
		pages[p] = listing(p, 2, "Posted today")
	}
	h := newHarness(t, pages)
	cfg := Config{Mode: crawler.ModeAll, BaseURL: baseURL, StartPage: 4, MaxPages: 3}
	summary, err := h.runner(t, cfg, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{4, 5, 6}, h.fetcher.fetched)
	assert.Equal(t, ReasonMaxPages, summary.StopReason)
	assert.Equal(t, 6, summary.LastPage)
	assert.Len(t, h.pauser.delays, 2)
}

func TestRunNoCardsWritesEmptySnapshots(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	summary, err := h.runner(t, todayCfg(), nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stop.ReasonNoCards, summary.StopReason)
	assert.Empty(t, h.pauser.delays)

	data, err := os.ReadFile(filepath.Join(h.dir, snapshot.JSONFile))
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
	data, err = os.ReadFile(filepath.Join(h.dir, index.FileName))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestRunCanceledDuringPause(t *testing.T) {
	t.Parallel()

	h := newHarness(t, map[int]string{1: listing(1, 1, "Posted today")})
	h.pauser.err = context.Canceled
	_, err := h.runner(t, todayCfg(), nil).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(h.dir, snapshot.JSONFile))
	assert.Len(t, readIndex(t, h.dir), 1)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.EqualError(t, err, "fetcher is required")

	h := newHarness(t, nil)
	r := h.runner(t, Config{Mode: crawler.ModeToday}, func(d *Deps) {
		d.Pauser = nil
		d.Tracker = nil
	})
	assert.Equal(t, 1, r.cfg.StartPage)
	assert.NotNil(t, r.Tracker())
}

func TestRunOverHTTP(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var served []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		mu.Lock()
		served = append(served, page)
		mu.Unlock()
		switch page {
		case "1":
			_, _ = w.Write([]byte(listing(1, 20, "Posted today"))) //nolint:errcheck // test server
		case "2":
			_, _ = w.Write([]byte(listing(2, 20, "10 days ago"))) //nolint:errcheck // test server
		default:
			t.Errorf("unexpected page %q", page)
		}
	}))
	t.Cleanup(server.Close)

	h := newHarness(t, nil)
	pauser := &recordingPauser{}
	retrying := fetcher.NewRetrying(
		collyfetcher.New(collyfetcher.Config{UserAgent: "jobboard-sync-test", Timeout: 5 * time.Second}),
		fetcher.LinearRetryPolicy{Attempts: 2, Backoff: time.Millisecond},
		pauser,
		nil,
	)
	cfg := Config{Mode: crawler.ModeToday, BaseURL: server.URL + "/startups", StartPage: 1}
	summary, err := h.runner(t, cfg, func(d *Deps) { d.Fetcher = retrying }).Run(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2"}, served)
	assert.Equal(t, 40, summary.NewRecords)
	assert.Len(t, readIndex(t, h.dir), 40)
}
