package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/jobboard-sync/internal/config"
	"github.com/JakeFAU/jobboard-sync/internal/eventlog"
	"github.com/JakeFAU/jobboard-sync/internal/extract"
	"github.com/JakeFAU/jobboard-sync/internal/index"
	"github.com/JakeFAU/jobboard-sync/internal/lock"
	"github.com/JakeFAU/jobboard-sync/internal/snapshot"
)

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posted := "Posted today"
		if r.URL.Query().Get("page") != "1" {
			posted = "14 days ago"
		}
		var b strings.Builder
		for i := range 3 {
			fmt.Fprintf(&b, `<div class="job-card"><a href="/jobs/%s-%d"><h2>Job %d</h2></a><span class="posted">%s</span></div>`,
				r.URL.Query().Get("page"), i, i, posted)
		}
		_, _ = w.Write([]byte("<html><body>" + b.String() + "</body></html>")) //nolint:errcheck // test server
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	return config.Config{
		Mode:       "today",
		BaseURL:    baseURL + "/startups",
		StartPage:  1,
		MaxAgeDays: 180,
		OutDir:     t.TempDir(),
		Fetch: config.FetchConfig{
			TimeoutMS:      5000,
			Retries:        2,
			RetryBackoffMS: 1,
			UserAgent:      "jobboard-sync-test",
		},
		Extract: extract.DefaultSelectors(),
	}
}

func TestBuildAndRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, listingServer(t).URL)
	app, err := Build(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(app.Close)

	summary, err := app.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PagesFetched)
	assert.Equal(t, 6, summary.NewRecords)
	assert.NotEmpty(t, summary.RunID)

	for _, name := range []string{index.FileName, eventlog.FileName, snapshot.JSONFile, snapshot.CSVFile} {
		assert.FileExists(t, filepath.Join(cfg.OutDir, name))
	}
	assert.True(t, app.Runner().Progress().Done)
}

func TestBuildRefusesLockedOutDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	held, err := lock.Acquire(cfg.OutDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release() })

	_, err = Build(context.Background(), cfg, nil)
	require.ErrorIs(t, err, lock.ErrLocked)
}

func TestBuildReleasesLockOnFailure(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mode = "weekly"
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "stop policy init failed")

	cfg.Mode = "all"
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	app.Close()
}

func TestRunFailsOnUnreachableSource(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://127.0.0.1:1")
	app, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(app.Close)

	_, err = app.Run(context.Background())
	require.ErrorContains(t, err, "fetch page 1")
	_, statErr := os.Stat(filepath.Join(cfg.OutDir, snapshot.JSONFile))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}
