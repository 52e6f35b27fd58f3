// Package pipeline runs one sync: paginate the listing, extract postings,
// journal and merge them into the index, and write snapshots at the end.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
	"github.com/JakeFAU/jobboard-sync/internal/index"
	"github.com/JakeFAU/jobboard-sync/internal/logging"
	"github.com/JakeFAU/jobboard-sync/internal/metrics"
	"github.com/JakeFAU/jobboard-sync/internal/progress"
)

// ReasonMaxPages is the stop reason when the page cap is reached.
const ReasonMaxPages = "max_pages"

// Index is the merged record store the loop writes through.
type Index interface {
	Upsert(p crawler.Posting, observedAt time.Time) (index.UpsertResult, error)
	Get(id string) (crawler.JobRecord, bool)
	Len() int
	Records() []crawler.JobRecord
	Persist(ctx context.Context) error
}

// EventAppender journals raw observations.
type EventAppender interface {
	Append(ctx context.Context, events []crawler.Event) error
}

// SnapshotWriter writes the end-of-run JSON and CSV views.
type SnapshotWriter interface {
	Write(ctx context.Context, records []crawler.JobRecord) error
}

// Uploader copies finished artifacts somewhere remote.
type Uploader interface {
	Upload(ctx context.Context, runDate time.Time) ([]string, error)
}

// Config holds the invocation parameters of one run.
type Config struct {
	Mode      crawler.Mode
	BaseURL   string
	StartPage int
	// MaxPages caps pages per run; zero means no cap.
	MaxPages int
	Delay    time.Duration
	// SummaryTopic is passed to the Publisher; empty selects its default topic.
	SummaryTopic string
}

// Deps are the collaborators of a Runner. Mirror, Uploader, Publisher and
// Tracker are optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Extractor crawler.Extractor
	Policy    crawler.StopPolicy
	Index     Index
	Events    EventAppender
	Snapshots SnapshotWriter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Pauser    crawler.Pauser

	Mirror    crawler.RecordMirror
	Uploader  Uploader
	Publisher crawler.Publisher
	Tracker   *progress.Tracker
	Logger    *zap.Logger
}

// Runner executes sync runs.
type Runner struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New validates deps and builds a Runner.
func New(cfg Config, deps Deps) (*Runner, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Policy == nil:
		return nil, errors.New("stop policy is required")
	case deps.Index == nil:
		return nil, errors.New("index is required")
	case deps.Events == nil:
		return nil, errors.New("event log is required")
	case deps.Snapshots == nil:
		return nil, errors.New("snapshot writer is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Pauser == nil {
		deps.Pauser = crawler.TimerPauser{}
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(deps.Clock)
	}
	if cfg.StartPage < 1 {
		cfg.StartPage = 1
	}
	return &Runner{cfg: cfg, deps: deps, log: logging.Named(deps.Logger, "pipeline")}, nil
}

// Progress reports the live state of the current or last run.
func (r *Runner) Progress() crawler.Progress {
	return r.deps.Tracker.Snapshot()
}

// Tracker exposes the progress tracker for the HTTP surface.
func (r *Runner) Tracker() *progress.Tracker {
	return r.deps.Tracker
}

// Run paginates from the start page until the stop policy, the page cap, an
// error or ctx ends the loop. Snapshots are only written when the loop ends
// without error.
func (r *Runner) Run(ctx context.Context) (summary crawler.RunSummary, err error) {
	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return summary, fmt.Errorf("generate run id: %w", err)
	}
	summary = crawler.RunSummary{
		RunID:     runID,
		Mode:      r.cfg.Mode,
		StartPage: r.cfg.StartPage,
		StartedAt: r.deps.Clock.Now(),
	}
	log := r.log.With(zap.String("run_id", runID), zap.String("mode", string(r.cfg.Mode)))
	r.deps.Tracker.Start(runID, r.cfg.Mode, r.cfg.StartPage)
	log.Info("sync started", zap.String("base_url", r.cfg.BaseURL), zap.Int("start_page", r.cfg.StartPage))

	defer func() {
		summary.FinishedAt = r.deps.Clock.Now()
		summary.IndexSize = r.deps.Index.Len()
		r.deps.Tracker.Finish(err)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ObserveRun(string(r.cfg.Mode), result)
	}()

	for page := r.cfg.StartPage; ; page++ {
		decision, err := r.processPage(ctx, log, runID, page, &summary)
		if err != nil {
			log.Error("sync failed", zap.Int("page", page), zap.Error(err))
			return summary, err
		}
		if decision.Continue && r.cfg.MaxPages > 0 && summary.PagesFetched >= r.cfg.MaxPages {
			decision = crawler.Decision{Reason: ReasonMaxPages}
		}
		if !decision.Continue {
			summary.StopReason = decision.Reason
			break
		}
		if err := r.deps.Pauser.Pause(ctx, r.cfg.Delay); err != nil {
			return summary, fmt.Errorf("pause after page %d: %w", page, err)
		}
	}

	if err := r.deps.Snapshots.Write(ctx, r.deps.Index.Records()); err != nil {
		return summary, fmt.Errorf("write snapshots: %w", err)
	}
	r.upload(ctx, log, summary.StartedAt)
	summary.FinishedAt = r.deps.Clock.Now()
	summary.IndexSize = r.deps.Index.Len()
	log.Info("sync finished",
		zap.Int("pages", summary.PagesFetched),
		zap.Int("postings", summary.PostingsSeen),
		zap.Int("new", summary.NewRecords),
		zap.Int("updated", summary.UpdatedRecords),
		zap.Int("index_size", summary.IndexSize),
		zap.String("reason", summary.StopReason),
	)
	r.publish(ctx, log, summary)
	return summary, nil
}

func (r *Runner) processPage(
	ctx context.Context,
	log *zap.Logger,
	runID string,
	page int,
	summary *crawler.RunSummary,
) (crawler.Decision, error) {
	pageURL := crawler.PageURL(r.cfg.BaseURL, page)
	started := time.Now()
	resp, err := r.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Page: page})
	if err != nil {
		metrics.ObservePage(pageURL, "error", 0, time.Since(started))
		return crawler.Decision{}, fmt.Errorf("fetch page %d: %w", page, err)
	}
	summary.LastPage = page
	summary.PagesFetched++

	postings := r.deps.Extractor.Extract(resp.Body, pageURL)
	now := r.deps.Clock.Now()

	events := make([]crawler.Event, 0, len(postings))
	for _, p := range postings {
		events = append(events, crawler.Event{ObservedAt: now, RunID: runID, Page: page, Posting: p})
	}
	if err := r.deps.Events.Append(ctx, events); err != nil {
		return crawler.Decision{}, fmt.Errorf("append events for page %d: %w", page, err)
	}

	var newRecords, updated int
	merged := make([]crawler.JobRecord, 0, len(postings))
	for _, p := range postings {
		res, err := r.deps.Index.Upsert(p, now)
		if errors.Is(err, index.ErrEmptyID) {
			log.Warn("posting without id skipped", zap.Int("page", page), zap.String("job_title", p.JobTitle))
			continue
		}
		if err != nil {
			return crawler.Decision{}, fmt.Errorf("upsert posting %s: %w", p.ID, err)
		}
		if res.IsNew {
			newRecords++
		} else {
			updated++
		}
		if rec, ok := r.deps.Index.Get(p.ID); ok {
			merged = append(merged, rec)
		}
	}
	if err := r.deps.Index.Persist(ctx); err != nil {
		return crawler.Decision{}, fmt.Errorf("persist index after page %d: %w", page, err)
	}
	summary.PostingsSeen += len(postings)
	summary.NewRecords += newRecords
	summary.UpdatedRecords += updated
	metrics.ObserveUpserts(newRecords, updated)
	metrics.SetIndexRecords(r.deps.Index.Len())

	r.mirror(ctx, log, page, merged)

	decision := r.deps.Policy.Decide(postings)
	metrics.ObservePage(pageURL, "ok", len(postings), time.Since(started))
	r.deps.Tracker.PageDone(page, len(postings), newRecords, r.deps.Index.Len(), decision)
	log.Info("page processed",
		zap.Int("page", page),
		zap.String("url", pageURL),
		zap.Int("postings", len(postings)),
		zap.Int("new", newRecords),
		zap.Int("updated", updated),
		zap.Bool("continue", decision.Continue),
		zap.String("reason", decision.Reason),
	)
	return decision, nil
}

func (r *Runner) mirror(ctx context.Context, log *zap.Logger, page int, records []crawler.JobRecord) {
	if r.deps.Mirror == nil || len(records) == 0 {
		return
	}
	if err := r.deps.Mirror.UpsertRecords(ctx, records); err != nil {
		metrics.ObserveMirrorFailure("postgres")
		log.Warn("mirror upsert failed", zap.Int("page", page), zap.Error(err))
	}
}

func (r *Runner) upload(ctx context.Context, log *zap.Logger, runDate time.Time) {
	if r.deps.Uploader == nil {
		return
	}
	if _, err := r.deps.Uploader.Upload(ctx, runDate); err != nil {
		metrics.ObserveMirrorFailure("gcs")
		log.Warn("snapshot upload failed", zap.Error(err))
	}
}

func (r *Runner) publish(ctx context.Context, log *zap.Logger, summary crawler.RunSummary) {
	if r.deps.Publisher == nil {
		return
	}
	msgID, err := r.deps.Publisher.Publish(ctx, r.cfg.SummaryTopic, summary)
	if err != nil {
		metrics.ObserveMirrorFailure("pubsub")
		log.Warn("run summary publish failed", zap.Error(err))
		return
	}
	log.Debug("run summary published", zap.String("message_id", msgID))
}
