package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
	"github.com/JakeFAU/jobboard-sync/internal/metrics"
)

// Promoting fetches with a static fetcher and refetches with a browser when
// the Detector says the page is a client-rendered shell.
type Promoting struct {
	static   crawler.Fetcher
	browser  crawler.Fetcher
	detector *Detector
	logger   *zap.Logger
}

// NewPromoting builds a Promoting fetcher.
func NewPromoting(static, browser crawler.Fetcher, detector *Detector, logger *zap.Logger) *Promoting {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Promoting{static: static, browser: browser, detector: detector, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (p *Promoting) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := p.static.Fetch(ctx, request)
	if err != nil || p.browser == nil || !p.detector.NeedsBrowser(resp) {
		return resp, err
	}
	metrics.ObserveHeadlessPromotion()
	p.logger.Info("promoting page to headless fetch",
		zap.String("url", request.URL),
		zap.Int("page", request.Page),
		zap.Int("body_bytes", len(resp.Body)),
	)
	rendered, err := p.browser.Fetch(ctx, request)
	if err != nil {
		return rendered, fmt.Errorf("headless fetch: %w", err)
	}
	rendered.UsedHeadless = true
	return rendered, nil
}
