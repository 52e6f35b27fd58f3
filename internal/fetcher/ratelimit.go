package fetcher

import (
	"context"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// RateLimited is a crawler.Fetcher that takes a token from limiter before
// every attempt, so retries count against the host budget too.
type RateLimited struct {
	next    crawler.Fetcher
	limiter Waiter
}

// NewRateLimited wraps next.
func NewRateLimited(next crawler.Fetcher, limiter Waiter) *RateLimited {
	return &RateLimited{next: next, limiter: limiter}
}

// Fetch implements crawler.Fetcher.
func (f *RateLimited) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	return f.next.Fetch(ctx, req)
}
