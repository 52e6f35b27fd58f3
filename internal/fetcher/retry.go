// Package fetcher wraps single-attempt fetchers in decorators that add
// retries, host rate limits or a headless fallback.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
	"github.com/JakeFAU/jobboard-sync/internal/metrics"
)

// LinearRetryPolicy allows Attempts total tries and waits Backoff×n after
// the n-th failed attempt.
type LinearRetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// MaxAttempts returns the attempt budget, at least one.
func (p LinearRetryPolicy) MaxAttempts() int {
	return max(p.Attempts, 1)
}

// ShouldRetry reports whether another attempt follows failed attempt n (1-based).
func (p LinearRetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts()
}

// Delay returns the pause after failed attempt n (1-based).
func (p LinearRetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt <= 0 {
		return 0
	}
	return p.Backoff * time.Duration(attempt)
}

// Retrying is a crawler.Fetcher that retries any failed attempt, whether a
// transport error, a per-attempt timeout or a non-success status.
type Retrying struct {
	next   crawler.Fetcher
	policy LinearRetryPolicy
	pauser crawler.Pauser
	logger *zap.Logger
}

// NewRetrying wraps next. A nil pauser uses crawler.TimerPauser.
func NewRetrying(next crawler.Fetcher, policy LinearRetryPolicy, pauser crawler.Pauser, logger *zap.Logger) *Retrying {
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrying{next: next, policy: policy, pauser: pauser, logger: logger}
}

// Fetch runs attempts until one succeeds, the budget is spent or ctx ends.
// Failures return *crawler.FetchError wrapping the last attempt's error.
func (r *Retrying) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := r.next.Fetch(ctx, request)
		if err == nil {
			metrics.ObserveFetchAttempt(metrics.AttemptSuccess)
			return resp, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.ObserveFetchAttempt(metrics.AttemptCanceled)
			return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Attempts: attempt, Err: ctxErr}
		}
		if !r.policy.ShouldRetry(attempt) {
			metrics.ObserveFetchAttempt(metrics.AttemptFailed)
			return crawler.FetchResponse{}, &crawler.FetchError{URL: request.URL, Attempts: attempt, Err: lastErr}
		}

		metrics.ObserveFetchAttempt(metrics.AttemptRetry)
		delay := r.policy.Delay(attempt)
		r.logger.Warn("fetch attempt failed, retrying",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts()),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := r.pauser.Pause(ctx, delay); err != nil {
			return crawler.FetchResponse{}, &crawler.FetchError{
				URL:      request.URL,
				Attempts: attempt,
				Err:      fmt.Errorf("retry backoff: %w", err),
			}
		}
	}
}
