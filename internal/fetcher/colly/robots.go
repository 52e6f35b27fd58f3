package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/jobboard-sync/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsFallbackTransport retries robots.txt probes that time out and, once
// the retries are spent, answers allow-all so a slow robots.txt cannot fail
// the listing fetch. Other requests pass straight through.
type robotsFallbackTransport struct {
	base  http.RoundTripper
	sleep func(context.Context, time.Duration) error
}

func newRobotsFallbackTransport(base http.RoundTripper) *robotsFallbackTransport {
	return &robotsFallbackTransport{base: base, sleep: sleepWithContext}
}

func (t *robotsFallbackTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return t.base.RoundTrip(req)
	}
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTimeout(err) {
			return nil, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt == len(robotsRetryBackoff) {
			metrics.ObserveRobotsFallback()
			return allowAllResponse(req), nil
		}
		if err := t.sleep(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt backoff: %w", err)
		}
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
