package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// ErrDisallowed is returned when robots.txt forbids the requested path.
var ErrDisallowed = errors.New("disallowed by robots.txt")

const robotsTimeout = 10 * time.Second

// RobotsGuard is a crawler.Fetcher that consults the host's robots.txt
// before delegating. It exists for fetchers that, unlike colly, have no
// robots support of their own. Rules are cached per host for the life of
// the guard; an unreachable or failing (5xx) robots.txt allows the fetch.
type RobotsGuard struct {
	next      crawler.Fetcher
	client    *http.Client
	userAgent string
	logger    *zap.Logger
	cache     sync.Map
}

// NewRobotsGuard wraps next. A nil client gets a 10s timeout client.
func NewRobotsGuard(next crawler.Fetcher, client *http.Client, userAgent string, logger *zap.Logger) *RobotsGuard {
	if client == nil {
		client = &http.Client{Timeout: robotsTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsGuard{next: next, client: client, userAgent: userAgent, logger: logger}
}

// Fetch implements crawler.Fetcher.
func (g *RobotsGuard) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("parse url: %w", err)
	}
	if !g.allowed(ctx, parsed) {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, ErrDisallowed)
	}
	return g.next.Fetch(ctx, req)
}

func (g *RobotsGuard) allowed(ctx context.Context, parsed *url.URL) bool {
	data, err := g.load(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return group.Test(target)
}

func (g *RobotsGuard) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if cached, ok := g.cache.Load(hostKey); ok {
		data, ok := cached.(*robotstxt.RobotsData)
		if !ok {
			return nil, fmt.Errorf("robots cache type mismatch: %T", cached)
		}
		return data, nil
	}

	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	// robotstxt reads 5xx as disallow-all; a failing robots.txt is treated
	// like an unreachable one and left uncached.
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	g.cache.Store(hostKey, data)
	return data, nil
}
