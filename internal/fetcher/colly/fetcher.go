// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// DefaultTimeout bounds one attempt when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// DefaultMaxBodyBytes caps a response body when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 32 << 20

// ErrBodyTooLarge is returned when a body reaches the size cap. colly
// truncates at the cap, so such a page may have lost its trailing cards.
var ErrBodyTooLarge = errors.New("response body reached size limit")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds a single GET, not a retry sequence.
	Timeout time.Duration
	// MaxBodyBytes caps the body read per response.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Each call is
// exactly one GET; retries belong to the caller.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newRobotsFallbackTransport(newHTTPTransport()))
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. Non-2xx responses return a
// *crawler.StatusError alongside the response.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	collector := f.buildCollector()
	f.configureCollectorHooks(collector, request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	if len(result.Body) >= f.cfg.MaxBodyBytes {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w (%d bytes)", request.URL, ErrBodyTooLarge, f.cfg.MaxBodyBytes)
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return result, &crawler.StatusError{URL: request.URL, Code: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// Retries visit the same URL again; the clone shares the visited store.
	collector.AllowURLRevisit = true
	// Error statuses reach OnResponse so they surface as StatusError.
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.MaxBodySize = f.cfg.MaxBodyBytes
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
