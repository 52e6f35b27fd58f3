// Package headless fetches script-rendered listing pages with headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/jobboard-sync/internal/crawler"
)

// DefaultTimeout bounds one navigation when Config.Timeout is zero.
const DefaultTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	UserAgent string
	// Timeout bounds a single navigation.
	Timeout time.Duration
	// WaitSelector must match before the DOM is captured. Defaults to "body".
	WaitSelector string
	// Settle is an extra pause after WaitSelector matches so late scripts
	// can finish rendering cards.
	Settle time.Duration
}

// Fetcher implements crawler.Fetcher using chromedp. One browser process is
// shared by every Fetch; each call opens its own tab.
type Fetcher struct {
	cfg         Config
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	started       bool
}

// New starts a browser allocator. The browser itself launches lazily on the
// first Fetch.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "body"
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return &Fetcher{
		cfg:           cfg,
		allocator:     allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browserCancel()
	f.allocCancel()
	return nil
}

// browser returns the shared browser context, launching Chrome on first use.
// A failed launch is retried on the next call with a fresh context.
func (f *Fetcher) browser() (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return f.browserCtx, nil
	}
	if err := f.allocator.Err(); err != nil {
		return nil, fmt.Errorf("headless fetcher closed: %w", err)
	}
	if err := chromedp.Run(f.browserCtx); err != nil {
		f.browserCancel()
		f.browserCtx, f.browserCancel = chromedp.NewContext(f.allocator)
		return nil, fmt.Errorf("start browser: %w", err)
	}
	f.started = true
	return f.browserCtx, nil
}

// Fetch navigates to the page and returns the rendered DOM. A document
// status of 400 or above returns a *crawler.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	browserCtx, err := f.browser()
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	// Cancelling a tab context closes the tab, not the browser.
	taskCtx, taskCancel := chromedp.NewContext(browserCtx)
	defer taskCancel()
	// Tie the tab to the caller so cancellation closes it.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.Timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctxErr)
		}
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	resp := crawler.FetchResponse{
		URL:          responseURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}
	if status >= http.StatusBadRequest {
		return resp, &crawler.StatusError{URL: request.URL, Code: status}
	}
	return resp, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.WaitSelector, chromedp.ByQuery),
	}
	if f.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta records the main document response seen by the tab.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Redirect hops arrive first; the last document response wins.
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
