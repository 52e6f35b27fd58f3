// Package metrics exposes Prometheus collectors for sync runs.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch attempt outcomes.
const (
	AttemptSuccess  = "success"
	AttemptRetry    = "retry"
	AttemptFailed   = "exhausted"
	AttemptCanceled = "canceled"
)

var (
	pagesTotal                 *prometheus.CounterVec
	fetchAttemptsTotal         *prometheus.CounterVec
	postingsTotal              *prometheus.CounterVec
	upsertsTotal               *prometheus.CounterVec
	indexRecords               prometheus.Gauge
	pageDurationSeconds        prometheus.Histogram
	mirrorFailuresTotal        *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	robotsFallbackTotal        prometheus.Counter
	headlessPromotionsTotal    prometheus.Counter
	rateLimitWaitSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsync_pages_total",
				Help: "Listing pages processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsync_fetch_attempts_total",
				Help: "Fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		postingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsync_postings_total",
				Help: "Postings extracted, labeled by site.",
			},
			[]string{"site"},
		)

		upsertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsync_upserts_total",
				Help: "Index upserts, labeled by kind (new or updated).",
			},
			[]string{"kind"},
		)

		indexRecords = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobsync_index_records",
				Help: "Records in the index after the last persisted page.",
			},
		)

		pageDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jobsync_page_duration_seconds",
				Help:    "Wall time to fetch, extract and merge one page.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		mirrorFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsync_mirror_failures_total",
				Help: "Failures writing to optional mirrors, labeled by target.",
			},
			[]string{"target"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobsync_runs_total",
				Help: "Finished runs, labeled by mode and result.",
			},
			[]string{"mode", "result"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobsync_robots_fallback_total",
				Help: "robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		headlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobsync_headless_promotions_total",
				Help: "Static responses that were refetched with a headless browser.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobsync_rate_limit_wait_seconds",
				Help:    "Time spent waiting for a per-host rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage records one processed page.
func ObservePage(pageURL string, status string, postings int, duration time.Duration) {
	Init()
	site := SanitizeSite(pageURL)
	pagesTotal.WithLabelValues(site, status).Inc()
	if postings > 0 {
		postingsTotal.WithLabelValues(site).Add(float64(postings))
	}
	pageDurationSeconds.Observe(duration.Seconds())
}

// ObserveFetchAttempt counts one fetch attempt by outcome.
func ObserveFetchAttempt(outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpserts records the new and updated counts from one page.
func ObserveUpserts(newRecords, updatedRecords int) {
	Init()
	upsertsTotal.WithLabelValues("new").Add(float64(newRecords))
	upsertsTotal.WithLabelValues("updated").Add(float64(updatedRecords))
}

// SetIndexRecords sets the index size gauge.
func SetIndexRecords(n int) {
	Init()
	indexRecords.Set(float64(n))
}

// ObserveMirrorFailure counts a failed write to an optional mirror.
func ObserveMirrorFailure(target string) {
	Init()
	mirrorFailuresTotal.WithLabelValues(target).Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(mode string, result string) {
	Init()
	runsTotal.WithLabelValues(mode, result).Inc()
}

// ObserveHeadlessPromotion counts one page refetched with a browser.
func ObserveHeadlessPromotion() {
	Init()
	headlessPromotionsTotal.Inc()
}

// ObserveRateLimitWait records a non-trivial rate limit wait for host.
func ObserveRateLimitWait(host string, waited time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(host).Observe(waited.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe answered with allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
