// Package metrics exposes Prometheus collectors for the review crawler service.
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

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	crawlRunsTotal             *prometheus.CounterVec
	companyCrawlsTotal         *prometheus.CounterVec
	reviewsTotal               *prometheus.CounterVec
	feedPagesTotal             *prometheus.CounterVec
	credentialHarvestsTotal    *prometheus.CounterVec
	schedulerLocksTotal        *prometheus.CounterVec
	browserSessionsActive      prometheus.Gauge
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every helper below calls it.
func Init() {
	once.Do(func() {
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

		crawlRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviews_crawl_runs_total",
				Help: "Crawl invocations, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		companyCrawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviews_company_crawls_total",
				Help: "Per-company crawls, labeled by source and stop reason.",
			},
			[]string{"source", "stop"},
		)

		reviewsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviews_records_total",
				Help: "Review records handled, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		feedPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviews_feed_pages_total",
				Help: "Feed pages or intercepted payloads processed, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		credentialHarvestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviews_credential_harvests_total",
				Help: "Access token harvest attempts, labeled by result.",
			},
			[]string{"result"},
		)

		schedulerLocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reviews_scheduler_locks_total",
				Help: "Scheduled job lock attempts, labeled by job and result.",
			},
			[]string{"job", "result"},
		)

		browserSessionsActive = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reviews_browser_sessions_active",
				Help: "Number of headless browser processes currently running.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "reviews_active_workers",
				Help: "Number of dispatcher workers currently running a crawl.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reviews_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCrawlRun counts one crawl invocation.
func ObserveCrawlRun(source, result string) {
	Init()
	crawlRunsTotal.WithLabelValues(source, result).Inc()
}

// ObserveCompanyCrawl counts one company crawl by stop reason ("skipped" included).
func ObserveCompanyCrawl(source, stop string) {
	Init()
	companyCrawlsTotal.WithLabelValues(source, stop).Inc()
}

// ObserveReviews adds n records with the given outcome (accepted, persisted, conflict, failed).
func ObserveReviews(source, outcome string, n int) {
	if n <= 0 {
		return
	}
	Init()
	reviewsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveFeedPage counts one fetched page or intercepted payload.
func ObserveFeedPage(source, status string) {
	Init()
	feedPagesTotal.WithLabelValues(source, status).Inc()
}

// ObserveCredentialHarvest counts a token harvest by result (found, not_found, error).
func ObserveCredentialHarvest(result string) {
	Init()
	credentialHarvestsTotal.WithLabelValues(result).Inc()
}

// ObserveSchedulerLock counts a lock attempt by result (acquired, busy, error).
func ObserveSchedulerLock(job, result string) {
	Init()
	schedulerLocksTotal.WithLabelValues(job, result).Inc()
}

// IncBrowserSessions increments the browser sessions gauge.
func IncBrowserSessions() {
	Init()
	browserSessionsActive.Inc()
}

// DecBrowserSessions decrements the browser sessions gauge.
func DecBrowserSessions() {
	Init()
	browserSessionsActive.Dec()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
