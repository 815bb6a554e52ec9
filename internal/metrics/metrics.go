// Package metrics exposes Prometheus collectors for the monitor service.
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
	pagesCheckedTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	rendersTotal               *prometheus.CounterVec
	renderBudgetDenialsTotal   *prometheus.CounterVec
	changeEventsTotal          *prometheus.CounterVec
	extractionCoverage         *prometheus.HistogramVec
	llmFallbacksTotal          *prometheus.CounterVec
	classificationErrorsTotal  prometheus.Counter
	apiCandidatesTotal         *prometheus.CounterVec
	shellSuspectedTotal        *prometheus.CounterVec
	workerPanicsTotal          prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsFallbacksTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesCheckedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_pages_checked_total",
				Help: "Total number of page checks, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_fetch_bytes_total",
				Help: "Total number of bytes fetched by cheap checks, labeled by site.",
			},
			[]string{"site"},
		)

		rendersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_renders_total",
				Help: "Total number of full renders, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		renderBudgetDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_render_budget_denials_total",
				Help: "Renders skipped by the budget gate, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		changeEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_change_events_total",
				Help: "Change events emitted, labeled by site, event type and severity.",
			},
			[]string{"site", "event_type", "severity"},
		)

		extractionCoverage = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_extraction_coverage",
				Help:    "Mean coverage of extracted records per page, labeled by record kind and method.",
				Buckets: []float64{0.1, 0.2, 0.4, 0.6, 0.8, 0.9, 1},
			},
			[]string{"kind", "method"},
		)

		llmFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_llm_fallbacks_total",
				Help: "LLM fallback invocations, labeled by status.",
			},
			[]string{"status"},
		)

		classificationErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_classification_errors_total",
				Help: "Captured exchanges excluded because their body could not be parsed.",
			},
		)

		apiCandidatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_api_candidates_discovered_total",
				Help: "API candidates above the discovery threshold, labeled by site and data type.",
			},
			[]string{"site", "data_type"},
		)

		shellSuspectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_shell_suspected_total",
				Help: "Cheap checks that returned what looks like an unrendered SPA shell.",
			},
			[]string{"site"},
		)

		workerPanicsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "monitor_worker_panics_total",
				Help: "Page pipelines that panicked and were recovered.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "monitor_active_workers",
				Help: "Number of workers currently processing a page.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "monitor_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_robots_fallbacks_total",
				Help: "Fetches that proceeded as allow-all because robots.txt was unreachable.",
			},
			[]string{"reason"},
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
	return promhttp.Handler()
}

// ObservePageCheck counts one finished page pipeline.
func ObservePageCheck(siteID, outcome string, bytesFetched int) {
	Init()
	pagesCheckedTotal.WithLabelValues(siteID, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(siteID).Add(float64(bytesFetched))
	}
}

// ObserveRender counts one render attempt.
func ObserveRender(siteID, status string) {
	Init()
	rendersTotal.WithLabelValues(siteID, status).Inc()
}

// ObserveBudgetDenial counts a render skipped by the budget gate.
func ObserveBudgetDenial(siteID, reason string) {
	Init()
	renderBudgetDenialsTotal.WithLabelValues(siteID, reason).Inc()
}

// ObserveChangeEvent counts one emitted change event.
func ObserveChangeEvent(siteID, eventType, severity string) {
	Init()
	changeEventsTotal.WithLabelValues(siteID, eventType, severity).Inc()
}

// ObserveExtraction records the coverage of one record kind on one page.
func ObserveExtraction(kind, method string, coverage float64) {
	Init()
	extractionCoverage.WithLabelValues(kind, method).Observe(coverage)
}

// ObserveLLMFallback counts one LLM fallback attempt.
func ObserveLLMFallback(status string) {
	Init()
	llmFallbacksTotal.WithLabelValues(status).Inc()
}

// ObserveClassificationErrors adds n unparseable exchanges.
func ObserveClassificationErrors(n int) {
	if n <= 0 {
		return
	}
	Init()
	classificationErrorsTotal.Add(float64(n))
}

// ObserveAPICandidate counts one discovered API candidate.
func ObserveAPICandidate(siteID, dataType string) {
	Init()
	apiCandidatesTotal.WithLabelValues(siteID, dataType).Inc()
}

// ObserveShellSuspected counts a cheap check flagged as an SPA shell.
func ObserveShellSuspected(siteID string) {
	Init()
	shellSuspectedTotal.WithLabelValues(siteID).Inc()
}

// ObserveWorkerPanic counts one recovered pipeline panic.
func ObserveWorkerPanic() {
	Init()
	workerPanicsTotal.Inc()
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

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
