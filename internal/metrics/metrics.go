// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

var (
	engineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawler_engine_state",
			Help: "1 for the engine's current lifecycle state, 0 otherwise.",
		},
		[]string{"state"},
	)

	inFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_in_flight_requests",
			Help: "Requests dispatched but not yet fully processed.",
		},
	)

	requestsScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_requests_scheduled_total",
			Help: "Requests accepted by the scheduler.",
		},
	)

	requestsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_requests_dropped_total",
			Help: "Requests rejected by the scheduler (duplicates or overflow).",
		},
	)

	crawlerPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Total number of responses received, labeled by site and status class.",
		},
		[]string{"site", "status"},
	)

	crawlerBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Total number of bytes fetched, labeled by site.",
		},
		[]string{"site"},
	)

	fetchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_fetch_failures_total",
			Help: "Terminal fetch failures, labeled by kind.",
		},
		[]string{"kind"},
	)

	fetchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_fetch_duration_seconds",
			Help:    "Histogram of download latencies, labeled by fetch backend.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_items_total",
			Help: "Items leaving the pipeline, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	spiderIdleTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_spider_idle_total",
			Help: "spider_idle signals sent.",
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Requests re-enqueued by the retry middleware, labeled by reason.",
		},
		[]string{"reason"},
	)

	processorActiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_processor_active_bytes",
			Help: "Bytes of responses currently held by the processor.",
		},
	)

	crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
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
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetEngineState moves the state gauge from one state to another.
func SetEngineState(from, to string) {
	if from != "" {
		engineState.WithLabelValues(from).Set(0)
	}
	engineState.WithLabelValues(to).Set(1)
}

// SetInFlight records the size of the in-flight set.
func SetInFlight(n int) {
	inFlightRequests.Set(float64(n))
}

// ObserveScheduled counts a request accepted by the scheduler.
func ObserveScheduled() {
	requestsScheduledTotal.Inc()
}

// ObserveDropped counts a request rejected by the scheduler.
func ObserveDropped() {
	requestsDroppedTotal.Inc()
}

// ObserveResponse records a response by site and status class.
func ObserveResponse(rawURL string, status int, bytesFetched int) {
	site := crawler.SiteOf(rawURL)
	crawlerPagesTotal.WithLabelValues(site, StatusClass(status)).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveFailure counts a terminal fetch failure.
func ObserveFailure(kind crawler.FailureKind) {
	fetchFailuresTotal.WithLabelValues(string(kind)).Inc()
}

// ObserveFetchDuration records how long one download took.
func ObserveFetchDuration(backend string, d time.Duration) {
	fetchDurationSeconds.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveItem counts an item outcome: scraped, dropped or error.
func ObserveItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveIdle counts a spider_idle signal.
func ObserveIdle() {
	spiderIdleTotal.Inc()
}

// ObserveRetry counts a retried request.
func ObserveRetry(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}

// SetProcessorActiveBytes records the processor backlog.
func SetProcessorActiveBytes(n int64) {
	processorActiveBytes.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// StatusClass buckets an HTTP status code as "2xx", "3xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
