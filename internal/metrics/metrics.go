// Package metrics exposes Prometheus collectors for the collector service.
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
	ingestionsTotal            *prometheus.CounterVec
	ingestedBytesTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	fetchCacheTotal            *prometheus.CounterVec
	fetchesTotal               *prometheus.CounterVec
	lockWaitSeconds            *prometheus.HistogramVec
	cleanupDeletedTotal        prometheus.Counter
	mirrorTotal                *prometheus.CounterVec
	intakeActiveWorkers        prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_ingestions_total",
				Help: "Total number of ingestion attempts, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		ingestedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_ingested_bytes_total",
				Help: "Total bytes stored by new artifacts, labeled by site.",
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

		fetchCacheTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetch_cache_total",
				Help: "Fetch cache lookups, labeled by result (hit, miss).",
			},
			[]string{"result"},
		)

		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_fetches_total",
				Help: "Network fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		lockWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_lock_wait_seconds",
				Help:    "Time spent waiting for a mutation lock, labeled by result.",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"result"},
		)

		cleanupDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "collector_cleanup_deleted_total",
				Help: "Artifacts evicted by retention cleanup.",
			},
		)

		mirrorTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_mirror_total",
				Help: "Secondary sync attempts, labeled by status.",
			},
			[]string{"status"},
		)

		intakeActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "collector_intake_active_workers",
				Help: "Number of intake workers currently processing an event.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "collector_rate_limit_delays_seconds",
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
	return promhttp.Handler()
}

// ObserveIngestion counts one ingestion attempt.
func ObserveIngestion(kind string, outcome string) {
	Init()
	ingestionsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveStoredBytes records bytes written by a new artifact version.
func ObserveStoredBytes(sourceURL string, size int64) {
	Init()
	if size > 0 {
		ingestedBytesTotal.WithLabelValues(SanitizeSite(sourceURL)).Add(float64(size))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveCacheLookup records a fetch cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	fetchCacheTotal.WithLabelValues(result).Inc()
}

// ObserveFetch records a network fetch and its HTTP status (0 for transport errors).
func ObserveFetch(rawURL string, status int) {
	Init()
	fetchesTotal.WithLabelValues(SanitizeSite(rawURL), strconv.Itoa(status)).Inc()
}

// ObserveLockWait records how long a caller waited for a key.
func ObserveLockWait(result string, waited time.Duration) {
	Init()
	lockWaitSeconds.WithLabelValues(result).Observe(waited.Seconds())
}

// ObserveCleanup adds evicted artifacts to the cleanup counter.
func ObserveCleanup(deleted int) {
	Init()
	if deleted > 0 {
		cleanupDeletedTotal.Add(float64(deleted))
	}
}

// ObserveMirror counts a secondary sync attempt.
func ObserveMirror(status string) {
	Init()
	mirrorTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	intakeActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	intakeActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
