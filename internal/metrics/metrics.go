// Package metrics exposes Prometheus collectors for the crawl engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal          *prometheus.CounterVec
	fetchAttemptsTotal  *prometheus.CounterVec
	itemsTotal          prometheus.Counter
	errorsTotal         *prometheus.CounterVec
	cacheLookupsTotal   *prometheus.CounterVec
	frontierDropped     *prometheus.CounterVec
	frontierSize        prometheus.Gauge
	activeWorkers       prometheus.Gauge
	rateLimitDelays     prometheus.Histogram
	fetchDuration       prometheus.Histogram
	checkpointsTotal    *prometheus.CounterVec
	batchesFlushedTotal prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kumo_pages_total",
				Help: "Pages fetched, labeled by status class.",
			},
			[]string{"status"},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kumo_fetch_attempts_total",
				Help: "Transport calls, labeled by outcome (ok, timeout, transient).",
			},
			[]string{"outcome"},
		)

		itemsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kumo_items_extracted_total",
				Help: "Records handed to the output pipeline.",
			},
		)

		errorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kumo_errors_total",
				Help: "Per-page failures, labeled by kind.",
			},
			[]string{"kind"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kumo_cache_lookups_total",
				Help: "Response cache lookups, labeled by result (hit, miss).",
			},
			[]string{"result"},
		)

		frontierDropped = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kumo_frontier_dropped_total",
				Help: "URLs rejected or evicted by the frontier, labeled by reason.",
			},
			[]string{"reason"},
		)

		frontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kumo_frontier_size",
				Help: "Requests waiting in the frontier.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "kumo_active_workers",
				Help: "Workers currently processing a request.",
			},
		)

		rateLimitDelays = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kumo_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a rate limit token.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		fetchDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kumo_fetch_duration_seconds",
				Help:    "Duration of a single transport call.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		checkpointsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kumo_checkpoints_total",
				Help: "Checkpoint writes, labeled by result.",
			},
			[]string{"result"},
		)

		batchesFlushedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "kumo_batches_flushed_total",
				Help: "Batch files written by the output pipeline.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// StatusClass buckets an HTTP status code into 2xx, 3xx, 4xx, 5xx or "error"
// for status 0 (no response).
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "error"
	}
}

// ObservePage records one completed fetch by status class.
func ObservePage(statusCode int) {
	Init()
	pagesTotal.WithLabelValues(StatusClass(statusCode)).Inc()
}

// ObserveFetchAttempt records one transport call and its duration.
func ObserveFetchAttempt(outcome string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
	fetchDuration.Observe(duration.Seconds())
}

// ObserveItem records one extracted record.
func ObserveItem() {
	Init()
	itemsTotal.Inc()
}

// ObserveError records a per-page failure.
func ObserveError(kind string) {
	Init()
	errorsTotal.WithLabelValues(kind).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveFrontierDrop records URLs the frontier refused or evicted.
func ObserveFrontierDrop(reason string, n int) {
	Init()
	frontierDropped.WithLabelValues(reason).Add(float64(n))
}

// SetFrontierSize publishes the current queue length.
func SetFrontierSize(n int) {
	Init()
	frontierSize.Set(float64(n))
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
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelays.Observe(duration.Seconds())
}

// ObserveCheckpoint records a checkpoint write.
func ObserveCheckpoint(err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointsTotal.WithLabelValues(result).Inc()
}

// ObserveBatchFlush records one batch file written.
func ObserveBatchFlush() {
	Init()
	batchesFlushedTotal.Inc()
}
