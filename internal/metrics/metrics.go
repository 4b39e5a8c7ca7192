// Package metrics exposes Prometheus collectors for the ingestion pipeline.
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
	sourcesPolledTotal        *prometheus.CounterVec
	itemsDetectedTotal        prometheus.Counter
	queueEntriesTotal         *prometheus.CounterVec
	activeWorkers             prometheus.Gauge
	rateLimitDelaysSeconds    *prometheus.HistogramVec
	cycleDurationSeconds      prometheus.Histogram
	extractionDurationSeconds prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourcesPolledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedhound_sources_polled_total",
				Help: "Total number of source polls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		itemsDetectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "feedhound_items_detected_total",
				Help: "Total number of newly detected items.",
			},
		)

		queueEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedhound_queue_entries_total",
				Help: "Total number of queue entries reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "feedhound_active_workers",
				Help: "Number of workers currently processing an extraction.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedhound_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by resource.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"resource"},
		)

		cycleDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedhound_cycle_duration_seconds",
				Help:    "Histogram of full poll+drain cycle durations.",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		)

		extractionDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "feedhound_extraction_duration_seconds",
				Help:    "Histogram of extraction collaborator call durations.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSourcePoll increments the poll counter for the given outcome.
func ObserveSourcePoll(outcome string) {
	Init()
	sourcesPolledTotal.WithLabelValues(outcome).Inc()
}

// ObserveItemsDetected adds newly detected items to the counter.
func ObserveItemsDetected(count int) {
	Init()
	if count > 0 {
		itemsDetectedTotal.Add(float64(count))
	}
}

// ObserveQueueTerminal increments the terminal-state counter for a status.
func ObserveQueueTerminal(status string) {
	Init()
	queueEntriesTotal.WithLabelValues(status).Inc()
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
func ObserveRateLimitDelay(resource string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(resource).Observe(duration.Seconds())
}

// ObserveCycleDuration records one orchestrator cycle.
func ObserveCycleDuration(duration time.Duration) {
	Init()
	cycleDurationSeconds.Observe(duration.Seconds())
}

// ObserveExtractionDuration records one extraction collaborator call.
func ObserveExtractionDuration(duration time.Duration) {
	Init()
	extractionDurationSeconds.Observe(duration.Seconds())
}
