// Package metrics exposes Prometheus collectors for the crawler service.
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
	crawlerTasksTotal          *prometheus.CounterVec
	crawlerRecordsTotal        *prometheus.CounterVec
	crawlerFetchSeconds        *prometheus.HistogramVec
	crawlerGovernorWaitSeconds *prometheus.HistogramVec
	crawlerCircuitOpen         *prometheus.GaugeVec
	crawlerActiveWorkers       prometheus.Gauge
	crawlerRunsTotal           *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_tasks_total",
				Help: "Total number of finished tasks, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		crawlerRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_records_total",
				Help: "Total number of processed records, labeled by source and verdict.",
			},
			[]string{"source", "verdict"},
		)

		crawlerFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by source.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"source"},
		)

		crawlerGovernorWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_governor_wait_seconds",
				Help:    "Histogram of rate governor admission waits, labeled by source.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		crawlerCircuitOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_circuit_open",
				Help: "Whether the per-source circuit breaker is currently open.",
			},
			[]string{"source"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a task.",
			},
		)

		crawlerRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_runs_total",
				Help: "Total number of crawl runs, labeled by trigger and status.",
			},
			[]string{"trigger", "status"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask increments the task counter for one terminal outcome.
func ObserveTask(source, outcome string) {
	crawlerTasksTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveRecord increments the record counter for one verdict.
func ObserveRecord(source, verdict string) {
	crawlerRecordsTotal.WithLabelValues(source, verdict).Inc()
}

// ObserveFetch records the latency of one fetch attempt.
func ObserveFetch(source string, duration time.Duration) {
	crawlerFetchSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveGovernorWait records how long admission to a source took.
func ObserveGovernorWait(source string, duration time.Duration) {
	crawlerGovernorWaitSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// SetCircuitOpen flips the breaker gauge for a source.
func SetCircuitOpen(source string, open bool) {
	value := 0.0
	if open {
		value = 1.0
	}
	crawlerCircuitOpen.WithLabelValues(source).Set(value)
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveRun increments the run counter for the given trigger and status.
func ObserveRun(trigger, status string) {
	crawlerRunsTotal.WithLabelValues(trigger, status).Inc()
}
