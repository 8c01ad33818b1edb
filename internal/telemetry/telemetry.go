// Package telemetry exposes Prometheus collectors for the collector service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_tasks_total",
			Help: "Total number of tasks executed, labeled by kind, status and error type.",
		},
		[]string{"kind", "status", "error_type"},
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_task_duration_seconds",
			Help:    "Histogram of task execution latencies, labeled by kind.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_runs_total",
			Help: "Total number of finished runs, labeled by final status.",
		},
		[]string{"status"},
	)

	runDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "collector_run_duration_seconds",
			Help:    "Histogram of run wall-clock times from start to finalization.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
	)

	itemsCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_items_collected_total",
			Help: "Total number of items collected, labeled by kind.",
		},
		[]string{"kind"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_active_workers",
			Help: "Number of workers currently executing a task.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_rate_limit_delays_seconds",
			Help:    "Histogram of per-job rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"job"},
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

// ObserveTask records one executed task attempt reaching a terminal or retry
// transition.
func ObserveTask(kind, status, errorType string, duration time.Duration) {
	if errorType == "" {
		errorType = "none"
	}
	tasksTotal.WithLabelValues(kind, status, errorType).Inc()
	taskDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveRun records a finalized run.
func ObserveRun(status string, duration time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		runDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveItems adds collected item counts for a task kind.
func ObserveItems(kind string, collected int) {
	if collected > 0 {
		itemsCollectedTotal.WithLabelValues(kind).Add(float64(collected))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(job string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
