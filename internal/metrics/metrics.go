// Package metrics exposes Prometheus gauges/counters for the scheduler and
// API, mirroring the teacher's own internal/metrics package (promauto +
// promhttp, a package-level var block of pre-registered collectors rather
// than a metrics struct threaded through call sites).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsSubmitted counts successful submissions.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gflow_jobs_submitted_total",
			Help: "Total number of jobs successfully submitted",
		},
	)

	// JobsByState tracks how many jobs currently sit in each state.
	JobsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gflow_jobs_by_state",
			Help: "Current number of jobs in each state",
		},
		[]string{"state"},
	)

	// JobsDispatched counts jobs transitioned Queued -> Running.
	JobsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gflow_jobs_dispatched_total",
			Help: "Total number of jobs dispatched to the executor",
		},
	)

	// JobsReaped counts terminal transitions by the reaper, split by the
	// terminal state reached.
	JobsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflow_jobs_reaped_total",
			Help: "Total number of jobs reaped, by terminal state",
		},
		[]string{"state"},
	)

	// JobsCascaded counts cascade-cancellations caused by a failed
	// dependency.
	JobsCascaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gflow_jobs_cascaded_total",
			Help: "Total number of jobs cancelled by cascade from a failed dependency",
		},
	)

	// GPUsBusy reports how many detected GPUs are currently assigned to a
	// Running job, whether or not they are still in the allowed set.
	GPUsBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gflow_gpus_busy",
			Help: "Current number of GPUs assigned to a running job",
		},
	)

	// GPUsAllowed reports the size of the current allowed-GPU set.
	GPUsAllowed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gflow_gpus_allowed",
			Help: "Current size of the allowed GPU set",
		},
	)

	// StoreMode reports the store's durability mode as a 3-way gauge: 0
	// normal, 1 recovery, 2 read-only (mirrors health's status string).
	StoreMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gflow_store_mode",
			Help: "Store durability mode: 0=normal 1=recovery 2=read_only",
		},
	)

	// TickDuration times each scheduler tick.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gflow_tick_duration_seconds",
			Help:    "Time taken to run one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	// APIRequests counts HTTP requests by method, path pattern, and status.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gflow_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIRequestDuration times HTTP requests by method and path pattern.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gflow_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records one completed HTTP request.
func RecordAPIRequest(method, route, statusCode string, seconds float64) {
	APIRequests.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
