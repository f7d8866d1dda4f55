// Package metrics exposes Prometheus collectors for the extraction
// pipeline: job outcomes, per-stage latency, extracted volume, and
// rate-budget wait time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts finished jobs.
	// Labels: source, outcome (completed/failed/requeued)
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datavault_jobs_processed_total",
			Help: "Total number of extraction jobs processed",
		},
		[]string{"source", "outcome"},
	)

	// JobDuration tracks end-to-end job duration in seconds.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datavault_job_duration_seconds",
			Help:    "End-to-end job duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 7200},
		},
		[]string{"source"},
	)

	// StageDuration tracks per-stage latency.
	// Labels: source, stage (extracting/packaging/uploading)
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datavault_stage_duration_seconds",
			Help:    "Per-stage job latency in seconds",
			Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"source", "stage"},
	)

	// ItemsExtracted counts items pulled from providers.
	ItemsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datavault_items_extracted_total",
			Help: "Total number of items extracted from providers",
		},
		[]string{"source"},
	)

	// BytesUploaded counts archive bytes published to object storage.
	BytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datavault_bytes_uploaded_total",
			Help: "Total archive bytes uploaded to object storage",
		},
		[]string{"source"},
	)

	// RateBudgetWait tracks how long extractors block on the shared
	// rate budget before a permit is granted.
	RateBudgetWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datavault_rate_budget_wait_seconds",
			Help:    "Time spent waiting for a rate budget permit",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 60, 300},
		},
		[]string{"source"},
	)

	// ActiveJobs tracks jobs currently held by this worker.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "datavault_active_jobs",
			Help: "Number of jobs currently being processed",
		},
	)

	// QueueRedeliveries counts jobs handed back for a retry.
	QueueRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datavault_queue_redeliveries_total",
			Help: "Total number of jobs requeued for retry",
		},
		[]string{"source"},
	)
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation and records it on Stop.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts timing against the given observer.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	t.observer.Observe(elapsed.Seconds())
	return elapsed
}
