// Package jobs runs the server's periodic maintenance work and records
// Prometheus metrics for each run.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exported metric names.
const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
	MetricBackgroundJobLastSuccess = "background_job_last_success_timestamp_seconds"
)

// Job types.
const (
	JobTypeIdempotencyCleanup = "idempotency_cleanup"
	JobTypeRateLimitCleanup   = "rate_limit_cleanup"
	JobTypeWebhookEventPrune  = "webhook_event_prune"
)

// Run outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Error classes recorded on MetricBackgroundJobErrorsTotal.
const (
	ErrorTypeTimeout   = "timeout"
	ErrorTypeCancelled = "cancelled"
	ErrorTypeFailed    = "error"
)

// Metrics records job runs. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	errors      *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics builds unregistered collectors; call Register before use.
func NewMetrics() *Metrics {
	return &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobsTotal,
			Help: "Background job runs by job type and outcome",
		}, []string{"job_type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBackgroundJobsDuration,
			Help:    "Background job run duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"job_type"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobErrorsTotal,
			Help: "Failed background job runs by job type and error class",
		}, []string{"job_type", "error_type"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricBackgroundJobLastSuccess,
			Help: "Unix time of the last successful run per job type",
		}, []string{"job_type"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.runs, m.duration, m.errors, m.lastSuccess} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRun records one finished run of jobType.
func (m *Metrics) ObserveRun(jobType string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(jobType).Observe(elapsed.Seconds())
	if err != nil {
		m.runs.WithLabelValues(jobType, StatusFailure).Inc()
		m.errors.WithLabelValues(jobType, classify(err)).Inc()
		return
	}
	m.runs.WithLabelValues(jobType, StatusSuccess).Inc()
	m.lastSuccess.WithLabelValues(jobType).SetToCurrentTime()
}

func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	default:
		return ErrorTypeFailed
	}
}
