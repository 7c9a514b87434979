package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exported metric names.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
)

var (
	routeLabels     = []string{"method", "path", "status"}
	rateLimitLabels = []string{"endpoint", "key_type"}

	// 100 B up to 10 MB, the receipt upload ceiling.
	sizeBuckets = prometheus.ExponentialBuckets(100, 10, 6)
)

// Metrics holds the HTTP and rate limiting collectors. Every method is a
// no-op on a nil *Metrics.
type Metrics struct {
	limitChecks  *prometheus.CounterVec
	limitBlocked *prometheus.CounterVec
	redisErrors  prometheus.Counter

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	requestSize  *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
}

// NewMetrics builds unregistered collectors.
func NewMetrics() *Metrics {
	counter := func(name, help string, labels []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, routeLabels)
	}

	return &Metrics{
		limitChecks:  counter(MetricRateLimitRequests, "Requests checked against a rate limit", rateLimitLabels),
		limitBlocked: counter(MetricRateLimitBlocked, "Requests rejected with 429", rateLimitLabels),
		redisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Rate limit checks that failed open because Redis was unavailable",
		}),
		requests:     counter(MetricHTTPRequestsTotal, "HTTP requests by route and status", routeLabels),
		latency:      histogram(MetricHTTPRequestDuration, "HTTP request latency in seconds", []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}),
		requestSize:  histogram(MetricHTTPRequestSizeBytes, "HTTP request body size in bytes", sizeBuckets),
		responseSize: histogram(MetricHTTPResponseSizeBytes, "HTTP response body size in bytes", sizeBuckets),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests counts a rate limit check. keyType is "actor" or "ip".
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	if m != nil {
		m.limitChecks.WithLabelValues(endpoint, keyType).Inc()
	}
}

// IncRateLimitBlocked counts a rejected request.
func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	if m != nil {
		m.limitBlocked.WithLabelValues(endpoint, keyType).Inc()
	}
}

// IncRateLimitRedisErrors counts a fail-open decision.
func (m *Metrics) IncRateLimitRedisErrors() {
	if m != nil {
		m.redisErrors.Inc()
	}
}

// ObserveHTTPRequest records one request against its normalized route.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, seconds float64, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, path, status).Inc()
	m.latency.WithLabelValues(method, path, status).Observe(seconds)
	m.requestSize.WithLabelValues(method, path, status).Observe(float64(requestSize))
	m.responseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))
}

// Collectors lists every collector owned by m.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.limitChecks,
		m.limitBlocked,
		m.redisErrors,
		m.requests,
		m.latency,
		m.requestSize,
		m.responseSize,
	}
}
