package payment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricPaymentTransitionsTotal  = "payment_transitions_total"
	MetricPaymentOperationsTotal   = "payment_operations_total"
	MetricPaymentGatewayDuration   = "payment_gateway_duration_seconds"
	MetricPaymentLinksGenerated = "payment_links_generated_total"
)

// Outcome labels for payment_operations_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics contains Prometheus metrics for ledger operations.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions     *prometheus.CounterVec
	operations      *prometheus.CounterVec
	gatewayDuration *prometheus.HistogramVec
	linksGenerated  *prometheus.CounterVec
}

// NewMetrics creates payment metrics. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPaymentTransitionsTotal,
				Help: "Total number of payment state transitions by source state, target state and operation",
			},
			[]string{"from", "to", "op"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPaymentOperationsTotal,
				Help: "Total number of payment operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		gatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricPaymentGatewayDuration,
				Help:    "Histogram of payment gateway call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
			},
			[]string{"op"},
		),
		linksGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPaymentLinksGenerated,
				Help: "Total number of checkout links created by payment type",
			},
			[]string{"type"},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.operations,
		m.gatewayDuration,
		m.linksGenerated,
	}
}

func (m *Metrics) incTransition(from, to Status, op string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to), op).Inc()
}

func (m *Metrics) incOperation(op string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) observeGateway(op string, seconds float64) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) incLinkGenerated(t Type) {
	if m == nil {
		return
	}
	m.linksGenerated.WithLabelValues(string(t)).Inc()
}
