package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CarrierErrors    *prometheus.CounterVec
	QuoteRetries     *prometheus.CounterVec
	Charges          *prometheus.CounterVec
	Refunds          *prometheus.CounterVec
	RefundFailures   *prometheus.CounterVec
	IdempotentHits   prometheus.Counter
	LowBalance       prometheus.Counter
	BalanceConflicts prometheus.Counter
	EventsPublished  *prometheus.CounterVec
}

// NewMetrics creates the service metrics on a fresh registry, so every
// instance (one per test, one per process) is independent.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_requests_total",
				Help: "Total number of requests by operation, carrier, and status",
			},
			[]string{"operation", "carrier", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shipgate_request_duration_seconds",
				Help:    "Request duration in seconds by operation and carrier",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "carrier"},
		),
		CarrierErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_carrier_errors_total",
				Help: "Total carrier API errors by carrier and error type",
			},
			[]string{"carrier", "error_type"},
		),
		QuoteRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_quote_retries_total",
				Help: "Quote attempts retried after a retryable carrier error",
			},
			[]string{"carrier"},
		),
		Charges: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_balance_charges_total",
				Help: "Balance charges by outcome",
			},
			[]string{"outcome"},
		),
		Refunds: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_balance_refunds_total",
				Help: "Balance refunds by reason",
			},
			[]string{"reason"},
		),
		RefundFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_balance_refund_failures_total",
				Help: "Compensating refunds that could not be applied",
			},
			[]string{"reason"},
		),
		IdempotentHits: f.NewCounter(prometheus.CounterOpts{
			Name: "shipgate_idempotent_hits_total",
			Help: "Label requests answered from a previous fulfillment",
		}),
		LowBalance: f.NewCounter(prometheus.CounterOpts{
			Name: "shipgate_low_balance_total",
			Help: "Charges that left a merchant under its minimum balance",
		}),
		BalanceConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "shipgate_balance_version_conflicts_total",
			Help: "Balance writes retried after a concurrent update",
		}),
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shipgate_events_published_total",
				Help: "Domain events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
	}
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(operation, carrier, status string, duration float64) {
	m.RequestsTotal.WithLabelValues(operation, carrier, status).Inc()
	m.RequestDuration.WithLabelValues(operation, carrier).Observe(duration)
}

// RecordError records a carrier error metric.
func (m *Metrics) RecordError(carrier, errorType string) {
	m.CarrierErrors.WithLabelValues(carrier, errorType).Inc()
}
