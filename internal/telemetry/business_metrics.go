package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics holds Prometheus metrics for business-level
// observability of the order lifecycle.
type BusinessMetrics struct {
	// Orders
	OrdersCreated    *prometheus.CounterVec
	OrderValue       *prometheus.HistogramVec
	OrderTransitions *prometheus.CounterVec

	// Payments
	PaymentsCaptured *prometheus.CounterVec
	PaymentValue     *prometheus.HistogramVec
	PaymentsFailed   *prometheus.CounterVec

	// Refunds
	RefundsIssued *prometheus.CounterVec
	RefundAmount  *prometheus.CounterVec

	// Webhooks
	WebhookReceived   *prometheus.CounterVec
	WebhookDuplicates *prometheus.CounterVec
	WebhookDeadLetter *prometheus.CounterVec

	// Outbox relay
	EventsDispatched *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec

	// Reconciliation
	ReconcileRuns        prometheus.Counter
	ReconcileResolved    *prometheus.CounterVec
	StaleOrdersCancelled prometheus.Counter
}

// NewBusinessMetrics creates and registers all business metrics.
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	if namespace == "" {
		namespace = "skadi"
	}
	subsystem := "business"

	return &BusinessMetrics{
		OrdersCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "orders_created_total",
				Help:      "Total orders created through checkout",
			},
			[]string{"currency"},
		),
		OrderValue: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_value_cents",
				Help:      "Distribution of order totals in cents",
				Buckets:   prometheus.ExponentialBuckets(500, 2.5, 10),
			},
			[]string{"currency"},
		),
		OrderTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "order_transitions_total",
				Help:      "Total order status transitions",
			},
			[]string{"from", "to"},
		),
		PaymentsCaptured: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_captured_total",
				Help:      "Total payments captured",
			},
			[]string{"currency"},
		),
		PaymentValue: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payment_value_cents",
				Help:      "Distribution of captured payment amounts in cents",
				Buckets:   prometheus.ExponentialBuckets(500, 2.5, 10),
			},
			[]string{"currency"},
		),
		PaymentsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "payments_failed_total",
				Help:      "Total payment failures by provider code",
			},
			[]string{"code"},
		),
		RefundsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refunds_issued_total",
				Help:      "Total refunds completed",
			},
			[]string{"currency"},
		),
		RefundAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "refund_amount_cents_total",
				Help:      "Total refunded amount in cents",
			},
			[]string{"currency"},
		),
		WebhookReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhooks_received_total",
				Help:      "Total webhook deliveries received",
			},
			[]string{"source", "kind"},
		),
		WebhookDuplicates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_duplicates_total",
				Help:      "Total duplicate webhook deliveries dropped",
			},
			[]string{"source"},
		),
		WebhookDeadLetter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "webhook_dead_letter_total",
				Help:      "Total webhook deliveries sent to the dead letter table",
			},
			[]string{"source"},
		),
		EventsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_dispatched_total",
				Help:      "Total order events relayed to the message bus",
			},
			[]string{"event_type"},
		),
		DispatchFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "event_dispatch_failures_total",
				Help:      "Total failed relay attempts to the message bus",
			},
			[]string{"event_type"},
		),
		ReconcileRuns: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_runs_total",
				Help:      "Total reconciliation sweeps",
			},
		),
		ReconcileResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconcile_resolved_total",
				Help:      "Total stale payments resolved by reconciliation",
			},
			[]string{"outcome"},
		),
		StaleOrdersCancelled: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "stale_orders_cancelled_total",
				Help:      "Total pending orders auto-cancelled past the payment window",
			},
		),
	}
}

// RecordOrderCreated counts a created order and its value.
func (m *BusinessMetrics) RecordOrderCreated(currency string, totalCents int64) {
	m.OrdersCreated.WithLabelValues(currency).Inc()
	m.OrderValue.WithLabelValues(currency).Observe(float64(totalCents))
}

// RecordOrderTransition counts a status change edge.
func (m *BusinessMetrics) RecordOrderTransition(from, to string) {
	m.OrderTransitions.WithLabelValues(from, to).Inc()
}

// RecordPaymentCaptured counts a captured payment and its value.
func (m *BusinessMetrics) RecordPaymentCaptured(currency string, amountCents int64) {
	m.PaymentsCaptured.WithLabelValues(currency).Inc()
	m.PaymentValue.WithLabelValues(currency).Observe(float64(amountCents))
}

// RecordPaymentFailed counts a payment failure by provider code.
func (m *BusinessMetrics) RecordPaymentFailed(code string) {
	if code == "" {
		code = "unknown"
	}
	m.PaymentsFailed.WithLabelValues(code).Inc()
}

// RecordRefundCompleted counts a completed refund and its amount.
func (m *BusinessMetrics) RecordRefundCompleted(currency string, amountCents int64) {
	m.RefundsIssued.WithLabelValues(currency).Inc()
	m.RefundAmount.WithLabelValues(currency).Add(float64(amountCents))
}
