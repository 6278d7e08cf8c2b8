package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for fulfillment requests.
const (
	OutcomeQueued             = "queued"
	OutcomeReplayed           = "replayed"
	OutcomeValidation         = "validation_error"
	OutcomeInsufficientCredit = "insufficient_credit"
	OutcomeBillingFailed      = "billing_failed"
	OutcomeQueueFailed        = "queue_failed"
	OutcomeRequestClosed      = "request_closed"
	OutcomeInternal           = "internal_error"
)

// Metrics holds the Prometheus collectors of the service.
type Metrics struct {
	FulfillmentOutcomes  *prometheus.CounterVec
	OverageCharges       *prometheus.CounterVec
	Compensations        *prometheus.CounterVec
	ReversalFailures     prometheus.Counter
	BestEffortFailures   *prometheus.CounterVec
	WebhookEvents        *prometheus.CounterVec
	WebhookGrantFailures prometheus.Counter
	RecoveredSessions    *prometheus.CounterVec
	ReconciliationGaps   prometheus.Counter
	QueuePublishDuration prometheus.Histogram
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		FulfillmentOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelforge_fulfillment_requests_total",
				Help: "Fulfillment requests by outcome",
			},
			[]string{"outcome", "payment_source"},
		),
		OverageCharges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelforge_overage_charges_total",
				Help: "Overage charge attempts by tier and result",
			},
			[]string{"tier", "result"},
		),
		Compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelforge_compensations_total",
				Help: "Compensating actions by kind and result",
			},
			[]string{"kind", "result"},
		),
		ReversalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_overage_reversal_failures_total",
			Help: "Overage reversals that failed and need manual reconciliation",
		}),
		BestEffortFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelforge_best_effort_failures_total",
				Help: "Non-fatal side effects that failed",
			},
			[]string{"task"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelforge_webhook_events_total",
				Help: "Processor webhook deliveries by provider and result",
			},
			[]string{"provider", "result"},
		),
		WebhookGrantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_webhook_grant_failures_total",
			Help: "Recorded webhook events whose credit grant failed",
		}),
		RecoveredSessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelforge_recovered_sessions_total",
				Help: "Stuck sessions failed by the recovery sweep",
			},
			[]string{"payment_source"},
		),
		ReconciliationGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelforge_reconciliation_gaps_total",
			Help: "Sessions that could not be compensated automatically",
		}),
		QueuePublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelforge_queue_publish_duration_seconds",
			Help:    "Latency of work queue publishes",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.FulfillmentOutcomes,
		m.OverageCharges,
		m.Compensations,
		m.ReversalFailures,
		m.BestEffortFailures,
		m.WebhookEvents,
		m.WebhookGrantFailures,
		m.RecoveredSessions,
		m.ReconciliationGaps,
		m.QueuePublishDuration,
	)
	return m
}

// NewUnregistered returns collectors that are not exported anywhere.
func NewUnregistered() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
