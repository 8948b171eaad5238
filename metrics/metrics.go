// Package metrics defines the Prometheus collectors shared by the
// transaction service, delivery engine, monitor, and schedulers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service emits. A nil *Metrics is
// safe to call, so components can be wired without observability in tests.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsCreated   prometheus.Counter
	TransactionsCompleted prometheus.Counter
	TransactionsFailed    prometheus.Counter
	TransactionsRetried   prometheus.Counter
	TransactionsTimedOut  prometheus.Counter
	Reconciliations       prometheus.Counter

	DeliveriesAttempted  prometheus.Counter
	DeliveriesDelivered  prometheus.Counter
	DeliveriesFailed     prometheus.Counter
	DeliveriesDeadLetter prometheus.Counter

	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec

	SweepDuration *prometheus.HistogramVec

	AnomaliesDetected prometheus.Counter
	AlertsDispatched  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		TransactionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_transactions_created_total",
			Help: "Transactions created.",
		}),
		TransactionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_transactions_completed_total",
			Help: "Transactions that reached Completed.",
		}),
		TransactionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_transactions_failed_total",
			Help: "Transactions that reached Failed or PermanentlyFailed.",
		}),
		TransactionsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_transactions_retried_total",
			Help: "Retry attempts recorded on transactions.",
		}),
		TransactionsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_transactions_timed_out_total",
			Help: "Transactions moved to Timeout by the monitor.",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_reconciliations_total",
			Help: "Reconciliation passes over individual transactions.",
		}),
		DeliveriesAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_deliveries_attempted_total",
			Help: "Webhook delivery attempts started.",
		}),
		DeliveriesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_deliveries_delivered_total",
			Help: "Webhook deliveries acknowledged with 2xx.",
		}),
		DeliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_deliveries_failed_total",
			Help: "Webhook delivery attempts that failed.",
		}),
		DeliveriesDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_deliveries_dead_letter_total",
			Help: "Webhook deliveries that exhausted their retries.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrecover_events_published_total",
			Help: "Events published to the bus by topic.",
		}, []string{"topic"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "txrecover_events_consumed_total",
			Help: "Events consumed from the bus by topic.",
		}, []string{"topic"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txrecover_sweep_duration_seconds",
			Help:    "Duration of periodic sweeps by task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		AnomaliesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_anomalies_detected_total",
			Help: "Transactions flagged by anomaly detection.",
		}),
		AlertsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txrecover_alerts_dispatched_total",
			Help: "Operator alerts dispatched.",
		}),
	}
	reg.MustRegister(
		m.TransactionsCreated, m.TransactionsCompleted, m.TransactionsFailed,
		m.TransactionsRetried, m.TransactionsTimedOut, m.Reconciliations,
		m.DeliveriesAttempted, m.DeliveriesDelivered, m.DeliveriesFailed,
		m.DeliveriesDeadLetter, m.EventsPublished, m.EventsConsumed,
		m.SweepDuration, m.AnomaliesDetected, m.AlertsDispatched,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The Inc* helpers are nil-safe so components can run without metrics.

func (m *Metrics) IncTransactionsCreated() {
	if m != nil {
		m.TransactionsCreated.Inc()
	}
}

func (m *Metrics) IncTransactionsCompleted() {
	if m != nil {
		m.TransactionsCompleted.Inc()
	}
}

func (m *Metrics) IncTransactionsFailed() {
	if m != nil {
		m.TransactionsFailed.Inc()
	}
}

func (m *Metrics) IncTransactionsRetried() {
	if m != nil {
		m.TransactionsRetried.Inc()
	}
}

func (m *Metrics) IncTransactionsTimedOut() {
	if m != nil {
		m.TransactionsTimedOut.Inc()
	}
}

func (m *Metrics) IncReconciliations() {
	if m != nil {
		m.Reconciliations.Inc()
	}
}

func (m *Metrics) IncDeliveriesAttempted() {
	if m != nil {
		m.DeliveriesAttempted.Inc()
	}
}

func (m *Metrics) IncDeliveriesDelivered() {
	if m != nil {
		m.DeliveriesDelivered.Inc()
	}
}

func (m *Metrics) IncDeliveriesFailed() {
	if m != nil {
		m.DeliveriesFailed.Inc()
	}
}

func (m *Metrics) IncDeliveriesDeadLetter() {
	if m != nil {
		m.DeliveriesDeadLetter.Inc()
	}
}

func (m *Metrics) IncAnomaliesDetected() {
	if m != nil {
		m.AnomaliesDetected.Inc()
	}
}

func (m *Metrics) IncAlertsDispatched() {
	if m != nil {
		m.AlertsDispatched.Inc()
	}
}

// ObserveSweep records a sweep duration if metrics are wired.
func (m *Metrics) ObserveSweep(task string, seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.WithLabelValues(task).Observe(seconds)
}

// CountPublished bumps the per-topic publish counter.
func (m *Metrics) CountPublished(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// CountConsumed bumps the per-topic consume counter.
func (m *Metrics) CountConsumed(topic string) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(topic).Inc()
}
