// Package metrics holds the Prometheus instrumentation for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the alert pipeline
type Metrics struct {
	// Evaluation metrics
	EvaluationTicks    prometheus.Counter
	RulesEvaluated     prometheus.Counter
	EvaluationDuration prometheus.Histogram

	// Alert metrics
	AlertsFired        *prometheus.CounterVec
	CooldownSuppressed prometheus.Counter

	// Delivery metrics
	Deliveries *prometheus.CounterVec

	// Workload metrics
	ReconcileSweeps prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EvaluationTicks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_evaluation_ticks_total",
				Help: "Total number of alert evaluation ticks completed",
			},
		),

		RulesEvaluated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_rules_evaluated_total",
				Help: "Total number of alert rules evaluated",
			},
		),

		EvaluationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigil_evaluation_tick_duration_seconds",
				Help:    "Duration of one full evaluation tick",
				Buckets: prometheus.DefBuckets,
			},
		),

		AlertsFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_alerts_fired_total",
				Help: "Total number of alerts fired",
			},
			[]string{"severity"},
		),

		CooldownSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_cooldown_suppressed_total",
				Help: "Total number of rule evaluations skipped by cooldown",
			},
		),

		Deliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_notification_deliveries_total",
				Help: "Total number of notification delivery attempts",
			},
			[]string{"channel", "result"}, // result: ok, failed
		),

		ReconcileSweeps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_reconcile_sweeps_total",
				Help: "Total number of workload reconciliation sweeps",
			},
		),
	}
}

// RecordTick records one completed evaluation tick
func (m *Metrics) RecordTick(duration float64, rules int) {
	m.EvaluationTicks.Inc()
	m.RulesEvaluated.Add(float64(rules))
	m.EvaluationDuration.Observe(duration)
}

// RecordAlert records a fired alert
func (m *Metrics) RecordAlert(severity string) {
	m.AlertsFired.WithLabelValues(severity).Inc()
}

// RecordSweep records one completed workload reconciliation pass
func (m *Metrics) RecordSweep() {
	m.ReconcileSweeps.Inc()
}

// RecordDelivery records one channel delivery attempt
func (m *Metrics) RecordDelivery(channel string, ok bool) {
	result := "failed"
	if ok {
		result = "ok"
	}
	m.Deliveries.WithLabelValues(channel, result).Inc()
}
