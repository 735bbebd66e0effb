package prommetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tiergate/tiergate/pkg/tiergate"
)

// Metrics implements tiergate.Metrics using Prometheus.
type Metrics struct {
	eventsAppliedTotal       *prometheus.CounterVec
	invariantViolationsTotal *prometheus.CounterVec
	reconciliationsTotal     *prometheus.CounterVec
	duplicatesHealedTotal    prometheus.Counter
	adminActionsTotal        *prometheus.CounterVec
	selfHealsTotal           *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for the
// entitlement engine.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "events_applied_total",
			Help:      "Total number of domain events applied, by type and outcome.",
		}, []string{"event_type", "outcome"}),

		invariantViolationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "invariant_violations_total",
			Help:      "Total number of detected invariant violations.",
		}, []string{"kind"}),

		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliation runs.",
		}, []string{"status"}),

		duplicatesHealedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "duplicates_healed_total",
			Help:      "Total number of duplicate live subscriptions canceled by healing.",
		}),

		adminActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "admin_actions_total",
			Help:      "Total number of privileged admin mutations.",
		}, []string{"action"}),

		selfHealsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entitlement",
			Name:      "self_heals_total",
			Help:      "Total number of self-healing subscription fetches.",
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordEventApplied(eventType, outcome string) {
	m.eventsAppliedTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordInvariantViolation(kind string) {
	m.invariantViolationsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordReconciliation(status string) {
	m.reconciliationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordDuplicatesHealed(count int) {
	if count > 0 {
		m.duplicatesHealedTotal.Add(float64(count))
	}
}

func (m *Metrics) RecordAdminAction(action string) {
	m.adminActionsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordSelfHeal(status string) {
	m.selfHealsTotal.WithLabelValues(status).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) tiergate.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
