package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the refund workflow's Prometheus collectors.
type Metrics struct {
	RequestsInitiated     prometheus.Counter
	DecisionsSubmitted    *prometheus.CounterVec
	DecisionsAutoResolved *prometheus.CounterVec
	Settlements           *prometheus.CounterVec
	ProviderAttempts      *prometheus.CounterVec
	SettlementDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsInitiated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "refund",
			Name:      "requests_initiated_total",
			Help:      "Refund requests created from rejected milestones.",
		}),
		DecisionsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refund",
			Name:      "decisions_submitted_total",
			Help:      "Donor decisions recorded, by persisted decision type.",
		}, []string{"type"}),
		DecisionsAutoResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refund",
			Name:      "decisions_auto_resolved_total",
			Help:      "Expired decisions resolved by the sweeper, by decision type.",
		}, []string{"type"}),
		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refund",
			Name:      "settlements_total",
			Help:      "Decision settlements, by decision type and outcome.",
		}, []string{"type", "outcome"}),
		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "refund",
			Name:      "provider_attempts_total",
			Help:      "Payment provider refund calls, by outcome.",
		}, []string{"outcome"}),
		SettlementDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "refund",
			Name:      "settlement_duration_seconds",
			Help:      "Time spent settling one decision.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20},
		}, []string{"type"}),
	}
}
