// Package metrics defines the Prometheus instrumentation for the router:
// session population by transport family, per-endpoint request outcomes, and
// resumed-stream replay volume.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcpbridge"

// Metrics holds the collectors shared by the HTTP handler and the registry.
type Metrics struct {
	SessionsActive *prometheus.GaugeVec
	SessionsOpened *prometheus.CounterVec
	SessionsClosed *prometheus.CounterVec
	RequestsTotal  *prometheus.CounterVec
	EventsReplayed prometheus.Counter
}

// New registers the router collectors against reg. Passing
// prometheus.DefaultRegisterer is fine for single-handler processes.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions by transport family.",
		}, []string{"family"}),
		SessionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions created by transport family.",
		}, []string{"family"}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed by transport family.",
		}, []string{"family"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Routed requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		EventsReplayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Events replayed to reconnecting streams.",
		}),
	}
}

// Nop returns a Metrics instance backed by a throwaway registry, for callers
// that do not export metrics (tests, embedded use).
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
