// Package metrics exports the handful of Prometheus series that matter
// for operating a chat relay: connection/session counts, message and
// status-transition throughput, and bus publish/consume outcomes.
// Grounded on the corpus's promhttp-backed exporter shape, narrowed
// from its many AI-pipeline series down to this domain's handful.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every series this service publishes.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	MessagesSent    prometheus.Counter
	StatusTransitions *prometheus.CounterVec
	BusPublishes    *prometheus.CounterVec
	BusConsumes     *prometheus.CounterVec
	IdleDisconnects prometheus.Counter
}

// New builds and registers every series against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_sessions",
			Help:      "Number of live WebSocket sessions on this instance.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_sent_total",
			Help:      "Total messages persisted via SendMessage.",
		}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "status_transitions_total",
			Help:      "Delivery-status transitions, labeled by resulting status.",
		}, []string{"status"}),
		BusPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bus_publishes_total",
			Help:      "Bus publish attempts, labeled by topic and outcome.",
		}, []string{"topic", "outcome"}),
		BusConsumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "bus_consumes_total",
			Help:      "Bus messages consumed, labeled by topic and outcome.",
		}, []string{"topic", "outcome"}),
		IdleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "idle_disconnects_total",
			Help:      "Sessions disconnected by the idle scavenger.",
		}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.MessagesSent,
		m.StatusTransitions,
		m.BusPublishes,
		m.BusConsumes,
		m.IdleDisconnects,
	)
	return m
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
