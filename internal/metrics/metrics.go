// Package metrics exports hub metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all hub collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	agentsGauge   prometheus.Gauge
	viewersGauge  prometheus.Gauge
	roomsGauge    prometheus.Gauge
	framesTotal   *prometheus.CounterVec
	relayCloses   *prometheus.CounterVec
	commandsTotal *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	pairingsTotal *prometheus.CounterVec
}

// New registers all hub metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agentsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleethub_relay_agents",
			Help: "Currently connected agent sockets.",
		}),
		viewersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleethub_relay_viewers",
			Help: "Currently connected viewer sockets.",
		}),
		roomsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleethub_signaling_rooms",
			Help: "Live signaling rooms.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_relay_frames_total",
			Help: "Relay frames by direction.",
		}, []string{"direction"}),
		relayCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_relay_closes_total",
			Help: "Relay socket closes by reason.",
		}, []string{"reason"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_commands_total",
			Help: "Command queue operations by outcome.",
		}, []string{"outcome"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_events_total",
			Help: "Published device events by type.",
		}, []string{"event_type"}),
		pairingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleethub_pairings_total",
			Help: "Pairing attempts by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.agentsGauge,
		m.viewersGauge,
		m.roomsGauge,
		m.framesTotal,
		m.relayCloses,
		m.commandsTotal,
		m.eventsTotal,
		m.pairingsTotal,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AgentConnected()    { m.agentsGauge.Inc() }
func (m *Metrics) AgentDisconnected() { m.agentsGauge.Dec() }

func (m *Metrics) ViewerConnected()    { m.viewersGauge.Inc() }
func (m *Metrics) ViewerDisconnected() { m.viewersGauge.Dec() }

func (m *Metrics) SignalingRoomOpened() { m.roomsGauge.Inc() }
func (m *Metrics) SignalingRoomClosed() { m.roomsGauge.Dec() }

// FrameRelayed counts one relayed frame; direction is
// "agent_to_viewer" or "viewer_to_agent".
func (m *Metrics) FrameRelayed(direction string) {
	m.framesTotal.WithLabelValues(direction).Inc()
}

// RelayClosed counts a socket close by reason ("auth_timeout",
// "auth_failed", "replaced", "stale", "normal", ...).
func (m *Metrics) RelayClosed(reason string) {
	m.relayCloses.WithLabelValues(reason).Inc()
}

// CommandOutcome counts a queue transition ("queued", "delivered",
// "completed", "failed", "cancelled").
func (m *Metrics) CommandOutcome(outcome string) {
	m.commandsTotal.WithLabelValues(outcome).Inc()
}

// EventPublished counts one event on the admin bus.
func (m *Metrics) EventPublished(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// PairingOutcome counts a pairing attempt ("initiated", "completed",
// "expired", "invalid").
func (m *Metrics) PairingOutcome(outcome string) {
	m.pairingsTotal.WithLabelValues(outcome).Inc()
}
