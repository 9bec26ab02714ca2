// Package metrics holds the Prometheus instruments shared by the chat
// client and the relay. Every component takes an optional *Metrics; a nil
// receiver is a no-op so tests and tools can skip instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Event names for the events_total counter.
const (
	MessagesSent        = "messages_sent"
	MessagesQueued      = "messages_queued"
	MessagesDelivered   = "messages_delivered"
	MessagesFailed      = "messages_failed"
	MessagesReceived    = "messages_received"
	AcksLate            = "acks_late"
	EnvelopesUnknown    = "envelopes_unknown"
	EnvelopesMalformed  = "envelopes_malformed"
	CandidatesBuffered  = "candidates_buffered"
	ReconnectAttempts   = "reconnect_attempts"
	ReconnectEscalated  = "reconnect_escalated"
	LivenessFailures    = "liveness_failures"
	SignalingErrors     = "signaling_errors"
	NegotiationFailures = "negotiation_failures"

	RelayJoins            = "relay_joins"
	RelayRoomFull         = "relay_room_full"
	RelayForwarded        = "relay_forwarded"
	RelayProtocolErrors   = "relay_protocol_errors"
	RelayAuthFailures     = "relay_auth_failures"
	DropReasonRateLimited = "rate_limited"
)

// Metrics is one private Prometheus registry. All counters share a single
// events_total metric with an event label.
type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	rooms       prometheus.Gauge
	connections prometheus.Gauge
	ackLatency  prometheus.Histogram
}

func New(namespace string) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Internal event counters.",
		}, []string{"event"}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one member.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}),
		ackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from sending a chat message to receiving its ack.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	m.reg.MustRegister(m.events, m.rooms, m.connections, m.ackLatency)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(name).Add(float64(n))
}

// Get reads the current value of one event counter.
func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(name).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) ObserveAckLatency(d time.Duration) {
	if m != nil {
		m.ackLatency.Observe(d.Seconds())
	}
}

// Gauge values, for tests and status output.
func (m *Metrics) Rooms() float64 { return m.gaugeValue(m.roomsGauge()) }

func (m *Metrics) Connections() float64 { return m.gaugeValue(m.connectionsGauge()) }

func (m *Metrics) roomsGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.rooms
}

func (m *Metrics) connectionsGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.connections
}

func (m *Metrics) gaugeValue(g prometheus.Gauge) float64 {
	if g == nil {
		return 0
	}
	var out dto.Metric
	if err := g.Write(&out); err != nil {
		return 0
	}
	return out.GetGauge().GetValue()
}
