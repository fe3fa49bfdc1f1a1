package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonUnknownPeer  = "unknown_peer"
	reasonBackpressure = "backpressure"
	reasonMalformed    = "malformed"
)

// Metrics exports relay counters. A nil *Metrics records nothing.
type Metrics struct {
	connections      prometheus.Gauge
	connectionsTotal prometheus.Counter
	forwards         prometheus.Counter
	drops            *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const namespace, subsystem = "dialtone", "relay"
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Currently connected peers.",
		}),
		connectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_total",
			Help:      "Peers that received an identity.",
		}),
		forwards: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "forwarded_total",
			Help:      "Messages queued for their destination.",
		}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Messages not delivered, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) forwarded() {
	if m == nil {
		return
	}
	m.forwards.Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(reason).Inc()
}
