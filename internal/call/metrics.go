package call

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/junsooki/dialtone/internal/signaling"
)

const unknownType = "unknown"

// Metrics exports call lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	attempts          *prometheus.CounterVec
	outcomes          *prometheus.CounterVec
	active            *prometheus.GaugeVec
	dialogDuration    prometheus.Histogram
	dialRetries       prometheus.Counter
	livenessRefreshes prometheus.Counter
	dropped           *prometheus.CounterVec
}

// NewMetrics registers the call metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	const namespace, subsystem = "dialtone", "call"
	return &Metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_total",
			Help:      "Call attempts created, by kind.",
		}, []string{"kind"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "outcomes_total",
			Help:      "Terminal transitions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Attempts not yet in a terminal state, by kind.",
		}, []string{"kind"}),
		dialogDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dialog_duration_seconds",
			Help:      "Lifetime of established dialogs.",
			Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		}),
		dialRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dial_sends_total",
			Help:      "Dialing announcements sent by the retry loop.",
		}),
		livenessRefreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "liveness_refreshes_total",
			Help:      "Incoming liveness windows reset by a repeated Dialing.",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped for not matching the schema, by type (unknown types share one label).",
		}, []string{"type"}),
	}
}

func (m *Metrics) started(k Kind) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(k.String()).Inc()
	m.active.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) ended(k Kind, o Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(k.String(), string(o)).Inc()
	m.active.WithLabelValues(k.String()).Dec()
}

func (m *Metrics) dialogEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.dialogDuration.Observe(d.Seconds())
}

func (m *Metrics) dialSent() {
	if m == nil {
		return
	}
	m.dialRetries.Inc()
}

func (m *Metrics) refreshed() {
	if m == nil {
		return
	}
	m.livenessRefreshes.Inc()
}

func (m *Metrics) drop(t signaling.Type) {
	if m == nil {
		return
	}
	// Types come from the peer; only known ones get their own series.
	label := unknownType
	if t.Known() {
		label = string(t)
	}
	m.dropped.WithLabelValues(label).Inc()
}
