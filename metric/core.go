package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the runtime-level message metrics shared by every component instance.
// Component-specific metrics (auditor shards, queues, pools) register separately.
type Metrics struct {
	MessagesEmitted  *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesAcked    *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
	RootsCompleted   *prometheus.CounterVec
	ComponentStatus  *prometheus.GaugeVec

	TransportConnected prometheus.Gauge
	TransportRTT       prometheus.Gauge
	TransportReconnect prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "messages",
			Name:      "emitted_total",
			Help:      "Messages emitted by component instances",
		}, []string{"component", "stream"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received by component instances",
		}, []string{"component"}),

		MessagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "messages",
			Name:      "acked_total",
			Help:      "Messages acked by workers",
		}, []string{"component"}),

		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "messages",
			Name:      "failed_total",
			Help:      "Messages failed by workers",
		}, []string{"component"}),

		RootsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "roots",
			Name:      "completed_total",
			Help:      "Root messages resolved at their producer, by outcome",
		}, []string{"component", "outcome"}),

		ComponentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "streamkit",
			Subsystem: "component",
			Name:      "status",
			Help:      "Component status (0=stopped, 1=running)",
		}, []string{"component"}),

		TransportConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamkit",
			Subsystem: "transport",
			Name:      "connected",
			Help:      "Transport connection status (1=connected)",
		}),

		TransportRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamkit",
			Subsystem: "transport",
			Name:      "rtt_seconds",
			Help:      "Last measured round trip time to the transport server",
		}),

		TransportReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Transport reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesEmitted,
		m.MessagesReceived,
		m.MessagesAcked,
		m.MessagesFailed,
		m.RootsCompleted,
		m.ComponentStatus,
		m.TransportConnected,
		m.TransportRTT,
		m.TransportReconnect,
	}
}
