package auditor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamkit/metric"
)

type auditorMetrics struct {
	signals  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	resolved *prometheus.CounterVec
	pending  prometheus.Gauge
	restored prometheus.Counter
}

func newAuditorMetrics(registry *metric.MetricsRegistry, address string) (*auditorMetrics, error) {
	labels := prometheus.Labels{"auditor": address}
	m := &auditorMetrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "auditor", Name: "signals_total",
			Help: "Signals received", ConstLabels: labels,
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "auditor", Name: "signals_dropped_total",
			Help: "Signals ignored as invalid, duplicate or late", ConstLabels: labels,
		}, []string{"reason"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "auditor", Name: "trees_resolved_total",
			Help: "Trees resolved by result", ConstLabels: labels,
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamkit", Subsystem: "auditor", Name: "trees_pending",
			Help: "Trees awaiting a terminal signal", ConstLabels: labels,
		}),
		restored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "auditor", Name: "trees_restored_total",
			Help: "Pending trees reloaded from the store on start", ConstLabels: labels,
		}),
	}

	if err := registry.RegisterCounterVec(address, "auditor_signals", m.signals); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(address, "auditor_signals_dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(address, "auditor_trees_resolved", m.resolved); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(address, "auditor_trees_pending", m.pending); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(address, "auditor_trees_restored", m.restored); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *auditorMetrics) signal(t SignalType) {
	if m != nil {
		m.signals.WithLabelValues(string(t)).Inc()
	}
}

func (m *auditorMetrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *auditorMetrics) resolve(r Result) {
	if m != nil {
		m.resolved.WithLabelValues(string(r)).Inc()
	}
}

func (m *auditorMetrics) setPending(n int64) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *auditorMetrics) restore() {
	if m != nil {
		m.restored.Inc()
	}
}
