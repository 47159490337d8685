// Package queue implements the bounded send queue behind producer backpressure.
//
// A SendQueue counts messages that have been handed to the runtime and not yet released.
// Enqueue is rejected while the queue is full, and Dequeue reports the full-to-not-full
// transition exactly once so the owner can fire its drain handler.
//
// A SendQueue belongs to one component instance and is only touched from that instance's
// own serialized context; it holds no lock.
package queue

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/metric"
)

// DefaultMaxSize is used when a queue is created with a non-positive size.
const DefaultMaxSize = 1000

// SendQueue is a counted, owner-only bounded queue.
type SendQueue struct {
	maxSize int
	size    int
	full    bool

	metrics *queueMetrics
}

type options struct {
	registry *metric.MetricsRegistry
	name     string
	logger   *slog.Logger
}

// Option configures a SendQueue.
type Option func(*options)

// WithMetrics exports queue size and backpressure transitions under the given name. A
// failed registration is logged and the queue runs without metrics.
func WithMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(o *options) {
		o.registry = registry
		o.name = name
	}
}

// WithLogger sets the logger used to report metric registration failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates a queue holding at most maxSize messages.
func New(maxSize int, opts ...Option) *SendQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	q := &SendQueue{maxSize: maxSize}
	if o.registry != nil && o.name != "" {
		m, err := newQueueMetrics(o.registry, o.name)
		if err != nil {
			o.logger.Warn("Queue metrics not registered", "queue", o.name, "error", err)
		} else {
			q.metrics = m
		}
	}
	return q
}

// Enqueue admits one message, or returns errors.ErrQueueFull when size has reached maxSize.
func (q *SendQueue) Enqueue() error {
	if q.size >= q.maxSize {
		q.full = true
		if q.metrics != nil {
			q.metrics.rejected.Inc()
		}
		return errors.ErrQueueFull
	}
	q.size++
	if q.size >= q.maxSize && !q.full {
		q.full = true
		if q.metrics != nil {
			q.metrics.fullEvents.Inc()
		}
	}
	q.record()
	return nil
}

// Dequeue releases one message. drained is true exactly when this call ends a full period.
func (q *SendQueue) Dequeue() (drained bool) {
	if q.size == 0 {
		return false
	}
	q.size--
	if q.full && q.size < q.maxSize {
		q.full = false
		drained = true
		if q.metrics != nil {
			q.metrics.drainEvents.Inc()
		}
	}
	q.record()
	return drained
}

// Full reports whether the queue is at capacity. It stays true until a Dequeue drains it.
func (q *SendQueue) Full() bool {
	return q.full
}

// Size returns the number of admitted, unreleased messages.
func (q *SendQueue) Size() int {
	return q.size
}

// MaxSize returns the capacity.
func (q *SendQueue) MaxSize() int {
	return q.maxSize
}

// SetMaxSize changes the capacity. Shrinking below the current size makes the queue full;
// growing past it ends a full period and reports drained.
func (q *SendQueue) SetMaxSize(n int) (drained bool) {
	if n <= 0 {
		n = DefaultMaxSize
	}
	q.maxSize = n
	switch {
	case q.size >= n && !q.full:
		q.full = true
		if q.metrics != nil {
			q.metrics.fullEvents.Inc()
		}
	case q.size < n && q.full:
		q.full = false
		drained = true
		if q.metrics != nil {
			q.metrics.drainEvents.Inc()
		}
	}
	q.record()
	return drained
}

func (q *SendQueue) record() {
	if q.metrics == nil {
		return
	}
	q.metrics.size.Set(float64(q.size))
	if q.full {
		q.metrics.full.Set(1)
	} else {
		q.metrics.full.Set(0)
	}
}

type queueMetrics struct {
	size        prometheus.Gauge
	full        prometheus.Gauge
	rejected    prometheus.Counter
	fullEvents  prometheus.Counter
	drainEvents prometheus.Counter
}

func newQueueMetrics(registry *metric.MetricsRegistry, name string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamkit", Subsystem: "queue", Name: "size",
			Help: "Messages admitted and not yet released", ConstLabels: labels,
		}),
		full: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamkit", Subsystem: "queue", Name: "full",
			Help: "1 while the queue applies backpressure", ConstLabels: labels,
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "queue", Name: "rejected_total",
			Help: "Enqueue attempts rejected because the queue was full", ConstLabels: labels,
		}),
		fullEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "queue", Name: "full_total",
			Help: "Transitions into the full state", ConstLabels: labels,
		}),
		drainEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamkit", Subsystem: "queue", Name: "drain_total",
			Help: "Full-to-not-full transitions", ConstLabels: labels,
		}),
	}

	if err := registry.RegisterGauge(name, "queue_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(name, "queue_full", m.full); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "queue_rejected", m.rejected); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "queue_full_events", m.fullEvents); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "queue_drain_events", m.drainEvents); err != nil {
		return nil, err
	}
	return m, nil
}
