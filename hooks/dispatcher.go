package hooks

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/metric"
)

// DefaultBufferSize is the per-observer channel capacity.
const DefaultBufferSize = 256

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for dropped events and observer panics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithBufferSize sets the per-observer buffer size.
func WithBufferSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.bufferSize = size
		}
	}
}

// WithMetrics exports fired and dropped event counters.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(d *Dispatcher) {
		d.registry = registry
	}
}

type observerLoop struct {
	name     string
	observer Observer
	events   chan Event
	dropped  atomic.Uint64
}

// Dispatcher fans events out to observers.
type Dispatcher struct {
	logger     *slog.Logger
	bufferSize int
	registry   *metric.MetricsRegistry

	fired   *prometheus.CounterVec
	dropped *prometheus.CounterVec

	mu        sync.RWMutex
	observers []*observerLoop
	closed    bool
	wg        sync.WaitGroup

	totalDropped atomic.Uint64
}

// NewDispatcher creates a dispatcher with no observers.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "hooks")

	if d.registry != nil {
		d.fired = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "hooks",
			Name:      "events_total",
			Help:      "Lifecycle events fired",
		}, []string{"event"})
		d.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamkit",
			Subsystem: "hooks",
			Name:      "dropped_total",
			Help:      "Events dropped because an observer buffer was full",
		}, []string{"observer"})
		if err := d.registry.RegisterCounterVec("hooks", "events_total", d.fired); err != nil {
			d.logger.Debug("Hook metrics not registered", "error", err)
			d.fired = nil
		}
		if err := d.registry.RegisterCounterVec("hooks", "dropped_total", d.dropped); err != nil {
			d.logger.Debug("Hook metrics not registered", "error", err)
			d.dropped = nil
		}
	}

	return d
}

// Register adds an observer and starts its delivery goroutine.
func (d *Dispatcher) Register(name string, observer Observer) error {
	if observer == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Dispatcher", "Register", "nil observer")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Dispatcher", "Register", "register observer")
	}
	for _, o := range d.observers {
		if o.name == name {
			return errors.WrapInvalid(
				fmt.Errorf("observer %q already registered", name), "Dispatcher", "Register", "register observer")
		}
	}

	loop := &observerLoop{
		name:     name,
		observer: observer,
		events:   make(chan Event, d.bufferSize),
	}
	d.observers = append(d.observers, loop)

	d.wg.Add(1)
	go d.run(loop)
	return nil
}

// Fire hands e to every observer without blocking. Events that do not fit an observer's
// buffer are dropped and counted.
func (d *Dispatcher) Fire(e Event) {
	if d == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}
	if d.fired != nil {
		d.fired.WithLabelValues(string(e.Type)).Inc()
	}

	for _, o := range d.observers {
		select {
		case o.events <- e:
		default:
			n := o.dropped.Add(1)
			d.totalDropped.Add(1)
			if d.dropped != nil {
				d.dropped.WithLabelValues(o.name).Inc()
			}
			if n == 1 || n%1000 == 0 {
				d.logger.Warn("Observer buffer full, dropping hook events",
					"observer", o.name, "dropped", n)
			}
		}
	}
}

// Dropped returns the number of events dropped across all observers.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.totalDropped.Load()
}

// Close stops accepting events and waits up to timeout for observers to drain.
func (d *Dispatcher) Close(timeout time.Duration) error {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, o := range d.observers {
		close(o.events)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("observers still busy after %v", timeout), "Dispatcher", "Close", "drain observers")
	}
}

func (d *Dispatcher) run(o *observerLoop) {
	defer d.wg.Done()
	for e := range o.events {
		d.deliver(o, e)
	}
}

func (d *Dispatcher) deliver(o *observerLoop, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Observer panicked", "observer", o.name, "event", e.Type, "panic", r)
		}
	}()
	o.observer.Observe(e)
}
