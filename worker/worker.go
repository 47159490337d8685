// Package worker implements mid-topology processors. A worker receives messages on its
// address, may emit children attributed to them, and must ack or fail every message it
// receives, either explicitly or through AutoAck.
//
// Emits are buffered per output stream in a component.Port. While any port is full the
// worker stops taking messages off its input until the port drains; that is the only place
// a worker waits.
package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/hooks"
	"github.com/c360/streamkit/message"
)

// Handler processes one message.
type Handler func(ctx context.Context, w *Worker, msg message.Envelope)

// Config holds worker settings.
type Config struct {
	// AutoAck acks every message once the handler returns. Handlers running with AutoAck
	// should not ack themselves; failing is still allowed and wins over the automatic ack.
	AutoAck bool

	// MaxQueueSize bounds the unpublished emits per output stream. Values <= 0 use
	// queue.DefaultMaxSize.
	MaxQueueSize int
}

// Worker processes messages from its input.
type Worker struct {
	*component.Base
	cfg     Config
	handler Handler
	ports   map[string]*component.Port

	drained  chan struct{}
	running  atomic.Bool
	stopped  bool
	shutdown chan struct{}
	mu       sync.Mutex
}

var _ component.Component = (*Worker)(nil)

// New creates a worker for the instance described by cctx.
func New(cctx component.Context, deps component.Dependencies, cfg Config, handler Handler) (*Worker, error) {
	if cctx.Role != component.RoleWorker {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Worker", "New",
			"instance "+cctx.Address+" is not a worker")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Worker", "New", "handler is required")
	}
	base, err := component.NewBase(cctx, deps)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		Base:    base,
		cfg:     cfg,
		handler: handler,
		ports:    make(map[string]*component.Port),
		drained:  make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	for _, stream := range cctx.Streams() {
		port := component.NewPort(stream, cfg.MaxQueueSize, base.Publish, base.Logger(), deps.MetricsRegistry, cctx.Address)
		port.OnDrain(w.signalDrain)
		w.ports[stream] = port
	}
	return w, nil
}

func (w *Worker) signalDrain() {
	select {
	case w.drained <- struct{}{}:
	default:
	}
}

// Start starts the output ports and subscribes to the worker's address. A stopped worker
// cannot be restarted.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running.Load() {
		return nil
	}
	if w.stopped {
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Worker", "Start", "restart "+w.Address())
	}

	for _, port := range w.ports {
		port.Start(ctx)
	}
	if err := w.Listen(ctx, w.receive); err != nil {
		for _, port := range w.ports {
			_ = port.Stop(time.Second)
		}
		return err
	}

	w.running.Store(true)
	w.SetStatus(true)
	w.FireLifecycle(hooks.EventStart)
	w.Logger().Info("Worker started", "auto_ack", w.cfg.AutoAck, "streams", len(w.ports))
	return nil
}

// Stop unsubscribes and publishes the emits still buffered in the ports.
func (w *Worker) Stop(timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running.Load() {
		return nil
	}
	w.running.Store(false)
	w.stopped = true
	close(w.shutdown)

	errs := []error{w.Close()}
	for _, port := range w.ports {
		errs = append(errs, port.Stop(timeout))
	}

	w.SetStatus(false)
	w.FireLifecycle(hooks.EventStop)
	return stderrors.Join(errs...)
}

// receive runs the handler for one inbound message, first waiting out any full port.
func (w *Worker) receive(ctx context.Context, msg message.Envelope) {
	if err := w.waitDrain(ctx); err != nil {
		// Unsubscribing; the tree times out and the producer decides.
		w.Logger().Debug("Dropping message during shutdown", "id", msg.ID.Correlation)
		return
	}

	w.handler(ctx, w, msg)

	if w.cfg.AutoAck {
		if err := w.Ack(ctx, msg); err != nil {
			w.Logger().Warn("Auto ack failed", "id", msg.ID.Correlation, "error", err)
		}
	}
}

func (w *Worker) anyFull() bool {
	for _, port := range w.ports {
		if port.Full() {
			return true
		}
	}
	return false
}

func (w *Worker) waitDrain(ctx context.Context) error {
	for w.anyFull() {
		select {
		case <-w.drained:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.shutdown:
			return errors.ErrShuttingDown
		}
	}
	return nil
}

// Full reports whether stream's port is applying backpressure.
func (w *Worker) Full(stream string) bool {
	port, ok := w.ports[stream]
	return ok && port.Full()
}

// OnFull sets the handler run when stream's port becomes full, replacing any earlier one.
func (w *Worker) OnFull(stream string, fn func()) {
	if port, ok := w.ports[stream]; ok {
		port.OnFull(fn)
	}
}

// OnDrain sets the handler run when stream's port stops being full, replacing any earlier
// one. The worker's own backpressure wakeup is kept.
func (w *Worker) OnDrain(stream string, fn func()) {
	if port, ok := w.ports[stream]; ok {
		port.OnDrain(func() {
			w.signalDrain()
			fn()
		})
	}
}

// Emit sends body on the default stream. With a parent the new message joins the parent's
// ack tree; without one it starts a tree nobody is notified about.
func (w *Worker) Emit(ctx context.Context, body message.Body, parent *message.Envelope) (string, error) {
	return w.EmitTo(ctx, message.DefaultStream, body, parent)
}

// EmitTo sends body on stream and returns the new message's correlation id. It fails with
// errors.ErrQueueFull while the stream's port is full. A routing failure fails the parent's
// tree before it is returned.
func (w *Worker) EmitTo(ctx context.Context, stream string, body message.Body, parent *message.Envelope) (string, error) {
	var env message.Envelope
	if parent != nil {
		env = w.NewChild(parent.ID, stream, body)
	} else {
		env = w.NewRoot(stream, body)
	}

	port, ok := w.ports[env.Stream]
	if !ok {
		// No connection carries this stream.
		return env.ID.Correlation, nil
	}
	if err := port.Reserve(); err != nil {
		return "", err
	}

	deliveries, err := w.Prepare(env)
	if err != nil {
		port.Release()
		if parent != nil {
			if failErr := w.Fail(ctx, *parent, err.Error()); failErr != nil {
				w.Logger().Warn("Failed to fail parent after routing failure",
					"parent", parent.ID.Correlation, "error", failErr)
			}
		}
		return "", err
	}
	if err := w.Register(ctx, env, deliveries); err != nil {
		port.Release()
		return "", err
	}

	port.Push(deliveries)
	if len(deliveries) > 0 {
		w.Fire(hooks.EventEmit, env, "")
	}
	return env.ID.Correlation, nil
}
