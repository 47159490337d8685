package feeder

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
)

// AckHandler receives the final outcome of an emitted message: nil when its whole tree was
// acked, otherwise a failure or timeout *errors.DeliveryError.
type AckHandler func(err error)

// FeedHandler is called by a polling feeder whenever it can accept messages.
type FeedHandler func(ctx context.Context, f *Feeder)

// Source is an upstream push source a stream feeder can pause while it is full.
type Source interface {
	Pause()
	Resume()
}

// Feeder injects root messages into a network.
type Feeder struct {
	*producer
	feedHandler FeedHandler
}

var _ component.Component = (*Feeder)(nil)

// New creates a feeder for the instance described by cctx.
func New(cctx component.Context, deps component.Dependencies, cfg Config) (*Feeder, error) {
	if cctx.Role != component.RoleFeeder {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Feeder", "New",
			"instance "+cctx.Address+" is not a feeder")
	}
	p, err := newProducer(cctx, deps, cfg)
	if err != nil {
		return nil, err
	}
	return &Feeder{producer: p}, nil
}

// SetFeedHandler sets the polling handler. It must be set before Start.
func (f *Feeder) SetFeedHandler(h FeedHandler) {
	f.feedHandler = h
}

// Start subscribes to the feeder's notifications and starts polling in polling mode.
func (f *Feeder) Start(ctx context.Context) error {
	if err := f.checkRestart("Feeder"); err != nil {
		return err
	}
	if f.cfg.Mode == ModePolling {
		if f.feedHandler == nil {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Feeder", "Start",
				"polling feeder "+f.Address()+" has no feed handler")
		}
		h := f.feedHandler
		f.feed = func(ctx context.Context) { h(ctx, f) }
	}
	return f.start(ctx)
}

// Stop stops polling and unsubscribes. Messages still in flight get no callback.
func (f *Feeder) Stop(timeout time.Duration) error {
	return f.stop(timeout)
}

// Emit sends body on the default stream.
func (f *Feeder) Emit(ctx context.Context, body message.Body, handler AckHandler) (string, error) {
	return f.EmitTo(ctx, message.DefaultStream, body, handler)
}

// EmitTo sends body on stream and returns its correlation id. It fails with
// errors.ErrQueueFull while the feeder is full.
func (f *Feeder) EmitTo(ctx context.Context, stream string, body message.Body, handler AckHandler) (string, error) {
	var done func(error, message.Body)
	if handler != nil {
		done = func(err error, _ message.Body) { handler(err) }
	}
	return f.submit(ctx, stream, body, done)
}

// Attach pauses src whenever the feeder becomes full and resumes it on drain.
func (f *Feeder) Attach(src Source) error {
	if f.cfg.Mode != ModeStream {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Feeder", "Attach",
			"attach requires stream mode")
	}
	f.OnFull(src.Pause)
	f.OnDrain(src.Resume)
	if f.Full() {
		src.Pause()
	}
	return nil
}

// Pump emits every body received from in until it is closed, waiting for a drain whenever
// the feeder is full. handler receives the outcome of each message.
func (f *Feeder) Pump(ctx context.Context, in <-chan message.Body, handler AckHandler) error {
	if f.cfg.Mode != ModeStream {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Feeder", "Pump",
			"pump requires stream mode")
	}
	if !f.running.Load() {
		return errors.WrapTransient(errors.ErrNotStarted, "Feeder", "Pump", "pump into "+f.Address())
	}

	for {
		if err := f.waitDrain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.shutdown:
			return errors.ErrShuttingDown
		case body, ok := <-in:
			if !ok {
				return nil
			}
			if err := f.pumpOne(ctx, body, handler); err != nil {
				return err
			}
		}
	}
}

func (f *Feeder) pumpOne(ctx context.Context, body message.Body, handler AckHandler) error {
	for {
		_, err := f.Emit(ctx, body, handler)
		if !stderrors.Is(err, errors.ErrQueueFull) {
			return err
		}
		if err := f.waitDrain(ctx); err != nil {
			return err
		}
	}
}
