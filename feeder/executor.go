package feeder

import (
	"context"
	"time"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
)

// ResultHandler receives the outcome of an execution and, on success, the result body sent
// back to the executor by the network.
type ResultHandler func(err error, result message.Body)

// ExecuteHandler is called by a polling executor whenever it can accept executions.
type ExecuteHandler func(ctx context.Context, e *Executor)

// Executor is a feeder with request/response semantics. The network routes a descendant
// of each root back to the executor's address; the executor keeps its body as the result
// and acks it, so the result is known by the time the tree is acked.
type Executor struct {
	*producer
	executeHandler ExecuteHandler
}

var _ component.Component = (*Executor)(nil)

// NewExecutor creates an executor for the instance described by cctx. Executors need
// acking, since the result is delivered with the ACKED notification.
func NewExecutor(cctx component.Context, deps component.Dependencies, cfg Config) (*Executor, error) {
	if cctx.Role != component.RoleExecutor {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Executor", "New",
			"instance "+cctx.Address+" is not an executor")
	}
	if !cctx.Acking {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Executor", "New",
			"executors require acking")
	}
	p, err := newProducer(cctx, deps, cfg)
	if err != nil {
		return nil, err
	}
	return &Executor{producer: p}, nil
}

// SetExecuteHandler sets the polling handler. It must be set before Start. In polling mode
// it is called every FeedInterval.
func (e *Executor) SetExecuteHandler(h ExecuteHandler) {
	e.executeHandler = h
}

// Start subscribes to results and notifications and starts polling in polling mode.
func (e *Executor) Start(ctx context.Context) error {
	if err := e.checkRestart("Executor"); err != nil {
		return err
	}
	if e.running.Load() {
		return nil
	}
	if e.cfg.Mode == ModePolling {
		if e.executeHandler == nil {
			return errors.WrapInvalid(errors.ErrMissingConfig, "Executor", "Start",
				"polling executor "+e.Address()+" has no execute handler")
		}
		h := e.executeHandler
		e.feed = func(ctx context.Context) { h(ctx, e) }
	}
	if err := e.Listen(ctx, e.receive); err != nil {
		return err
	}
	if err := e.start(ctx); err != nil {
		_ = e.Close()
		return err
	}
	return nil
}

// Stop stops polling and unsubscribes. A stopped executor cannot be restarted.
func (e *Executor) Stop(timeout time.Duration) error {
	return e.stop(timeout)
}

// Execute sends body on the default stream.
func (e *Executor) Execute(ctx context.Context, body message.Body, handler ResultHandler) (string, error) {
	return e.ExecuteTo(ctx, message.DefaultStream, body, handler)
}

// ExecuteTo sends body on stream and returns its correlation id. handler is required.
func (e *Executor) ExecuteTo(ctx context.Context, stream string, body message.Body, handler ResultHandler) (string, error) {
	if handler == nil {
		return "", errors.WrapInvalid(errors.ErrMissingConfig, "Executor", "Execute", "result handler is required")
	}
	return e.submit(ctx, stream, body, handler)
}

// receive keeps the body of a returning message as the result of its root and acks it.
func (e *Executor) receive(ctx context.Context, env message.Envelope) {
	if !e.recordResult(env.ID.Root, env.Body) {
		e.Logger().Debug("Result for unknown root", "root", env.ID.Root)
	}
	if err := e.Ack(ctx, env); err != nil {
		e.Logger().Warn("Failed to ack result", "id", env.ID.Correlation, "error", err)
	}
}
