// Package component holds the runtime shared by feeders, executors and workers: instance
// context, dependencies, routing of emitted messages over connections, auditor signalling
// and the receive loops.
//
// Emitting a message is split into steps so each role can put its backpressure check in
// the right place:
//
//	deliveries, err := base.Prepare(env)        // filter and select targets
//	err = base.Register(ctx, env, deliveries)   // create or fork at the auditor
//	err = base.Publish(ctx, deliveries)         // hand copies to the transport
//
// Register always runs before Publish, so an auditor hears about a message before anyone
// can ack it.
package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/c360/streamkit/auditor"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/hooks"
	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/transport"
)

// Delivery is one copy of an emitted message bound for one target instance.
type Delivery struct {
	Target   string
	Envelope message.Envelope
}

// IDs returns the correlation ids of deliveries.
func IDs(deliveries []Delivery) []string {
	ids := make([]string, len(deliveries))
	for i, d := range deliveries {
		ids[i] = d.Envelope.ID.Correlation
	}
	return ids
}

// Base implements the parts of an instance that do not depend on its role.
type Base struct {
	ctx       Context
	transport transport.Transport
	logger    *slog.Logger
	clock     clock.Clock
	hooks     *hooks.Dispatcher
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	issuer    *message.Issuer
	auditors  *auditor.Client

	mu   sync.Mutex
	subs []transport.Subscription
}

// NewBase validates ctx and wires the instance's dependencies.
func NewBase(ctx Context, deps Dependencies) (*Base, error) {
	if err := ctx.Validate(); err != nil {
		return nil, err
	}
	if deps.Transport == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Base", "NewBase", "transport is required")
	}

	var assign message.AuditorFunc
	if ctx.Acking {
		assign = auditor.Assigner(ctx.Auditors)
	}

	b := &Base{
		ctx:       ctx,
		transport: deps.Transport,
		logger:    deps.GetLoggerWithComponent(ctx.Address),
		clock:     deps.GetClock(),
		hooks:     deps.Hooks,
		registry:  deps.MetricsRegistry,
		issuer:    message.NewIssuer(ctx.Address, assign),
		auditors:  auditor.NewClient(deps.Transport),
	}
	if deps.MetricsRegistry != nil {
		b.metrics = deps.MetricsRegistry.CoreMetrics()
	}
	return b, nil
}

// Context returns the instance context.
func (b *Base) Context() Context { return b.ctx }

// Address returns the instance address.
func (b *Base) Address() string { return b.ctx.Address }

// Logger returns the instance logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Clock returns the instance clock.
func (b *Base) Clock() clock.Clock { return b.clock }

// Transport returns the transport the instance sends on.
func (b *Base) Transport() transport.Transport { return b.transport }

// Issuer returns the instance's id issuer.
func (b *Base) Issuer() *message.Issuer { return b.issuer }

// MetricsRegistry returns the registry, which may be nil.
func (b *Base) MetricsRegistry() *metric.MetricsRegistry { return b.registry }

// Acking reports whether the network tracks ack trees.
func (b *Base) Acking() bool { return b.ctx.Acking }

// NewRoot builds a root envelope on stream.
func (b *Base) NewRoot(stream string, body message.Body) message.Envelope {
	return message.NewEnvelope(b.issuer.Issue(nil), stream, body, b.ctx.Address)
}

// NewChild builds an envelope parented to parent.
func (b *Base) NewChild(parent message.ID, stream string, body message.Body) message.Envelope {
	return message.NewEnvelope(b.issuer.Issue(&parent), stream, body, b.ctx.Address)
}

// Prepare selects the deliveries of env over every connection on env's stream. The first
// delivery carries env's own id and every further one a child copy. An empty target set on
// any connection fails the whole emit with errors.ErrRoutingFailure before anything is sent.
func (b *Base) Prepare(env message.Envelope) ([]Delivery, error) {
	var out []Delivery
	for _, conn := range b.ctx.Outputs {
		if conn.StreamName() != env.Stream {
			continue
		}
		if !conn.Filter.Match(env.Body) {
			continue
		}
		targets, err := conn.Selector.Select(env, conn.Targets)
		if err != nil {
			return nil, errors.Wrap(err, "Component", "Prepare", fmt.Sprintf("route %s to %s", env.Stream, conn.Target))
		}
		for _, target := range targets {
			d := env
			if len(out) > 0 {
				d = env.Copy(b.issuer)
			}
			out = append(out, Delivery{Target: target, Envelope: d})
		}
	}
	return out, nil
}

// Register tells env's auditor about the deliveries: create for a root, fork for a child.
// Producers pass their own address as the notification source; roots emitted by workers
// have none.
func (b *Base) Register(ctx context.Context, env message.Envelope, deliveries []Delivery) error {
	if !b.ctx.Acking {
		return nil
	}
	if env.ID.IsRoot() {
		source := ""
		if b.ctx.Role.Producer() {
			source = b.ctx.Address
		}
		return b.auditors.Create(ctx, env.ID, IDs(deliveries), source)
	}
	if len(deliveries) == 0 {
		return nil
	}
	return b.auditors.Fork(ctx, env.ID, IDs(deliveries))
}

// Publish sends every delivery. It stops at the first transport error.
func (b *Base) Publish(ctx context.Context, deliveries []Delivery) error {
	for _, d := range deliveries {
		data, err := message.Marshal(d.Envelope)
		if err != nil {
			return err
		}
		if err := b.transport.Publish(ctx, d.Target, data); err != nil {
			return errors.WrapTransient(err, "Component", "Publish", "send to "+d.Target)
		}
		if b.metrics != nil {
			b.metrics.MessagesEmitted.WithLabelValues(b.ctx.Address, d.Envelope.Stream).Inc()
		}
	}
	return nil
}

// Ack reports env processed to its auditor.
func (b *Base) Ack(ctx context.Context, env message.Envelope) error {
	b.Fire(hooks.EventAck, env, "")
	if b.metrics != nil {
		b.metrics.MessagesAcked.WithLabelValues(b.ctx.Address).Inc()
	}
	if !b.ctx.Acking || env.ID.Auditor == "" {
		return nil
	}
	return b.auditors.Ack(ctx, env.ID)
}

// Fail reports env failed to its auditor, failing its whole tree.
func (b *Base) Fail(ctx context.Context, env message.Envelope, cause string) error {
	b.Fire(hooks.EventFail, env, cause)
	if b.metrics != nil {
		b.metrics.MessagesFailed.WithLabelValues(b.ctx.Address).Inc()
	}
	if !b.ctx.Acking || env.ID.Auditor == "" {
		return nil
	}
	return b.auditors.Fail(ctx, env.ID, cause)
}

// Fire sends a lifecycle event about env to the hook observers.
func (b *Base) Fire(t hooks.EventType, env message.Envelope, cause string) {
	if b.hooks == nil {
		return
	}
	b.hooks.Fire(hooks.Event{
		Type:    t,
		Address: b.ctx.Address,
		ID:      env.ID.Correlation,
		Root:    env.ID.Root,
		Stream:  env.Stream,
		Cause:   cause,
	})
}

// FireLifecycle sends a start or stop event.
func (b *Base) FireLifecycle(t hooks.EventType) {
	if b.hooks == nil {
		return
	}
	b.hooks.Fire(hooks.Event{Type: t, Address: b.ctx.Address})
}

// SetStatus records the running state in the core metrics.
func (b *Base) SetStatus(running bool) {
	if b.metrics == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	b.metrics.ComponentStatus.WithLabelValues(b.ctx.Address).Set(v)
}

// Listen subscribes to the instance address. Undecodable envelopes are logged and dropped.
func (b *Base) Listen(ctx context.Context, handler func(context.Context, message.Envelope)) error {
	sub, err := b.transport.Subscribe(ctx, b.ctx.Address, func(msgCtx context.Context, data []byte) {
		env, err := message.Unmarshal(data)
		if err != nil {
			b.logger.Warn("Dropping undecodable message", "error", err)
			return
		}
		if b.metrics != nil {
			b.metrics.MessagesReceived.WithLabelValues(b.ctx.Address).Inc()
		}
		b.Fire(hooks.EventReceive, env, "")
		handler(msgCtx, env)
	})
	if err != nil {
		return errors.WrapTransient(err, "Component", "Listen", "subscribe "+b.ctx.Address)
	}
	b.track(sub)
	return nil
}

// ListenAudit subscribes to the auditor notifications for this instance.
func (b *Base) ListenAudit(ctx context.Context, handler func(context.Context, auditor.Notification)) error {
	subject := auditor.NotifySubject(b.ctx.Address)
	sub, err := b.transport.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
		n, err := auditor.DecodeNotification(data)
		if err != nil {
			b.logger.Warn("Dropping undecodable notification", "error", err)
			return
		}
		handler(msgCtx, n)
	})
	if err != nil {
		return errors.WrapTransient(err, "Component", "ListenAudit", "subscribe "+subject)
	}
	b.track(sub)
	return nil
}

func (b *Base) track(sub transport.Subscription) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

// Close removes every subscription made through Listen and ListenAudit.
func (b *Base) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	var first error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && first == nil {
			first = errors.Wrap(err, "Component", "Close", "unsubscribe")
		}
	}
	return first
}

// RecordOutcome counts a root resolved at this producer.
func (b *Base) RecordOutcome(outcome string) {
	if b.metrics == nil {
		return
	}
	b.metrics.RootsCompleted.WithLabelValues(b.ctx.Address, outcome).Inc()
}
