package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/c360/streamkit/auditor"
	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/hooks"
	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/queue"
)

// request is one caller-visible message. It outlives the roots it is resubmitted as.
type request struct {
	original string
	stream   string
	body     message.Body
	retries  int
	noRetry  bool
	done     func(error, message.Body)
	result   message.Body
}

// producer is the state machine shared by feeders and executors.
type producer struct {
	*component.Base
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	queue    *queue.SendQueue
	inflight map[string]*request // keyed by the root id of the current attempt
	onFull   []func()
	onDrain  []func()

	drained  chan struct{}
	feed     func(context.Context)
	running  atomic.Bool
	stopped  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func newProducer(cctx component.Context, deps component.Dependencies, cfg Config) (*producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := component.NewBase(cctx, deps)
	if err != nil {
		return nil, err
	}

	opts := []queue.Option{queue.WithLogger(base.Logger())}
	if deps.MetricsRegistry != nil {
		opts = append(opts, queue.WithMetrics(deps.MetricsRegistry, cctx.Address))
	}

	p := &producer{
		Base:     base,
		cfg:      cfg,
		queue:    queue.New(cfg.MaxQueueSize, opts...),
		inflight: make(map[string]*request),
		drained:  make(chan struct{}, 1),
	}
	if cfg.MaxRate > 0 {
		burst := int(cfg.MaxRate)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRate), burst)
	}
	return p, nil
}

// Config returns the producer configuration.
func (p *producer) Config() Config { return p.cfg }

// Full reports whether the in-flight window is exhausted.
func (p *producer) Full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Full()
}

// InFlight returns the number of unresolved messages.
func (p *producer) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Size()
}

// MaxQueueSize returns the in-flight window size.
func (p *producer) MaxQueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.MaxSize()
}

// SetMaxQueueSize resizes the in-flight window, firing full or drain handlers when the
// change crosses the boundary.
func (p *producer) SetMaxQueueSize(n int) {
	p.mu.Lock()
	wasFull := p.queue.Full()
	drained := p.queue.SetMaxSize(n)
	becameFull := !wasFull && p.queue.Full()
	onFull, onDrain := p.handlers()
	p.mu.Unlock()

	if becameFull {
		run(onFull)
	}
	if drained {
		p.signalDrain(onDrain)
	}
}

// OnFull adds a handler run each time the producer becomes full.
func (p *producer) OnFull(fn func()) {
	p.mu.Lock()
	p.onFull = append(p.onFull, fn)
	p.mu.Unlock()
}

// OnDrain adds a handler run each time a full producer can accept messages again.
func (p *producer) OnDrain(fn func()) {
	p.mu.Lock()
	p.onDrain = append(p.onDrain, fn)
	p.mu.Unlock()
}

func (p *producer) handlers() ([]func(), []func()) {
	return append([]func(){}, p.onFull...), append([]func(){}, p.onDrain...)
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func (p *producer) signalDrain(onDrain []func()) {
	select {
	case p.drained <- struct{}{}:
	default:
	}
	run(onDrain)
}

// submit admits body as a new root and sends it. The returned id is the one every outcome
// of the message is reported under.
func (p *producer) submit(ctx context.Context, stream string, body message.Body, done func(error, message.Body)) (string, error) {
	if !p.running.Load() {
		return "", errors.WrapTransient(errors.ErrNotStarted, "Producer", "submit", "emit on "+p.Address())
	}

	p.mu.Lock()
	if err := p.queue.Enqueue(); err != nil {
		p.mu.Unlock()
		return "", err
	}
	becameFull := p.queue.Full()
	onFull, onDrain := p.handlers()

	env := p.NewRoot(stream, body)
	req := &request{
		original: env.ID.Correlation,
		stream:   env.Stream,
		body:     body,
		done:     done,
	}
	p.inflight[env.ID.Root] = req
	p.mu.Unlock()

	if becameFull {
		run(onFull)
	}

	if err := p.send(ctx, env, req); err != nil {
		p.mu.Lock()
		delete(p.inflight, env.ID.Root)
		drained := p.queue.Dequeue()
		p.mu.Unlock()
		if drained {
			p.signalDrain(onDrain)
		}
		return "", err
	}
	return env.ID.Correlation, nil
}

// send routes env, registers it with its auditor and publishes it. Outcomes decided
// locally, such as a root with no deliveries, are published to the producer's own
// notification subject so they arrive through the same path as auditor notifications.
func (p *producer) send(ctx context.Context, env message.Envelope, req *request) error {
	deliveries, err := p.Prepare(env)
	if err != nil {
		// The topology is fixed for the lifetime of the deployment; resubmitting cannot
		// find a target that does not exist.
		p.mu.Lock()
		req.noRetry = true
		p.mu.Unlock()
		p.Logger().Warn("Routing failed", "id", req.original, "error", err)
		return p.notifySelf(ctx, auditor.Notification{
			Root: env.ID.Root, Result: auditor.ResultFailed, Cause: err.Error(),
		})
	}

	if len(deliveries) == 0 {
		return p.notifySelf(ctx, auditor.Notification{Root: env.ID.Root, Result: auditor.ResultAcked})
	}

	if err := p.Register(ctx, env, deliveries); err != nil {
		return err
	}
	if err := p.Publish(ctx, deliveries); err != nil {
		return err
	}
	p.Fire(hooks.EventEmit, env, "")

	if !p.Acking() {
		return p.notifySelf(ctx, auditor.Notification{Root: env.ID.Root, Result: auditor.ResultAcked})
	}
	return nil
}

func (p *producer) notifySelf(ctx context.Context, n auditor.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return errors.WrapInvalid(err, "Producer", "notifySelf", "marshal notification")
	}
	if err := p.Transport().Publish(ctx, auditor.NotifySubject(p.Address()), data); err != nil {
		return errors.WrapTransient(err, "Producer", "notifySelf", "publish notification")
	}
	return nil
}

func (p *producer) retryAllowed(req *request) bool {
	if !p.cfg.AutoRetry || req.noRetry || !p.running.Load() {
		return false
	}
	return p.cfg.RetryAttempts < 0 || req.retries < p.cfg.RetryAttempts
}

// handleNotification resolves or resubmits the request behind n.Root. Notifications for
// roots that are not in flight are duplicates and are ignored.
func (p *producer) handleNotification(ctx context.Context, n auditor.Notification) {
	p.mu.Lock()
	req, ok := p.inflight[n.Root]
	if !ok {
		p.mu.Unlock()
		p.Logger().Debug("Ignoring notification for unknown root", "root", n.Root, "result", n.Result)
		return
	}
	delete(p.inflight, n.Root)

	if n.Result == auditor.ResultAcked || !p.retryAllowed(req) {
		p.mu.Unlock()
		p.complete(req, n)
		return
	}

	req.retries++
	req.result = nil
	env := p.NewRoot(req.stream, req.body)
	p.inflight[env.ID.Root] = req
	p.mu.Unlock()

	p.Logger().Debug("Resubmitting message",
		"id", req.original,
		"attempt", req.retries+1,
		"previous_result", n.Result)

	if err := p.send(ctx, env, req); err != nil {
		p.mu.Lock()
		delete(p.inflight, env.ID.Root)
		p.mu.Unlock()
		p.complete(req, auditor.Notification{Root: env.ID.Root, Result: auditor.ResultFailed, Cause: err.Error()})
	}
}

// complete releases the request's queue slot and reports its final outcome.
func (p *producer) complete(req *request, n auditor.Notification) {
	p.mu.Lock()
	drained := p.queue.Dequeue()
	result := req.result
	_, onDrain := p.handlers()
	p.mu.Unlock()

	env := message.Envelope{
		ID:     message.ID{Correlation: req.original, Root: n.Root},
		Stream: req.stream,
	}
	switch n.Result {
	case auditor.ResultAcked:
		p.Fire(hooks.EventAcked, env, "")
	case auditor.ResultTimedOut:
		p.Fire(hooks.EventTimeout, env, n.Cause)
	default:
		p.Fire(hooks.EventFailed, env, n.Cause)
	}
	p.RecordOutcome(string(n.Result))

	if req.done != nil {
		req.done(n.Err(req.original), result)
	}
	if drained {
		p.signalDrain(onDrain)
	}
}

// recordResult attaches a result body to the request in flight under root.
func (p *producer) recordResult(root string, body message.Body) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.inflight[root]
	if ok {
		req.result = body
	}
	return ok
}

// waitDrain blocks until the producer is not full.
func (p *producer) waitDrain(ctx context.Context) error {
	for p.Full() {
		select {
		case <-p.drained:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.shutdown:
			return errors.ErrShuttingDown
		}
	}
	return nil
}

// checkRestart fails once the producer has been stopped: roots still in flight keep their
// queue slots and their notifications were missed while unsubscribed.
func (p *producer) checkRestart(comp string) error {
	if p.stopped.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStopped, comp, "Start", "restart "+p.Address())
	}
	return nil
}

// start subscribes to notifications and, in polling mode, starts the feed loop.
func (p *producer) start(ctx context.Context) error {
	if err := p.checkRestart("Producer"); err != nil {
		return err
	}
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	p.shutdown = make(chan struct{})

	if err := p.ListenAudit(ctx, p.handleNotification); err != nil {
		p.running.Store(false)
		return err
	}

	if p.cfg.Mode == ModePolling && p.feed != nil {
		timer := p.Clock().Timer(p.cfg.FeedInterval)
		p.wg.Add(1)
		go p.poll(ctx, timer)
	}

	p.SetStatus(true)
	p.FireLifecycle(hooks.EventStart)
	p.Logger().Info("Producer started", "mode", p.cfg.Mode, "max_queue_size", p.MaxQueueSize())
	return nil
}

// poll calls the feed handler every FeedInterval. While the producer is full the loop
// only wakes for a drain.
func (p *producer) poll(ctx context.Context, timer *clock.Timer) {
	defer p.wg.Done()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-timer.C:
		case <-p.drained:
		}

		if p.Full() {
			continue
		}
		if p.limiter == nil || p.limiter.Allow() {
			p.feed(ctx)
		}
		timer.Reset(p.cfg.FeedInterval)
	}
}

func (p *producer) stop(timeout time.Duration) error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.stopped.Store(true)
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Producer", "Stop", "wait for feed loop")
	}

	if err := p.Close(); err != nil && stopErr == nil {
		stopErr = err
	}

	if n := p.InFlight(); n > 0 {
		p.Logger().Warn("Producer stopped with messages in flight", "in_flight", n)
	}
	p.SetStatus(false)
	p.FireLifecycle(hooks.EventStop)
	return stopErr
}
