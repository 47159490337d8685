package component

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/queue"
)

// PublishFunc hands a batch of deliveries to the transport.
type PublishFunc func(ctx context.Context, batch []Delivery) error

// Port is an instance's outbound buffer for one stream. Every emit reserves one slot of the
// port's send queue and holds it until all of its deliveries are published by the port's
// sender goroutine. While the queue is full Reserve fails with errors.ErrQueueFull; the
// drain handler fires once each time it stops being full.
type Port struct {
	stream  string
	publish PublishFunc
	logger  *slog.Logger

	mu      sync.Mutex
	queue   *queue.SendQueue
	pending [][]Delivery
	onFull  func()
	onDrain func()

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPort creates a port for stream admitting at most maxSize unpublished emits.
func NewPort(stream string, maxSize int, publish PublishFunc, logger *slog.Logger, registry *metric.MetricsRegistry, owner string) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []queue.Option{queue.WithLogger(logger)}
	if registry != nil {
		opts = append(opts, queue.WithMetrics(registry, owner+"."+stream))
	}
	return &Port{
		stream:  stream,
		publish: publish,
		logger:  logger,
		queue:   queue.New(maxSize, opts...),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Stream returns the port's stream.
func (p *Port) Stream() string { return p.stream }

// Full reports whether the port is applying backpressure.
func (p *Port) Full() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Full()
}

// Size returns the number of reserved slots.
func (p *Port) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Size()
}

// SetMaxSize resizes the port's queue.
func (p *Port) SetMaxSize(n int) {
	p.mu.Lock()
	drained := p.queue.SetMaxSize(n)
	fn := p.onDrain
	p.mu.Unlock()
	if drained && fn != nil {
		fn()
	}
}

// OnFull sets the handler run when the port becomes full.
func (p *Port) OnFull(fn func()) {
	p.mu.Lock()
	p.onFull = fn
	p.mu.Unlock()
}

// OnDrain sets the handler run when the port stops being full.
func (p *Port) OnDrain(fn func()) {
	p.mu.Lock()
	p.onDrain = fn
	p.mu.Unlock()
}

// Reserve takes a slot for one emit.
func (p *Port) Reserve() error {
	p.mu.Lock()
	if err := p.queue.Enqueue(); err != nil {
		p.mu.Unlock()
		return err
	}
	full := p.queue.Full()
	fn := p.onFull
	p.mu.Unlock()

	if full && fn != nil {
		fn()
	}
	return nil
}

// Release gives back a reserved slot without sending.
func (p *Port) Release() {
	p.release()
}

// Push queues the deliveries of a reserved emit for sending. An empty batch releases the
// slot straight away.
func (p *Port) Push(batch []Delivery) {
	if len(batch) == 0 {
		p.release()
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, batch)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Port) release() {
	p.mu.Lock()
	drained := p.queue.Dequeue()
	fn := p.onDrain
	p.mu.Unlock()
	if drained && fn != nil {
		fn()
	}
}

// Start runs the sender goroutine until Stop.
func (p *Port) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop publishes what is already queued and stops the sender, waiting up to timeout.
func (p *Port) Stop(timeout time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
		close(p.done)
	}

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Port", "Stop", "flush "+p.stream)
	}
}

func (p *Port) next() ([]Delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return nil, false
	}
	batch := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return batch, true
}

func (p *Port) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		for {
			batch, ok := p.next()
			if !ok {
				break
			}
			if err := p.publish(ctx, batch); err != nil {
				p.logger.Warn("Failed to publish emit", "stream", p.stream, "error", err)
			}
			p.release()
		}

		select {
		case <-p.wake:
		case <-p.done:
			// Flush anything pushed before Stop.
			for {
				batch, ok := p.next()
				if !ok {
					return
				}
				if err := p.publish(ctx, batch); err != nil {
					p.logger.Warn("Failed to publish emit", "stream", p.stream, "error", err)
				}
				p.release()
			}
		case <-ctx.Done():
			return
		}
	}
}
