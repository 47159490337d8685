package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/streamkit/errors"
)

// Interceptor decides how many times a published message is delivered: 0 drops it, 1 is
// normal delivery, more duplicates it. Tests use it to model lossy or at-least-once buses.
type Interceptor func(subject string, data []byte) int

// Memory is an in-process Transport. Publish never blocks on subscribers: each subscription
// owns an unbounded FIFO drained by its own goroutine.
type Memory struct {
	mu          sync.RWMutex
	subs        map[*memorySub]struct{}
	published   map[string]int
	interceptor Interceptor
	closed      bool
}

var _ Transport = (*Memory)(nil)

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		subs:      make(map[*memorySub]struct{}),
		published: make(map[string]int),
	}
}

// SetInterceptor installs fn for subsequent publishes. nil restores normal delivery.
func (m *Memory) SetInterceptor(fn Interceptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interceptor = fn
}

// Publish delivers a copy of data to every matching subscription.
func (m *Memory) Publish(_ context.Context, subject string, data []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.WrapTransient(errors.ErrNoConnection, "Memory", "Publish", "publish on closed transport")
	}
	m.published[subject]++
	copies := 1
	if m.interceptor != nil {
		copies = m.interceptor(subject, data)
	}
	var targets []*memorySub
	for sub := range m.subs {
		if MatchSubject(sub.pattern, subject) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for i := 0; i < copies; i++ {
		for _, sub := range targets {
			buf := make([]byte, len(data))
			copy(buf, data)
			sub.push(buf)
		}
	}
	return nil
}

// Subscribe registers handler for subjects matching pattern. Delivery stops when the
// subscription is unsubscribed, ctx is done, or the transport is closed.
func (m *Memory) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil handler"), "Memory", "Subscribe", "validate handler")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Memory", "Subscribe", "subscribe on closed transport")
	}

	sub := &memorySub{
		owner:   m,
		pattern: pattern,
		handler: handler,
		ctx:     ctx,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m.subs[sub] = struct{}{}
	go sub.run()
	return sub, nil
}

// Published returns how many messages were published on subject.
func (m *Memory) Published(subject string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.published[subject]
}

// Close stops every subscription. Further publishes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.subs = make(map[*memorySub]struct{})
	m.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (m *Memory) remove(sub *memorySub) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

type memorySub struct {
	owner   *Memory
	pattern string
	handler Handler
	ctx     context.Context

	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *memorySub) push(data []byte) {
	s.mu.Lock()
	s.pending = append(s.pending, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.owner.remove(s)
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			data := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.handler(s.ctx, data)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe implements Subscription.
func (s *memorySub) Unsubscribe() error {
	s.owner.remove(s)
	s.stop()
	return nil
}
