package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/auditor"
	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/feeder"
	"github.com/c360/streamkit/grouping"
	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/transport"
)

const (
	auditorAddr = "net.auditor.0"
	feederAddr  = "net.feeder.0"
	workerAddr  = "net.w.0"
	sinkAddr    = "net.sink.0"
)

type testbed struct {
	t   *testing.T
	ctx context.Context
	mem *transport.Memory
	clk *clock.Mock
	aud *auditor.Auditor
}

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tb := &testbed{t: t, ctx: ctx, mem: transport.NewMemory(), clk: clock.NewMock()}

	aud, err := auditor.New(auditor.Config{Address: auditorAddr, AckTimeout: time.Minute, Shards: 1},
		tb.mem, auditor.WithClock(tb.clk))
	require.NoError(t, err)
	require.NoError(t, aud.Start(ctx))
	tb.aud = aud

	t.Cleanup(func() {
		_ = aud.Stop(time.Second)
		cancel()
		_ = tb.mem.Close()
	})
	return tb
}

func (tb *testbed) instance(address string, role component.Role, outputs ...component.Connection) component.Context {
	return component.Context{
		Network:    "net",
		Name:       address,
		Address:    address,
		Role:       role,
		Instances:  1,
		Acking:     true,
		AckTimeout: time.Minute,
		Auditors:   []string{auditorAddr},
		Outputs:    outputs,
	}
}

func (tb *testbed) deps() component.Dependencies {
	return component.Dependencies{Transport: tb.mem, Clock: tb.clk}
}

func to(name, address string) component.Connection {
	return component.Connection{Target: name, Targets: []string{address}, Selector: &grouping.RoundRobinSelector{}}
}

func (tb *testbed) start(c component.Component) {
	tb.t.Helper()
	require.NoError(tb.t, c.Start(tb.ctx))
	tb.t.Cleanup(func() { _ = c.Stop(time.Second) })
}

func (tb *testbed) worker(address string, cfg Config, h Handler, outputs ...component.Connection) *Worker {
	tb.t.Helper()
	w, err := New(tb.instance(address, component.RoleWorker, outputs...), tb.deps(), cfg, h)
	require.NoError(tb.t, err)
	return w
}

func (tb *testbed) feeder() *feeder.Feeder {
	tb.t.Helper()
	f, err := feeder.New(tb.instance(feederAddr, component.RoleFeeder, to("w", workerAddr)), tb.deps(), feeder.DefaultConfig())
	require.NoError(tb.t, err)
	tb.start(f)
	return f
}

// emit sends body from the feeder and returns a channel carrying its outcome.
func (tb *testbed) emit(f *feeder.Feeder, body message.Body) <-chan error {
	tb.t.Helper()
	out := make(chan error, 2)
	_, err := f.Emit(tb.ctx, body, func(err error) { out <- err })
	require.NoError(tb.t, err)
	return out
}

func outcome(t *testing.T, out <-chan error) error {
	t.Helper()
	select {
	case err := <-out:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome")
		return nil
	}
}

// sink records messages and leaves acking to the test.
type sink struct {
	mu   sync.Mutex
	msgs []message.Envelope
}

func (s *sink) handle(_ context.Context, _ *Worker, msg message.Envelope) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *sink) get(i int) message.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[i]
}

func TestWorker_AutoAck(t *testing.T) {
	tb := newTestbed(t)
	s := &sink{}
	tb.start(tb.worker(workerAddr, Config{AutoAck: true}, s.handle))
	f := tb.feeder()

	assert.NoError(t, outcome(t, tb.emit(f, message.Body{"foo": "bar"})))
	assert.Equal(t, 1, s.count())
}

func TestWorker_ExplicitFail(t *testing.T) {
	tb := newTestbed(t)
	tb.start(tb.worker(workerAddr, Config{}, func(ctx context.Context, w *Worker, msg message.Envelope) {
		_ = w.Fail(ctx, msg, "cannot parse")
	}))
	f := tb.feeder()

	err := outcome(t, tb.emit(f, message.Body{}))
	assert.True(t, errors.IsFailure(err))
	assert.Contains(t, err.Error(), "cannot parse")
}

func TestWorker_FailWinsOverAutoAck(t *testing.T) {
	tb := newTestbed(t)
	tb.start(tb.worker(workerAddr, Config{AutoAck: true}, func(ctx context.Context, w *Worker, msg message.Envelope) {
		_ = w.Fail(ctx, msg, "bad")
	}))
	f := tb.feeder()

	assert.True(t, errors.IsFailure(outcome(t, tb.emit(f, message.Body{}))))
}

func TestWorker_TreeCompletesAfterEveryChild(t *testing.T) {
	tb := newTestbed(t)
	s := &sink{}
	sinkWorker := tb.worker(sinkAddr, Config{}, s.handle)
	tb.start(sinkWorker)

	split := Splitter(func(body message.Body) []message.Body {
		items, _ := body["items"].([]any)
		out := make([]message.Body, 0, len(items))
		for _, item := range items {
			out = append(out, message.Body{"item": item})
		}
		return out
	})
	tb.start(tb.worker(workerAddr, Config{}, split, to("sink", sinkAddr)))
	f := tb.feeder()

	out := tb.emit(f, message.Body{"items": []any{"a", "b", "c"}})
	require.Eventually(t, func() bool { return s.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		require.NoError(t, sinkWorker.Ack(tb.ctx, s.get(i)))
	}
	select {
	case err := <-out:
		t.Fatalf("tree resolved before the last child was acked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, sinkWorker.Ack(tb.ctx, s.get(2)))
	assert.NoError(t, outcome(t, out))

	root := s.get(0).ID.Root
	for i := 0; i < 3; i++ {
		child := s.get(i)
		assert.Equal(t, root, child.ID.Root)
		assert.Equal(t, root, child.ID.Parent, "the splitter received the root itself")
	}
}

func TestWorker_FilterBuiltin(t *testing.T) {
	tb := newTestbed(t)
	s := &sink{}
	tb.start(tb.worker(sinkAddr, Config{AutoAck: true}, s.handle))

	onlyErrors := Filter(func(body message.Body) bool { return body["level"] == "error" })
	tb.start(tb.worker(workerAddr, Config{}, onlyErrors, to("sink", sinkAddr)))
	f := tb.feeder()

	assert.NoError(t, outcome(t, tb.emit(f, message.Body{"level": "info"})))
	assert.Equal(t, 0, s.count())

	assert.NoError(t, outcome(t, tb.emit(f, message.Body{"level": "error"})))
	assert.Equal(t, 1, s.count())
	assert.Equal(t, "error", s.get(0).Body["level"])
}

func TestWorker_AggregatorBuiltin(t *testing.T) {
	tb := newTestbed(t)
	s := &sink{}
	tb.start(tb.worker(sinkAddr, Config{AutoAck: true}, s.handle))

	pairs := Aggregator(Aggregation{
		Key: func(body message.Body) string { return body["user"].(string) },
		Init: func(first message.Body) message.Body {
			return message.Body{"user": first["user"], "items": []any{}}
		},
		Aggregate: func(current, next message.Body) message.Body {
			current["items"] = append(current["items"].([]any), next["n"])
			return current
		},
		Complete: func(current message.Body) bool { return len(current["items"].([]any)) == 2 },
	})
	tb.start(tb.worker(workerAddr, Config{}, pairs, to("sink", sinkAddr)))
	f := tb.feeder()

	first := tb.emit(f, message.Body{"user": "ann", "n": "a"})
	other := tb.emit(f, message.Body{"user": "bob", "n": "x"})
	last := tb.emit(f, message.Body{"user": "ann", "n": "b"})

	assert.NoError(t, outcome(t, first))
	assert.NoError(t, outcome(t, last))
	require.Equal(t, 1, s.count())
	assert.Equal(t, "ann", s.get(0).Body["user"])
	assert.Equal(t, []any{"a", "b"}, s.get(0).Body["items"])

	select {
	case err := <-other:
		t.Fatalf("incomplete group resolved: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	assert.NoError(t, outcome(t, tb.emit(f, message.Body{"user": "bob", "n": "y"})))
	assert.NoError(t, outcome(t, other))
	require.Equal(t, 2, s.count())
	assert.Equal(t, []any{"x", "y"}, s.get(1).Body["items"])
}

func TestWorker_RoutingFailureFailsTree(t *testing.T) {
	tb := newTestbed(t)
	emitErr := make(chan error, 1)
	dangling := component.Connection{Target: "gone", Selector: &grouping.RoundRobinSelector{}}
	tb.start(tb.worker(workerAddr, Config{}, func(ctx context.Context, w *Worker, msg message.Envelope) {
		_, err := w.Emit(ctx, msg.Body, &msg)
		emitErr <- err
	}, dangling))
	f := tb.feeder()

	err := outcome(t, tb.emit(f, message.Body{}))
	assert.True(t, errors.IsFailure(err))
	assert.ErrorIs(t, <-emitErr, errors.ErrRoutingFailure)
}

func TestWorker_EmitBackpressure(t *testing.T) {
	tb := newTestbed(t)
	s := &sink{}
	tb.start(tb.worker(sinkAddr, Config{AutoAck: true}, s.handle))

	// Ports only publish once the worker is started, so emits pile up.
	w := tb.worker(workerAddr, Config{MaxQueueSize: 2}, s.handle, to("sink", sinkAddr))
	for i := 0; i < 2; i++ {
		_, err := w.Emit(tb.ctx, message.Body{"i": i}, nil)
		require.NoError(t, err)
	}
	assert.True(t, w.Full(message.DefaultStream))
	_, err := w.Emit(tb.ctx, message.Body{"i": 2}, nil)
	assert.ErrorIs(t, err, errors.ErrQueueFull)

	waited := make(chan error, 1)
	go func() { waited <- w.waitDrain(tb.ctx) }()
	select {
	case <-waited:
		t.Fatal("waitDrain returned while the port was full")
	case <-time.After(30 * time.Millisecond):
	}

	tb.start(w)
	select {
	case err := <-waited:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not release the worker")
	}
	require.Eventually(t, func() bool { return s.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, w.Full(message.DefaultStream))
}

func TestWorker_OnFullAndOnDrain(t *testing.T) {
	tb := newTestbed(t)
	w := tb.worker(workerAddr, Config{MaxQueueSize: 1}, (&sink{}).handle, to("sink", sinkAddr))

	var mu sync.Mutex
	var events []string
	w.OnFull(message.DefaultStream, func() { mu.Lock(); events = append(events, "full"); mu.Unlock() })
	w.OnDrain(message.DefaultStream, func() { mu.Lock(); events = append(events, "drain"); mu.Unlock() })

	_, err := w.Emit(tb.ctx, message.Body{}, nil)
	require.NoError(t, err)
	tb.start(w)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"full", "drain"}, events)
	mu.Unlock()
}

func TestWorker_OnFullReplacesHandler(t *testing.T) {
	tb := newTestbed(t)
	w := tb.worker(workerAddr, Config{MaxQueueSize: 1}, (&sink{}).handle, to("sink", sinkAddr))

	var first, second atomic.Int32
	w.OnFull(message.DefaultStream, func() { first.Add(1) })
	w.OnFull(message.DefaultStream, func() { second.Add(1) })

	_, err := w.Emit(tb.ctx, message.Body{}, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, int32(1), second.Load())
}

func TestWorker_EmitOnUnconnectedStream(t *testing.T) {
	tb := newTestbed(t)
	w := tb.worker(workerAddr, Config{}, (&sink{}).handle)
	id, err := w.EmitTo(tb.ctx, "nowhere", message.Body{}, nil)
	assert.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.False(t, w.Full("nowhere"))
}

func TestWorker_New(t *testing.T) {
	tb := newTestbed(t)

	_, err := New(tb.instance(workerAddr, component.RoleWorker), tb.deps(), Config{}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(tb.instance(feederAddr, component.RoleFeeder), tb.deps(), Config{}, Passthrough())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	w := tb.worker(workerAddr, Config{}, Passthrough(), to("a", "net.a.0"), component.Connection{
		Stream: "errors", Target: "b", Targets: []string{"net.b.0"}, Selector: &grouping.AllSelector{},
	})
	assert.Len(t, w.ports, 2)
	assert.NoError(t, w.Stop(time.Second), "stopping a worker that never started is a no-op")
}
