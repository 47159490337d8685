package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	require.NoError(t, d.Register("rec", rec))

	d.Fire(Event{Type: EventStart, Address: "net.w.0"})
	d.Fire(Event{Type: EventReceive, Address: "net.w.0", ID: "a"})
	d.Fire(Event{Type: EventAck, Address: "net.w.0", ID: "a"})

	require.NoError(t, d.Close(time.Second))
	assert.Equal(t, []EventType{EventStart, EventReceive, EventAck}, rec.types())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(t, rec.events[0].Timestamp.IsZero())
}

func TestDispatcher_DuplicateAndNilObserver(t *testing.T) {
	d := NewDispatcher()
	defer d.Close(time.Second)

	require.NoError(t, d.Register("a", &recorder{}))
	assert.Error(t, d.Register("a", &recorder{}))
	assert.Error(t, d.Register("b", nil))
}

func TestDispatcher_SlowObserverDoesNotBlock(t *testing.T) {
	d := NewDispatcher(WithBufferSize(1))
	release := make(chan struct{})
	require.NoError(t, d.Register("slow", ObserverFunc(func(Event) { <-release })))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Fire(Event{Type: EventEmit, Address: "net.f.0"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fire blocked on a slow observer")
	}

	assert.Greater(t, d.Dropped(), uint64(0))
	close(release)
	require.NoError(t, d.Close(time.Second))
}

func TestDispatcher_PanickingObserverIsIsolated(t *testing.T) {
	d := NewDispatcher()
	rec := &recorder{}
	require.NoError(t, d.Register("panics", ObserverFunc(func(Event) { panic("boom") })))
	require.NoError(t, d.Register("rec", rec))

	d.Fire(Event{Type: EventFail, Address: "net.w.0"})
	d.Fire(Event{Type: EventFailed, Address: "net.f.0"})

	require.NoError(t, d.Close(time.Second))
	assert.Equal(t, []EventType{EventFail, EventFailed}, rec.types())
}

func TestDispatcher_NilAndClosed(t *testing.T) {
	var d *Dispatcher
	d.Fire(Event{Type: EventStart})
	assert.Equal(t, uint64(0), d.Dropped())
	assert.NoError(t, d.Close(time.Second))

	live := NewDispatcher()
	require.NoError(t, live.Close(time.Second))
	live.Fire(Event{Type: EventStart})
	assert.Error(t, live.Register("late", &recorder{}))
	assert.NoError(t, live.Close(time.Second))
}

func TestDispatcher_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	d := NewDispatcher(WithMetrics(registry))
	require.NoError(t, d.Register("rec", &recorder{}))

	d.Fire(Event{Type: EventAcked, Address: "net.f.0"})
	require.NoError(t, d.Close(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, f := range families {
		if f.GetName() == "streamkit_hooks_events_total" {
			found = true
			assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestLogObserver(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	o := NewLogObserver(logger)
	o.Observe(Event{Type: EventTimeout, Address: "net.f.0", ID: "r1", Root: "r1", Cause: "ack timeout exceeded"})

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "event=timeout")
	assert.Contains(t, out, "id=r1")
	assert.NotContains(t, out, "root=")
}

func TestTransportObserver_Publishes(t *testing.T) {
	mem := transport.NewMemory()
	defer mem.Close()

	var got atomic.Value
	received := make(chan struct{}, 1)
	_, err := mem.Subscribe(context.Background(), "hooks.>", func(_ context.Context, data []byte) {
		var e Event
		if json.Unmarshal(data, &e) == nil {
			got.Store(e)
			received <- struct{}{}
		}
	})
	require.NoError(t, err)

	o := NewTransportObserver(mem, time.Second, nil)
	o.Observe(Event{Type: EventEmit, Address: "net.f.0", ID: "x", Stream: "default"})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("hook event not published")
	}

	e := got.Load().(Event)
	assert.Equal(t, EventEmit, e.Type)
	assert.Equal(t, "x", e.ID)
	assert.Equal(t, 1, mem.Published("hooks.net.f.0"))
}
