package queue

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/metric"
)

func TestSendQueue_FillAndDrain(t *testing.T) {
	q := New(3)
	assert.False(t, q.Full())

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue())
	}
	assert.True(t, q.Full())
	assert.Equal(t, 3, q.Size())

	err := q.Enqueue()
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.Equal(t, 3, q.Size(), "rejected enqueue does not count")
	assert.True(t, q.Full())

	assert.True(t, q.Dequeue(), "first dequeue after full drains")
	assert.False(t, q.Full())
	assert.False(t, q.Dequeue(), "no second drain without refilling")
	assert.False(t, q.Dequeue())
	assert.False(t, q.Dequeue(), "dequeue on empty is a no-op")
	assert.Equal(t, 0, q.Size())
}

// Full stays true until a dequeue, and each full period yields exactly one drain.
func TestSendQueue_ExactlyOneDrainPerTransition(t *testing.T) {
	q := New(2)
	drains := 0

	for cycle := 0; cycle < 5; cycle++ {
		for q.Enqueue() == nil {
		}
		// Repeated rejected enqueues keep it full.
		for i := 0; i < 3; i++ {
			assert.ErrorIs(t, q.Enqueue(), errors.ErrQueueFull)
			assert.True(t, q.Full())
		}
		for q.Size() > 0 {
			if q.Dequeue() {
				drains++
			}
		}
	}
	assert.Equal(t, 5, drains)
}

func TestSendQueue_InterleavedAtBoundary(t *testing.T) {
	q := New(1)
	drains := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue())
		require.True(t, q.Full())
		if q.Dequeue() {
			drains++
		}
	}
	assert.Equal(t, 10, drains)
}

func TestSendQueue_SetMaxSize(t *testing.T) {
	q := New(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue())
	}
	assert.False(t, q.SetMaxSize(2))
	assert.True(t, q.Full())

	assert.True(t, q.SetMaxSize(10), "growing past size drains")
	assert.False(t, q.Full())
	assert.Equal(t, 10, q.MaxSize())
}

func TestSendQueue_DefaultSize(t *testing.T) {
	assert.Equal(t, DefaultMaxSize, New(0).MaxSize())
}

func TestSendQueue_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	q := New(1, WithMetrics(registry, "feeder_out"))
	require.NotNil(t, q.metrics)

	require.NoError(t, q.Enqueue())
	_ = q.Enqueue()
	q.Dequeue()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetCounter() != nil {
				values[f.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["streamkit_queue_rejected_total"])
	assert.Equal(t, 1.0, values["streamkit_queue_drain_total"])
	assert.Equal(t, 1.0, values["streamkit_queue_full_total"])
}

func TestSendQueue_DuplicateMetricsAreLogged(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	first := New(1, WithLogger(logger), WithMetrics(registry, "net.f.0"))
	require.NotNil(t, first.metrics)
	assert.Empty(t, buf.String())

	second := New(1, WithMetrics(registry, "net.f.0"), WithLogger(logger))
	assert.Nil(t, second.metrics)
	assert.Contains(t, buf.String(), "Queue metrics not registered")
	assert.Contains(t, buf.String(), "queue=net.f.0")

	require.NoError(t, second.Enqueue())
	assert.True(t, second.Full())
}
