package component

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/message"
)

func batch(target string) []Delivery {
	return []Delivery{{Target: target, Envelope: message.Envelope{}}}
}

func TestPort_BackpressureAndSingleDrain(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var sent []string
	p := NewPort("default", 2, func(_ context.Context, b []Delivery) error {
		<-release
		mu.Lock()
		sent = append(sent, b[0].Target)
		mu.Unlock()
		return nil
	}, nil, nil, "net.w.0")

	var fulls, drains atomic.Int32
	p.OnFull(func() { fulls.Add(1) })
	p.OnDrain(func() { drains.Add(1) })

	p.Start(context.Background())
	defer p.Stop(time.Second)

	require.NoError(t, p.Reserve())
	p.Push(batch("a"))
	require.NoError(t, p.Reserve())
	p.Push(batch("b"))

	assert.True(t, p.Full())
	assert.Equal(t, int32(1), fulls.Load())
	assert.ErrorIs(t, p.Reserve(), errors.ErrQueueFull)
	assert.True(t, p.Full(), "stays full until something is published")

	close(release)
	require.Eventually(t, func() bool { return p.Size() == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, p.Full())
	assert.Equal(t, int32(1), drains.Load(), "exactly one drain per full period")

	mu.Lock()
	assert.Equal(t, []string{"a", "b"}, sent)
	mu.Unlock()
}

func TestPort_ReleaseAndEmptyPush(t *testing.T) {
	p := NewPort("default", 1, func(context.Context, []Delivery) error { return nil }, nil, nil, "net.w.0")
	var drains atomic.Int32
	p.OnDrain(func() { drains.Add(1) })

	require.NoError(t, p.Reserve())
	assert.True(t, p.Full())
	p.Release()
	assert.False(t, p.Full())

	require.NoError(t, p.Reserve())
	p.Push(nil)
	assert.Equal(t, 0, p.Size())
	assert.Equal(t, int32(2), drains.Load())
}

func TestPort_StopFlushesPending(t *testing.T) {
	var count atomic.Int32
	p := NewPort("default", 10, func(context.Context, []Delivery) error {
		count.Add(1)
		return nil
	}, nil, nil, "net.w.0")

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Reserve())
		p.Push(batch("t"))
	}
	p.Start(context.Background())
	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int32(5), count.Load())
	assert.NoError(t, p.Stop(time.Second))
}

func TestPort_SetMaxSize(t *testing.T) {
	p := NewPort("default", 1, func(context.Context, []Delivery) error { return nil }, nil, nil, "net.w.0")
	var drains atomic.Int32
	p.OnDrain(func() { drains.Add(1) })

	require.NoError(t, p.Reserve())
	require.True(t, p.Full())
	p.SetMaxSize(3)
	assert.False(t, p.Full())
	assert.Equal(t, int32(1), drains.Load())
}
