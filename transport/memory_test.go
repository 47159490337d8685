package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) handle(_ context.Context, data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		match            bool
	}{
		{"net.worker.0", "net.worker.0", true},
		{"net.worker.0", "net.worker.1", false},
		{"net.*.0", "net.worker.0", true},
		{"net.*", "net.worker.0", false},
		{"hooks.>", "hooks.net.worker.0", true},
		{"hooks.>", "hooks", false},
		{"net.worker.0.audit", "net.worker.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, MatchSubject(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}

func TestMemory_PublishSubscribeInOrder(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	c := &collector{}
	_, err := m.Subscribe(context.Background(), "net.worker.0", c.handle)
	require.NoError(t, err)

	var expected []string
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("m%d", i)
		expected = append(expected, msg)
		require.NoError(t, m.Publish(context.Background(), "net.worker.0", []byte(msg)))
	}
	require.NoError(t, m.Publish(context.Background(), "net.worker.1", []byte("other")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 100 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, expected, c.snapshot())
	assert.Equal(t, 100, m.Published("net.worker.0"))
}

func TestMemory_PublishDoesNotBlockOnSlowHandler(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	release := make(chan struct{})
	_, err := m.Subscribe(context.Background(), "slow", func(context.Context, []byte) { <-release })
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = m.Publish(context.Background(), "slow", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)
}

// A handler may publish to its own subject without deadlocking.
func TestMemory_ReentrantPublish(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	c := &collector{}
	_, err := m.Subscribe(context.Background(), "loop", func(ctx context.Context, data []byte) {
		c.handle(ctx, data)
		if len(data) < 3 {
			_ = m.Publish(ctx, "loop", append(data, 'x'))
		}
	})
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), "loop", []byte("x")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestMemory_Unsubscribe(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	c := &collector{}
	sub, err := m.Subscribe(context.Background(), "s", c.handle)
	require.NoError(t, err)
	require.NoError(t, m.Publish(context.Background(), "s", []byte("1")))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, m.Publish(context.Background(), "s", []byte("2")))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"1"}, c.snapshot())
}

func TestMemory_Interceptor(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	c := &collector{}
	_, err := m.Subscribe(context.Background(), ">", c.handle)
	require.NoError(t, err)

	m.SetInterceptor(func(subject string, _ []byte) int {
		switch subject {
		case "drop":
			return 0
		case "dup":
			return 2
		}
		return 1
	})

	require.NoError(t, m.Publish(context.Background(), "drop", []byte("d")))
	require.NoError(t, m.Publish(context.Background(), "dup", []byte("u")))
	require.NoError(t, m.Publish(context.Background(), "ok", []byte("o")))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u", "u", "o"}, c.snapshot())
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.Error(t, m.Publish(context.Background(), "s", nil))
	_, err := m.Subscribe(context.Background(), "s", func(context.Context, []byte) {})
	assert.Error(t, err)
}
