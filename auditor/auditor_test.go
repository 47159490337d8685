package auditor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/transport"
)

const (
	testAuditor  = "net.auditor.0"
	testProducer = "net.feeder.0"
	testTimeout  = 500 * time.Millisecond
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	mem    *transport.Memory
	clk    *clock.Mock
	store  *MemoryStore
	aud    *Auditor
	client *Client
	issuer *message.Issuer

	mu    sync.Mutex
	notes []Notification
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		ctx:    ctx,
		mem:    transport.NewMemory(),
		clk:    clock.NewMock(),
		store:  NewMemoryStore(),
		issuer: message.NewIssuer(testProducer, func(string) string { return testAuditor }),
	}
	h.client = NewClient(h.mem)

	_, err := h.mem.Subscribe(ctx, NotifySubject(testProducer), func(_ context.Context, data []byte) {
		n, err := DecodeNotification(data)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.notes = append(h.notes, n)
		h.mu.Unlock()
	})
	require.NoError(t, err)

	h.aud = h.startAuditor(opts...)

	t.Cleanup(func() {
		_ = h.aud.Stop(time.Second)
		cancel()
		_ = h.mem.Close()
	})
	return h
}

// startAuditor starts a single-shard auditor, so signals are applied in publish order.
func (h *harness) startAuditor(opts ...Option) *Auditor {
	h.t.Helper()
	all := append([]Option{WithClock(h.clk), WithStore(h.store)}, opts...)
	a, err := New(Config{Address: testAuditor, AckTimeout: testTimeout, Shards: 1}, h.mem, all...)
	require.NoError(h.t, err)
	require.NoError(h.t, a.Start(h.ctx))
	return a
}

func (h *harness) root() message.ID {
	return h.issuer.Issue(nil)
}

func (h *harness) child(parent message.ID) message.ID {
	return h.issuer.Issue(&parent)
}

func (h *harness) create(root message.ID, ids ...string) {
	require.NoError(h.t, h.client.Create(h.ctx, root, ids, testProducer))
}

func (h *harness) notesFor(root string) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Notification
	for _, n := range h.notes {
		if n.Root == root {
			out = append(out, n)
		}
	}
	return out
}

func (h *harness) waitFor(root string) Notification {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return len(h.notesFor(root)) > 0
	}, 2*time.Second, 5*time.Millisecond, "no notification for %s", root)
	return h.notesFor(root)[0]
}

// flush waits until every signal published so far has been applied. A create with no
// deliveries resolves immediately and the single shard handles signals in order.
func (h *harness) flush() {
	h.t.Helper()
	marker := h.root()
	h.create(marker)
	h.waitFor(marker.Root)
}

func TestAuditor_AckedOnceAfterWholeTree(t *testing.T) {
	h := newHarness(t)

	root := h.root()
	c1 := h.child(root)
	c2 := h.child(root)
	g1 := h.child(c1)

	h.create(root, root.Correlation)
	require.NoError(t, h.client.Fork(h.ctx, root, []string{c1.Correlation, c2.Correlation}))
	require.NoError(t, h.client.Ack(h.ctx, root))
	require.NoError(t, h.client.Fork(h.ctx, c1, []string{g1.Correlation}))
	require.NoError(t, h.client.Ack(h.ctx, c1))
	require.NoError(t, h.client.Ack(h.ctx, c2))

	h.flush()
	assert.Empty(t, h.notesFor(root.Root), "tree must stay pending while g1 is outstanding")
	assert.Equal(t, 1, h.aud.Pending())

	require.NoError(t, h.client.Ack(h.ctx, g1))
	n := h.waitFor(root.Root)
	assert.Equal(t, ResultAcked, n.Result)

	// Duplicates and a passing deadline never produce a second notification.
	require.NoError(t, h.client.Ack(h.ctx, g1))
	require.NoError(t, h.client.Ack(h.ctx, root))
	h.clk.Add(2 * testTimeout)
	h.flush()

	assert.Len(t, h.notesFor(root.Root), 1)
	assert.Equal(t, 0, h.aud.Pending())
	assert.Equal(t, 0, h.store.Len())
}

func TestAuditor_FanoutCopiesMustAllAck(t *testing.T) {
	h := newHarness(t)

	root := h.root()
	copy1 := h.child(root)
	h.create(root, root.Correlation, copy1.Correlation)
	require.NoError(t, h.client.Ack(h.ctx, root))
	h.flush()
	assert.Empty(t, h.notesFor(root.Root))

	require.NoError(t, h.client.Ack(h.ctx, copy1))
	assert.Equal(t, ResultAcked, h.waitFor(root.Root).Result)
}

func TestAuditor_FailShortCircuits(t *testing.T) {
	h := newHarness(t)

	root := h.root()
	c1 := h.child(root)
	c2 := h.child(root)
	h.create(root, root.Correlation)
	require.NoError(t, h.client.Fork(h.ctx, root, []string{c1.Correlation, c2.Correlation}))
	require.NoError(t, h.client.Fail(h.ctx, c1, "validation rejected"))

	n := h.waitFor(root.Root)
	assert.Equal(t, ResultFailed, n.Result)
	assert.Equal(t, "validation rejected", n.Cause)

	require.NoError(t, h.client.Ack(h.ctx, root))
	require.NoError(t, h.client.Ack(h.ctx, c2))
	require.NoError(t, h.client.Fail(h.ctx, c2, "again"))
	h.clk.Add(2 * testTimeout)
	h.flush()

	assert.Len(t, h.notesFor(root.Root), 1)
	assert.Equal(t, 0, h.aud.Pending())
}

func TestAuditor_TimesOutOnce(t *testing.T) {
	h := newHarness(t)

	root := h.root()
	h.create(root, root.Correlation)
	require.Eventually(t, func() bool { return h.aud.Pending() == 1 }, time.Second, 5*time.Millisecond)

	h.clk.Add(testTimeout - time.Millisecond)
	h.flush()
	assert.Empty(t, h.notesFor(root.Root))

	h.clk.Add(time.Millisecond)
	n := h.waitFor(root.Root)
	assert.Equal(t, ResultTimedOut, n.Result)

	require.NoError(t, h.client.Ack(h.ctx, root))
	h.clk.Add(testTimeout)
	h.flush()
	assert.Len(t, h.notesFor(root.Root), 1)
}

func TestAuditor_ResolvedBeforeDeadlineNeverTimesOut(t *testing.T) {
	h := newHarness(t)

	acked := h.root()
	failed := h.root()
	h.create(acked, acked.Correlation)
	h.create(failed, failed.Correlation)
	require.NoError(t, h.client.Ack(h.ctx, acked))
	require.NoError(t, h.client.Fail(h.ctx, failed, ""))

	assert.Equal(t, ResultAcked, h.waitFor(acked.Root).Result)
	assert.Equal(t, ResultFailed, h.waitFor(failed.Root).Result)

	h.clk.Add(3 * testTimeout)
	h.flush()

	assert.Len(t, h.notesFor(acked.Root), 1)
	assert.Len(t, h.notesFor(failed.Root), 1)
}

func TestAuditor_OutOfOrderSignals(t *testing.T) {
	h := newHarness(t)

	t.Run("ack before fork", func(t *testing.T) {
		root := h.root()
		c1 := h.child(root)
		h.create(root, root.Correlation)
		require.NoError(t, h.client.Ack(h.ctx, c1))
		require.NoError(t, h.client.Ack(h.ctx, root))
		h.flush()
		assert.Empty(t, h.notesFor(root.Root))

		require.NoError(t, h.client.Fork(h.ctx, root, []string{c1.Correlation}))
		assert.Equal(t, ResultAcked, h.waitFor(root.Root).Result)
	})

	t.Run("ack before create", func(t *testing.T) {
		root := h.root()
		require.NoError(t, h.client.Ack(h.ctx, root))
		h.flush()
		assert.Empty(t, h.notesFor(root.Root))

		h.create(root, root.Correlation)
		assert.Equal(t, ResultAcked, h.waitFor(root.Root).Result)
	})

	t.Run("fail before create", func(t *testing.T) {
		root := h.root()
		require.NoError(t, h.client.Fail(h.ctx, root, "early failure"))
		h.flush()
		assert.Empty(t, h.notesFor(root.Root))

		h.create(root, root.Correlation)
		n := h.waitFor(root.Root)
		assert.Equal(t, ResultFailed, n.Result)
		assert.Equal(t, "early failure", n.Cause)

		h.create(root, root.Correlation)
		h.flush()
		assert.Len(t, h.notesFor(root.Root), 1)
	})
}

func TestAuditor_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	h.mem.SetInterceptor(func(subject string, _ []byte) int {
		if subject == testAuditor {
			return 2
		}
		return 1
	})

	root := h.root()
	c1 := h.child(root)
	h.create(root, root.Correlation)
	require.NoError(t, h.client.Fork(h.ctx, root, []string{c1.Correlation}))
	require.NoError(t, h.client.Ack(h.ctx, root))
	require.NoError(t, h.client.Ack(h.ctx, c1))

	assert.Equal(t, ResultAcked, h.waitFor(root.Root).Result)
	h.flush()
	assert.Len(t, h.notesFor(root.Root), 1)
}

func TestAuditor_RestoresPendingTrees(t *testing.T) {
	h := newHarness(t)

	root := h.root()
	c1 := h.child(root)
	h.create(root, root.Correlation, c1.Correlation)
	require.NoError(t, h.client.Ack(h.ctx, root))
	h.flush()
	require.Equal(t, 1, h.store.Len())
	require.NoError(t, h.aud.Stop(time.Second))

	h.aud = h.startAuditor()
	require.Eventually(t, func() bool { return h.aud.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.client.Ack(h.ctx, c1))
	assert.Equal(t, ResultAcked, h.waitFor(root.Root).Result)
	assert.Equal(t, 0, h.store.Len())
}

func TestAuditor_RestoredTreeRearmsDeadline(t *testing.T) {
	h := newHarness(t)

	rearmed := h.root()
	h.create(rearmed, rearmed.Correlation)
	h.flush()
	require.NoError(t, h.aud.Stop(time.Second))

	h.clk.Add(testTimeout / 2)
	h.aud = h.startAuditor()
	require.Eventually(t, func() bool { return h.aud.Pending() == 1 }, time.Second, 5*time.Millisecond)

	h.clk.Add(testTimeout / 2)
	assert.Equal(t, ResultTimedOut, h.waitFor(rearmed.Root).Result)
}

func TestAuditor_RestoredExpiredTreeTimesOut(t *testing.T) {
	h := newHarness(t)

	root := h.root()
	h.create(root, root.Correlation)
	h.flush()
	require.NoError(t, h.aud.Stop(time.Second))

	h.clk.Add(time.Minute)
	h.aud = h.startAuditor()

	assert.Equal(t, ResultTimedOut, h.waitFor(root.Root).Result)
	assert.Equal(t, 0, h.store.Len())
}

func TestAuditor_InvalidSignalIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mem.Publish(h.ctx, testAuditor, []byte(`{"type":"ack"}`)))
	require.NoError(t, h.mem.Publish(h.ctx, testAuditor, []byte(`garbage`)))
	h.flush()
	assert.Equal(t, 0, h.aud.Pending())
}

func TestAuditor_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	h := newHarness(t, WithMetrics(registry))

	root := h.root()
	h.create(root, root.Correlation)
	require.NoError(t, h.client.Ack(h.ctx, root))
	h.waitFor(root.Root)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	resolved := 0.0
	for _, f := range families {
		if f.GetName() != "streamkit_auditor_trees_resolved_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			resolved += m.GetCounter().GetValue()
		}
	}
	assert.GreaterOrEqual(t, resolved, 1.0)
}

func TestAuditor_Lifecycle(t *testing.T) {
	mem := transport.NewMemory()
	defer mem.Close()

	_, err := New(Config{}, mem)
	assert.Error(t, err)
	_, err = New(Config{Address: testAuditor}, nil)
	assert.Error(t, err)

	a, err := New(Config{Address: testAuditor}, mem)
	require.NoError(t, err)
	assert.Equal(t, DefaultAckTimeout, a.AckTimeout())

	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))
	require.NoError(t, a.Stop(time.Second))
	require.NoError(t, a.Stop(time.Second))
}
