package feeder

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/grouping"
	"github.com/c360/streamkit/message"
)

type result struct {
	err  error
	body message.Body
}

func (tb *testbed) executor(cfg Config) *Executor {
	tb.t.Helper()
	e, err := NewExecutor(tb.instance(execAddr, component.RoleExecutor, toWorker()), tb.deps(), cfg)
	require.NoError(tb.t, err)
	return e
}

func backToExecutor() component.Connection {
	return component.Connection{Target: "exec", Targets: []string{execAddr}, Selector: &grouping.RoundRobinSelector{}}
}

func TestExecutor_ResultBoundToOriginalID(t *testing.T) {
	tb := newTestbed(t, 500*time.Millisecond)
	tb.worker(echo, backToExecutor())
	e := tb.executor(DefaultConfig())
	tb.start(e)

	results := make(chan result, 4)
	id, err := e.Execute(tb.ctx, message.Body{"input": "x"}, func(err error, body message.Body) {
		results <- result{err: err, body: body}
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.Equal(t, message.Body{"input": "x"}, r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}

	select {
	case r := <-results:
		t.Fatalf("result delivered twice: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExecutor_FailureCarriesNoResult(t *testing.T) {
	tb := newTestbed(t, 500*time.Millisecond)
	tb.worker(failAll, backToExecutor())
	e := tb.executor(DefaultConfig())
	tb.start(e)

	results := make(chan result, 1)
	id, err := e.Execute(tb.ctx, message.Body{"input": "x"}, func(err error, body message.Body) {
		results <- result{err: err, body: body}
	})
	require.NoError(t, err)

	r := <-results
	assert.True(t, errors.IsFailure(r.err))
	assert.Nil(t, r.body)
	assert.Contains(t, r.err.Error(), id)
}

func TestExecutor_AutoRetry(t *testing.T) {
	tb := newTestbed(t, 500*time.Millisecond)
	var attempts atomic.Int32
	tb.worker(func(ctx context.Context, w *testWorker, env message.Envelope) {
		if attempts.Add(1) == 1 {
			failAll(ctx, w, env)
			return
		}
		echo(ctx, w, env)
	}, backToExecutor())

	cfg := DefaultConfig()
	cfg.AutoRetry = true
	cfg.RetryAttempts = 3
	e := tb.executor(cfg)
	tb.start(e)

	results := make(chan result, 1)
	_, err := e.Execute(tb.ctx, message.Body{"input": "y"}, func(err error, body message.Body) {
		results <- result{err: err, body: body}
	})
	require.NoError(t, err)

	r := <-results
	require.NoError(t, r.err)
	assert.Equal(t, "y", r.body["input"])
	assert.Equal(t, int32(2), attempts.Load())
}

func TestExecutor_PollingCallsExecuteHandler(t *testing.T) {
	tb := newTestbed(t, time.Hour)
	tb.worker(echo, backToExecutor())

	cfg := DefaultConfig()
	cfg.Mode = ModePolling
	cfg.FeedInterval = 50 * time.Millisecond
	e := tb.executor(cfg)

	results := make(chan result, 8)
	var calls atomic.Int32
	e.SetExecuteHandler(func(ctx context.Context, e *Executor) {
		n := calls.Add(1)
		_, _ = e.Execute(ctx, message.Body{"call": n}, func(err error, body message.Body) {
			results <- result{err: err, body: body}
		})
	})
	tb.start(e)

	require.Eventually(t, func() bool {
		tb.clk.Add(cfg.FeedInterval)
		return calls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	r := <-results
	require.NoError(t, r.err)
	assert.NotNil(t, r.body["call"])
}

func TestExecutor_Validation(t *testing.T) {
	tb := newTestbed(t, time.Second)

	cctx := tb.instance(execAddr, component.RoleExecutor, toWorker())
	cctx.Acking = false
	cctx.Auditors = nil
	_, err := NewExecutor(cctx, tb.deps(), DefaultConfig())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewExecutor(tb.instance(feederAddr, component.RoleFeeder), tb.deps(), DefaultConfig())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	e := tb.executor(DefaultConfig())
	tb.start(e)
	_, err = e.Execute(tb.ctx, message.Body{}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg := DefaultConfig()
	cfg.Mode = ModePolling
	polling := tb.executor(cfg)
	assert.ErrorIs(t, polling.Start(tb.ctx), errors.ErrMissingConfig)
}

func TestExecutor_StoppedCannotRestart(t *testing.T) {
	tb := newTestbed(t, time.Second)
	e := tb.executor(DefaultConfig())
	require.NoError(t, e.Start(tb.ctx))
	require.NoError(t, e.Stop(time.Second))

	err := e.Start(tb.ctx)
	require.ErrorIs(t, err, errors.ErrAlreadyStopped)
	assert.True(t, errors.IsFatal(err))
}
