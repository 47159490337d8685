package auditor

import (
	"context"

	"github.com/c360/streamkit/pkg/worker"
)

// shard owns a subset of an auditor's trees. Its pool has exactly one worker, so every op
// for a root is applied in arrival order by a single goroutine.
type shard struct {
	auditor *Auditor
	index   int
	pool    *worker.Pool[op]
	trees   map[string]*Tree
}

func newShard(a *Auditor, index int) *shard {
	s := &shard{
		auditor: a,
		index:   index,
		trees:   make(map[string]*Tree),
	}
	var opts []worker.Option[op]
	if a.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[op](a.registry, metricPrefix(a.cfg.Address, index)))
	}
	s.pool = worker.NewPool(1, a.cfg.ShardQueueSize, s.process, opts...)
	return s
}

func (s *shard) process(ctx context.Context, o op) error {
	switch {
	case o.restore != nil:
		s.restore(ctx, *o.restore)
	case o.expire != nil:
		s.expire(ctx, *o.expire)
	default:
		s.apply(ctx, o.signal)
	}
	return nil
}

func (s *shard) apply(ctx context.Context, sig Signal) {
	a := s.auditor
	a.metrics.signal(sig.Type)

	if res, ok := a.resolved.Get(sig.Root); ok {
		// A root that ended before its create arrived is reported to the producer now.
		if sig.Type == SignalCreate && !res.Notified && sig.Source != "" {
			res.Notified = true
			_, _ = a.resolved.Set(sig.Root, res)
			a.notify(ctx, sig.Source, Notification{Root: sig.Root, Result: res.Result, Cause: res.Cause})
			return
		}
		a.metrics.drop("resolved")
		a.logger.Debug("Dropping signal for resolved root", "root", sig.Root, "type", sig.Type)
		return
	}

	t, ok := s.trees[sig.Root]
	if !ok {
		t = newTree(sig.Root, a.clock.Now().Add(a.cfg.AckTimeout))
		s.trees[sig.Root] = t
		a.metrics.setPending(a.pending.Add(1))
		s.arm(t)
	}

	switch sig.Type {
	case SignalCreate:
		t.create(sig.Source, sig.IDs)
	case SignalFork:
		t.fork(sig.IDs)
	case SignalAck:
		if t.ack(sig.ID) {
			a.metrics.drop("duplicate")
			return
		}
	case SignalFail:
		cause := sig.Cause
		if cause == "" {
			cause = "message " + sig.ID + " failed"
		}
		s.resolve(ctx, t, ResultFailed, cause)
		return
	}

	if t.complete() {
		s.resolve(ctx, t, ResultAcked, "")
		return
	}
	s.persist(ctx, t)
}

func (s *shard) restore(ctx context.Context, rec Record) {
	a := s.auditor
	if _, exists := s.trees[rec.Root]; exists {
		return
	}
	t := treeFromRecord(rec)
	s.trees[rec.Root] = t
	a.metrics.setPending(a.pending.Add(1))
	a.metrics.restore()

	if !t.Deadline.After(a.clock.Now()) {
		s.resolve(ctx, t, ResultTimedOut, "ack timeout exceeded")
		return
	}
	s.arm(t)
}

func (s *shard) expire(ctx context.Context, e expiry) {
	t, ok := s.trees[e.root]
	// A timer that lost the race with ack or fail finds the tree gone or re-armed.
	if !ok || t.seq != e.seq || t.State != StatePending {
		return
	}
	s.resolve(ctx, t, ResultTimedOut, "ack timeout exceeded")
}

func (s *shard) arm(t *Tree) {
	a := s.auditor
	t.seq++
	e := expiry{root: t.Root, seq: t.seq}
	t.timer = a.clock.AfterFunc(t.Deadline.Sub(a.clock.Now()), func() {
		_ = s.pool.SubmitContext(context.Background(), op{expire: &e})
	})
}

func (s *shard) disarmAll() {
	for _, t := range s.trees {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}

func (s *shard) resolve(ctx context.Context, t *Tree, result Result, cause string) {
	a := s.auditor
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.State = stateOf(result)
	delete(s.trees, t.Root)
	a.metrics.setPending(a.pending.Add(-1))
	a.metrics.resolve(result)

	if err := a.store.Delete(ctx, t.Root); err != nil {
		a.logger.Warn("Failed to delete resolved tree", "root", t.Root, "error", err)
	}

	// A provisional tree has no producer to tell yet; its create will pick up the result.
	notified := t.Created
	if t.Created && t.Source != "" {
		a.notify(ctx, t.Source, Notification{Root: t.Root, Result: result, Cause: cause})
	}
	if _, err := a.resolved.Set(t.Root, resolution{Result: result, Cause: cause, Notified: notified}); err != nil {
		a.logger.Warn("Failed to remember resolved root", "root", t.Root, "error", err)
	}

	a.logger.Debug("Tree resolved", "root", t.Root, "result", result, "cause", cause)
}

func (s *shard) persist(ctx context.Context, t *Tree) {
	if err := s.auditor.store.Save(ctx, t.record()); err != nil {
		s.auditor.logger.Warn("Failed to persist tree", "root", t.Root, "error", err)
	}
}
