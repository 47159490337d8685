package auditor

import (
	"context"
	stderrors "errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/pkg/cache"
	"github.com/c360/streamkit/transport"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultAckTimeout     = 30 * time.Second
	DefaultShards         = 4
	DefaultShardQueueSize = 1024
	minResolvedTTL        = time.Minute
)

// Config configures one auditor instance.
type Config struct {
	Address        string        `json:"address"`
	AckTimeout     time.Duration `json:"ack_timeout"`
	Shards         int           `json:"shards"`
	ShardQueueSize int           `json:"shard_queue_size"`
	// ResolvedTTL is how long a resolved root is remembered. Defaults to ten ack timeouts,
	// and never less than a minute.
	ResolvedTTL time.Duration `json:"resolved_ttl"`
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.Shards <= 0 {
		c.Shards = DefaultShards
	}
	if c.ShardQueueSize <= 0 {
		c.ShardQueueSize = DefaultShardQueueSize
	}
	if c.ResolvedTTL <= 0 {
		c.ResolvedTTL = 10 * c.AckTimeout
		if c.ResolvedTTL < minResolvedTTL {
			c.ResolvedTTL = minResolvedTTL
		}
	}
	return c
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithStore sets where pending trees are persisted. The default is a new MemoryStore.
func WithStore(store Store) Option {
	return func(a *Auditor) {
		if store != nil {
			a.store = store
		}
	}
}

// WithClock sets the clock used for deadlines.
func WithClock(clk clock.Clock) Option {
	return func(a *Auditor) {
		if clk != nil {
			a.clock = clk
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics registers the auditor's metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(a *Auditor) {
		a.registry = registry
	}
}

// resolution is what the auditor remembers about a finished root.
type resolution struct {
	Result   Result
	Cause    string
	Notified bool
}

type expiry struct {
	root string
	seq  uint64
}

// op is one unit of work for a shard.
type op struct {
	signal  Signal
	restore *Record
	expire  *expiry
}

// Auditor resolves the ack trees of the roots assigned to its address.
type Auditor struct {
	cfg       Config
	transport transport.Transport
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	metrics   *auditorMetrics

	mu       sync.Mutex
	running  bool
	shards   []*shard
	sub      transport.Subscription
	resolved cache.Cache[resolution]

	pending atomic.Int64
}

// New creates an auditor listening on cfg.Address.
func New(cfg Config, t transport.Transport, opts ...Option) (*Auditor, error) {
	if cfg.Address == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Auditor", "New", "address is required")
	}
	if t == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Auditor", "New", "transport is required")
	}

	a := &Auditor{
		cfg:       cfg.withDefaults(),
		transport: t,
		store:     NewMemoryStore(),
		clock:     clock.New(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "auditor", "address", a.cfg.Address)

	if a.registry != nil {
		m, err := newAuditorMetrics(a.registry, a.cfg.Address)
		if err != nil {
			return nil, errors.Wrap(err, "Auditor", "New", "register metrics")
		}
		a.metrics = m
	}

	return a, nil
}

// Address returns the subject the auditor listens on.
func (a *Auditor) Address() string {
	return a.cfg.Address
}

// AckTimeout returns the configured ack timeout.
func (a *Auditor) AckTimeout() time.Duration {
	return a.cfg.AckTimeout
}

// Pending returns the number of trees awaiting a terminal signal.
func (a *Auditor) Pending() int {
	return int(a.pending.Load())
}

// Start reloads pending trees from the store and begins consuming signals.
func (a *Auditor) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Auditor", "Start", "start auditor")
	}

	resolved, err := cache.NewTTL[resolution](ctx, a.cfg.ResolvedTTL, a.cfg.ResolvedTTL/2,
		cache.WithClock(a.clock))
	if err != nil {
		return errors.Wrap(err, "Auditor", "Start", "create resolved cache")
	}
	a.resolved = resolved
	a.pending.Store(0)

	a.shards = make([]*shard, a.cfg.Shards)
	var g errgroup.Group
	for i := range a.shards {
		s := newShard(a, i)
		a.shards[i] = s
		g.Go(func() error {
			return s.pool.Start(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		a.abortStart()
		return errors.Wrap(err, "Auditor", "Start", "start shards")
	}

	records, err := a.store.Load(ctx)
	if err != nil {
		a.abortStart()
		return errors.Wrap(err, "Auditor", "Start", "load pending trees")
	}
	for i := range records {
		rec := records[i]
		if err := a.shardFor(rec.Root).pool.SubmitContext(ctx, op{restore: &rec}); err != nil {
			a.abortStart()
			return errors.Wrap(err, "Auditor", "Start", "restore pending tree")
		}
	}
	if len(records) > 0 {
		a.logger.Info("Restoring pending trees", "count", len(records))
	}

	sub, err := a.transport.Subscribe(ctx, a.cfg.Address, a.handle)
	if err != nil {
		a.abortStart()
		return errors.WrapTransient(err, "Auditor", "Start", "subscribe to signals")
	}
	a.sub = sub
	a.running = true

	a.logger.Info("Auditor started", "shards", a.cfg.Shards, "ack_timeout", a.cfg.AckTimeout)
	return nil
}

// Stop stops consuming signals and waits up to timeout for queued signals to be applied.
// Pending trees stay in the store.
func (a *Auditor) Stop(timeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	var errs []error
	if a.sub != nil {
		if err := a.sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Auditor", "Stop", "unsubscribe"))
		}
		a.sub = nil
	}
	if err := a.stopShards(timeout); err != nil {
		errs = append(errs, err)
	}
	if err := a.resolved.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, "Auditor", "Stop", "close resolved cache"))
	}

	a.logger.Info("Auditor stopped", "pending", a.pending.Load())

	return stderrors.Join(errs...)
}

func (a *Auditor) abortStart() {
	_ = a.stopShards(time.Second)
	_ = a.resolved.Close()
}

func (a *Auditor) stopShards(timeout time.Duration) error {
	var g errgroup.Group
	for _, s := range a.shards {
		s := s
		if s == nil {
			continue
		}
		g.Go(func() error {
			return s.pool.Stop(timeout)
		})
	}
	err := g.Wait()

	// Only safe once the shard goroutines are gone.
	if err == nil {
		for _, s := range a.shards {
			if s != nil {
				s.disarmAll()
			}
		}
	}
	if err != nil {
		return errors.WrapTransient(err, "Auditor", "Stop", "stop shards")
	}
	return nil
}

func (a *Auditor) shardFor(root string) *shard {
	// The group picks auditors from the low bits; shards use the high half.
	h := xxhash.Sum64String(root) >> 32
	return a.shards[h%uint64(len(a.shards))]
}

func (a *Auditor) handle(ctx context.Context, data []byte) {
	sig, err := DecodeSignal(data)
	if err != nil {
		a.metrics.drop("invalid")
		a.logger.Warn("Dropping invalid signal", "error", err)
		return
	}
	if err := a.shardFor(sig.Root).pool.SubmitContext(ctx, op{signal: sig}); err != nil {
		a.metrics.drop("stopped")
		a.logger.Debug("Signal not applied", "root", sig.Root, "type", sig.Type, "error", err)
	}
}

func (a *Auditor) notify(ctx context.Context, source string, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		a.logger.Error("Failed to marshal notification", "root", n.Root, "error", err)
		return
	}
	if err := a.transport.Publish(ctx, NotifySubject(source), data); err != nil {
		a.logger.Warn("Failed to notify producer", "root", n.Root, "source", source, "error", err)
	}
}

func metricPrefix(address string, index int) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, address)
	return fmt.Sprintf("streamkit_%s_shard_%d", clean, index)
}
