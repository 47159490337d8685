package network

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/feeder"
	"github.com/c360/streamkit/filter"
	"github.com/c360/streamkit/message"
	"github.com/c360/streamkit/worker"
)

// ProducerConfig is the JSON form of feeder.Config used by the built-in producer types.
type ProducerConfig struct {
	Mode          string  `json:"mode,omitempty"`
	MaxQueueSize  int     `json:"max_queue_size,omitempty"`
	AutoRetry     bool    `json:"auto_retry,omitempty"`
	RetryAttempts *int    `json:"retry_attempts,omitempty"`
	FeedInterval  string  `json:"feed_interval,omitempty"`
	MaxRate       float64 `json:"max_rate,omitempty"`
}

// FeederConfig converts c to a feeder.Config, starting from feeder.DefaultConfig.
func (c ProducerConfig) FeederConfig() (feeder.Config, error) {
	cfg := feeder.DefaultConfig()
	if c.Mode != "" {
		cfg.Mode = feeder.Mode(c.Mode)
	}
	if c.MaxQueueSize > 0 {
		cfg.MaxQueueSize = c.MaxQueueSize
	}
	cfg.AutoRetry = c.AutoRetry
	if c.RetryAttempts != nil {
		cfg.RetryAttempts = *c.RetryAttempts
	}
	if c.FeedInterval != "" {
		interval, err := time.ParseDuration(c.FeedInterval)
		if err != nil {
			return cfg, errors.WrapInvalid(err, "ProducerConfig", "FeederConfig", "parse feed_interval")
		}
		cfg.FeedInterval = interval
	}
	cfg.MaxRate = c.MaxRate
	return cfg, cfg.Validate()
}

// GeneratorConfig configures the generator type: a polling feeder that emits a copy of Body
// with an increasing "seq" field on every tick.
type GeneratorConfig struct {
	ProducerConfig
	Body  map[string]any `json:"body,omitempty"`
	Count int            `json:"count,omitempty"` // Stop after Count messages; zero means never
}

// FilterConfig configures the filter type.
type FilterConfig struct {
	Rules []filter.Rule `json:"rules"`
}

// SplitterConfig configures the splitter type: every element of the array at Field becomes
// a child body {As: element}.
type SplitterConfig struct {
	Field string `json:"field"`
	As    string `json:"as,omitempty"`
}

// AggregatorConfig configures the aggregator type: every Size messages with the same value
// at GroupBy become one body {GroupBy: value, As: [values of Field], "count": Size}. An empty
// Field collects whole bodies; an empty GroupBy aggregates all messages together.
type AggregatorConfig struct {
	GroupBy string `json:"group_by,omitempty"`
	Field   string `json:"field,omitempty"`
	As      string `json:"as,omitempty"`
	Size    int    `json:"size"`
}

// LoggerConfig configures the logger type.
type LoggerConfig struct {
	Level string `json:"level,omitempty"`
}

// RegisterBuiltins registers the component types shipped with streamkit.
func RegisterBuiltins(reg *Registry) error {
	builtins := []Registration{
		{
			Name:        "feeder",
			Roles:       []component.Role{component.RoleFeeder},
			Description: "Feeder driven by the embedding program",
			Factory:     newFeeder,
		},
		{
			Name:        "executor",
			Roles:       []component.Role{component.RoleExecutor},
			Description: "Executor driven by the embedding program",
			Factory:     newExecutor,
		},
		{
			Name:        "generator",
			Roles:       []component.Role{component.RoleFeeder},
			Description: "Polling feeder emitting a numbered template body",
			Factory:     newGenerator,
		},
		{
			Name:        "passthrough",
			Roles:       []component.Role{component.RoleWorker},
			Description: "Forwards every message unchanged",
			Factory:     newPassthrough,
		},
		{
			Name:        "filter",
			Roles:       []component.Role{component.RoleWorker},
			Description: "Forwards messages matching every rule",
			Factory:     newFilter,
		},
		{
			Name:        "splitter",
			Roles:       []component.Role{component.RoleWorker},
			Description: "Emits one child per element of an array field",
			Factory:     newSplitter,
		},
		{
			Name:        "aggregator",
			Roles:       []component.Role{component.RoleWorker},
			Description: "Collects a fixed number of messages per group into one",
			Factory:     newAggregator,
		},
		{
			Name:        "logger",
			Roles:       []component.Role{component.RoleWorker},
			Description: "Logs and acks every message",
			Factory:     newLogger,
		},
	}
	for _, b := range builtins {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func newFeeder(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var pc ProducerConfig
	if err := cctx.DecodeConfig(&pc); err != nil {
		return nil, err
	}
	cfg, err := pc.FeederConfig()
	if err != nil {
		return nil, err
	}
	return feeder.New(cctx, deps, cfg)
}

func newExecutor(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var pc ProducerConfig
	if err := cctx.DecodeConfig(&pc); err != nil {
		return nil, err
	}
	cfg, err := pc.FeederConfig()
	if err != nil {
		return nil, err
	}
	return feeder.NewExecutor(cctx, deps, cfg)
}

func newGenerator(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var gc GeneratorConfig
	if err := cctx.DecodeConfig(&gc); err != nil {
		return nil, err
	}
	gc.Mode = string(feeder.ModePolling)
	cfg, err := gc.FeederConfig()
	if err != nil {
		return nil, err
	}
	if gc.Count < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "generator", "New", "count cannot be negative")
	}

	f, err := feeder.New(cctx, deps, cfg)
	if err != nil {
		return nil, err
	}

	logger := deps.GetLoggerWithComponent(cctx.Address)
	var seq atomic.Int64
	f.SetFeedHandler(func(ctx context.Context, f *feeder.Feeder) {
		if gc.Count > 0 && seq.Load() >= int64(gc.Count) {
			return
		}
		n := seq.Add(1)
		body := make(message.Body, len(gc.Body)+1)
		maps.Copy(body, gc.Body)
		body["seq"] = n

		_, err := f.Emit(ctx, body, func(err error) {
			if err != nil {
				logger.Warn("Generated message did not complete", "seq", n, "error", err)
			}
		})
		if err != nil {
			seq.Add(-1)
			logger.Debug("Generator emit rejected", "seq", n, "error", err)
		}
	})
	return f, nil
}

func newPassthrough(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	return worker.New(cctx, deps, worker.Config{}, worker.Passthrough())
}

func newFilter(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var fc FilterConfig
	if err := cctx.DecodeConfig(&fc); err != nil {
		return nil, err
	}
	f, err := filter.New(fc.Rules)
	if err != nil {
		return nil, err
	}
	return worker.New(cctx, deps, worker.Config{}, worker.Filter(f.Match))
}

func newSplitter(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var sc SplitterConfig
	if err := cctx.DecodeConfig(&sc); err != nil {
		return nil, err
	}
	if sc.Field == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "splitter", "New", "field is required")
	}
	as := sc.As
	if as == "" {
		as = sc.Field
	}
	return worker.New(cctx, deps, worker.Config{}, worker.Splitter(func(body message.Body) []message.Body {
		items, _ := body[sc.Field].([]any)
		out := make([]message.Body, 0, len(items))
		for _, item := range items {
			out = append(out, message.Body{as: item})
		}
		return out
	}))
}

func newAggregator(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var ac AggregatorConfig
	if err := cctx.DecodeConfig(&ac); err != nil {
		return nil, err
	}
	if ac.Size <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "aggregator", "New", "size must be positive")
	}
	as := ac.As
	if as == "" {
		as = "items"
	}

	agg := worker.Aggregation{
		Init: func(first message.Body) message.Body {
			out := message.Body{as: make([]any, 0, ac.Size), "count": 0}
			if ac.GroupBy != "" {
				out[ac.GroupBy], _ = first.Lookup(ac.GroupBy)
			}
			return out
		},
		Aggregate: func(current, next message.Body) message.Body {
			var v any = map[string]any(next)
			if ac.Field != "" {
				v, _ = next.Lookup(ac.Field)
			}
			current[as] = append(current[as].([]any), v)
			current["count"] = current["count"].(int) + 1
			return current
		},
		Complete: func(current message.Body) bool { return current["count"].(int) >= ac.Size },
	}
	if ac.GroupBy != "" {
		agg.Key = func(body message.Body) string {
			v, _ := body.Lookup(ac.GroupBy)
			return fmt.Sprint(v)
		}
	}
	return worker.New(cctx, deps, worker.Config{}, worker.Aggregator(agg))
}

func newLogger(cctx component.Context, deps component.Dependencies) (component.Component, error) {
	var lc LoggerConfig
	if err := cctx.DecodeConfig(&lc); err != nil {
		return nil, err
	}
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	logger := deps.GetLoggerWithComponent(cctx.Address)
	return worker.New(cctx, deps, worker.Config{AutoAck: true},
		func(ctx context.Context, _ *worker.Worker, msg message.Envelope) {
			logger.Log(ctx, level, "Message received",
				"id", msg.ID.Correlation,
				"root", msg.ID.Root,
				"stream", msg.Stream,
				"body", msg.Body)
		})
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, errors.WrapInvalid(errors.ErrInvalidConfig, "logger", "New", fmt.Sprintf("unknown level %q", s))
	}
}
