package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/streamkit/auditor"
	"github.com/c360/streamkit/config"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/natsclient"
	"github.com/c360/streamkit/pkg/retry"
	"github.com/c360/streamkit/transport"
)

// kvTimeout bounds each auditor store operation on the KV bucket.
const kvTimeout = 5 * time.Second

// connection is the transport the network runs on. nats is nil for the in-process
// transport.
type connection struct {
	transport transport.Transport
	nats      *natsclient.Client
	close     func(ctx context.Context) error
}

func connectTransport(
	ctx context.Context,
	cfg config.NATSConfig,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*connection, error) {
	if cfg.IsMemory() {
		logger.Info("Using in-process transport")
		mem := transport.NewMemory()
		return &connection{
			transport: mem,
			close:     func(context.Context) error { return mem.Close() },
		}, nil
	}

	wait, err := cfg.ReconnectWaitDuration()
	if err != nil {
		return nil, fmt.Errorf("parse reconnect wait: %w", err)
	}
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMetrics(registry),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				logger.Info("NATS connection healthy")
			} else {
				logger.Warn("NATS connection unhealthy")
			}
		}),
	}
	if wait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(wait))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS != nil {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.CA))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.URL)
	if err := client.ConnectWithRetry(ctx, retry.Quick()); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return &connection{transport: client, nats: client, close: client.Close}, nil
}

// openStores returns the auditor store factory selected by cfg and a function releasing
// whatever it opened. A nil factory keeps trees in memory.
func openStores(
	ctx context.Context,
	cfg config.AuditorConfig,
	conn *connection,
	logger *slog.Logger,
) (auditor.StoreFactory, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store {
	case config.StoreBolt:
		db, err := auditor.OpenBolt(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Auditor trees stored in bbolt", "path", cfg.Path)
		return func(address string) (auditor.Store, error) {
			return db.Store(address)
		}, db.Close, nil

	case config.StoreKV:
		if conn.nats == nil {
			return nil, nil, fmt.Errorf("the kv auditor store needs a NATS connection")
		}
		bucket, err := retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
			return conn.nats.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
				Bucket:      cfg.Bucket,
				Description: "streamkit pending ack trees",
			})
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open KV bucket %s: %w", cfg.Bucket, err)
		}
		kv := natsclient.NewKVStore(bucket, kvTimeout)
		logger.Info("Auditor trees stored in NATS KV", "bucket", cfg.Bucket)
		return func(address string) (auditor.Store, error) {
			return auditor.NewKVStore(kv, address), nil
		}, noop, nil

	default:
		logger.Warn("Auditor trees are kept in memory and lost on restart")
		return nil, noop, nil
	}
}
