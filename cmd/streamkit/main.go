// Package main runs a streamkit network described by a configuration file. The network's
// components, its auditors and an optional metrics endpoint live in one process; the
// transport is either in-process or a NATS server.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/config"
	"github.com/c360/streamkit/health"
	"github.com/c360/streamkit/hooks"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/network"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "streamkit"
)

// hookPublishTimeout bounds publishing one hook event on the transport.
const hookPublishTimeout = 2 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cli.ShowHelp {
		return nil
	}
	if err := validateFlags(cli); err != nil {
		return err
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid",
			"network", cfg.Network.Name,
			"components", len(cfg.Network.Components))
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runNetwork(ctx, cfg, cli.ShutdownTimeout, logger)
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(cli.ConfigPath)

	// Validation runs after CLI overrides are applied.
	loader.EnableValidation(false)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.MetricsPort > 0 {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = cli.MetricsPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runNetwork deploys cfg.Network and blocks until ctx is cancelled, then shuts everything
// down within shutdownTimeout.
func runNetwork(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()

	conn, err := connectTransport(ctx, cfg.NATS, registry, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := conn.close(closeCtx); err != nil {
			logger.Warn("Transport close failed", "error", err)
		}
	}()

	stores, closeStores, err := openStores(ctx, cfg.Auditor, conn, logger)
	if err != nil {
		return fmt.Errorf("open auditor store: %w", err)
	}
	defer func() {
		if err := closeStores(); err != nil {
			logger.Warn("Auditor store close failed", "error", err)
		}
	}()

	dispatcher := hooks.NewDispatcher(
		hooks.WithLogger(logger),
		hooks.WithMetrics(registry),
	)
	defer func() {
		if err := dispatcher.Close(shutdownTimeout); err != nil {
			logger.Warn("Hook dispatcher close failed", "error", err)
		}
	}()
	if err := dispatcher.Register("log", hooks.NewLogObserver(logger)); err != nil {
		return err
	}
	if err := dispatcher.Register("transport",
		hooks.NewTransportObserver(conn.transport, hookPublishTimeout, logger)); err != nil {
		return err
	}

	reg := network.NewRegistry()
	if err := network.RegisterBuiltins(reg); err != nil {
		return fmt.Errorf("register builtin components: %w", err)
	}

	deps := component.Dependencies{
		Transport:       conn.transport,
		MetricsRegistry: registry,
		Logger:          logger,
		Hooks:           dispatcher,
	}

	opts := []network.Option{network.WithShards(cfg.Auditor.Shards)}
	if stores != nil {
		opts = append(opts, network.WithStores(stores))
	}
	if conn.nats != nil {
		opts = append(opts, network.WithHealthCheck(func() health.Status {
			return conn.nats.Health("transport")
		}))
	}

	logger.Info("Deploying network",
		"network", cfg.Network.Name,
		"components", len(cfg.Network.Components),
		"connections", len(cfg.Network.Connections),
		"acking", cfg.Network.AckingEnabled())

	deployment, err := network.Deploy(ctx, cfg.Network, reg, deps, opts...)
	if err != nil {
		return fmt.Errorf("deploy network %s: %w", cfg.Network.Name, err)
	}

	var server *metric.Server
	serverErr := make(chan error, 1)
	if cfg.Metrics.Enabled {
		server = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		server.SetHealthFunc(deployment.Healthy)
		go func() {
			serverErr <- server.Start()
		}()
		logger.Info("Metrics server started", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
	}

	logger.Info("Network running", "network", cfg.Network.Name)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := deployment.Stop(shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop network: %w", err))
	}
	if server != nil {
		if err := server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	logger.Info("Shutdown complete", "network", cfg.Network.Name)
	return stderrors.Join(errs...)
}
