package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/petrosa/binance-nats-bridge/pkg/bridge"
	"github.com/petrosa/binance-nats-bridge/pkg/config"
	"github.com/petrosa/binance-nats-bridge/pkg/configstore"
	"github.com/petrosa/binance-nats-bridge/pkg/health"
	"github.com/petrosa/binance-nats-bridge/pkg/telemetry"
)

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Bridge Binance websocket market data onto NATS",
		Long: "bridge consumes a multiplexed Binance combined-stream websocket feed " +
			"and republishes every event as a canonical envelope on a NATS subject.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Debug = true
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.Endpoint, cfg.ServiceID)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	if shutdownTracing != nil {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(flushCtx)
		}()
	}

	streams := cfg.Upstream.Streams
	if cfg.Store.Enabled {
		if override := loadOverride(ctx, cfg, logger); override != nil {
			if len(override.Streams) > 0 {
				streams = override.Streams
			}
			if override.Subject != "" {
				cfg.NATS.Subject = override.Subject
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := bridge.NewMetrics(bridge.SystemClock(), registry)

	sessionCfg := bridge.DefaultSessionConfig()
	sessionCfg.URL = cfg.Upstream.URL
	sessionCfg.Subscriptions = bridge.NewSubscriptionSet(streams)
	sessionCfg.DialTimeout = cfg.Upstream.DialTimeout
	sessionCfg.HandshakeTimeout = cfg.Upstream.HandshakeTimeout
	sessionCfg.PingInterval = cfg.Upstream.PingInterval
	sessionCfg.ReadTimeout = cfg.Upstream.ReadTimeout
	sessionCfg.WriteTimeout = cfg.Upstream.WriteTimeout
	sessionCfg.ReadLimit = cfg.Upstream.ReadLimit
	sessionCfg.Logger = logger.Named("session")

	session, err := bridge.NewSession(sessionCfg, metrics)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	queueCfg := bridge.DefaultQueueConfig()
	queueCfg.Capacity = cfg.Queue.Capacity
	queueCfg.WarnThrottle = cfg.Queue.WarnThrottle
	queueCfg.Logger = logger.Named("queue")
	queue := bridge.NewQueue(queueCfg, metrics)

	publisherCfg := bridge.DefaultPublisherConfig()
	publisherCfg.URL = cfg.NATS.URL
	publisherCfg.Name = cfg.ServiceID
	publisherCfg.MaxReconnects = cfg.NATS.MaxReconnects
	publisherCfg.ReconnectWait = cfg.NATS.ReconnectWait
	publisherCfg.FlushTimeout = cfg.NATS.FlushTimeout
	publisherCfg.OnStateChange = metrics.SetBusConnected
	publisherCfg.Logger = logger.Named("bus")
	publisher := bridge.NewPublisher(publisherCfg)

	dialBreaker := bridge.NewBreaker(&bridge.BreakerConfig{
		Name:             "upstream_dial",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		ShouldCount:      countableFailure,
		Logger:           logger.Named("breaker"),
	})
	publishBreaker := bridge.NewBreaker(&bridge.BreakerConfig{
		Name:             "bus_publish",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		ShouldCount:      countableFailure,
		Logger:           logger.Named("breaker"),
	})

	poolCfg := bridge.DefaultWorkerPoolConfig()
	poolCfg.Workers = cfg.Workers.Count
	poolCfg.Subject = cfg.NATS.Subject
	poolCfg.Logger = logger.Named("worker")
	if cfg.Telemetry.Endpoint != "" {
		poolCfg.Injector = telemetry.NewInjector()
	}
	pool := bridge.NewWorkerPool(poolCfg, queue, publisher, publishBreaker, metrics)

	supervisorCfg := bridge.DefaultSupervisorConfig()
	supervisorCfg.Session = session
	supervisorCfg.Bus = publisher
	supervisorCfg.Queue = queue
	supervisorCfg.Workers = pool
	supervisorCfg.DialBreaker = dialBreaker
	supervisorCfg.PublishBreaker = publishBreaker
	supervisorCfg.ReconnectBaseDelay = cfg.Reconnect.BaseDelay
	supervisorCfg.ReconnectMaxDelay = cfg.Reconnect.MaxDelay
	supervisorCfg.MaxReconnectAttempts = cfg.Reconnect.MaxAttempts
	supervisorCfg.HeartbeatInterval = cfg.Heartbeat.Interval
	supervisorCfg.DrainDeadline = cfg.Shutdown.DrainDeadline
	supervisorCfg.Metrics = metrics
	supervisorCfg.Logger = logger.Named("supervisor")

	supervisor, err := bridge.NewSupervisor(supervisorCfg)
	if err != nil {
		return fmt.Errorf("build supervisor: %w", err)
	}

	healthServer := health.NewServer(cfg.Health.Addr, supervisor, registry, logger.Named("health"))
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	if err := supervisor.Run(ctx); err != nil {
		logger.Error("Bridge exited fatally", zap.Error(err))
		return err
	}
	logger.Info("Bridge exited cleanly")
	return nil
}

// countableFailure keeps shutdown-driven cancellations from tripping the
// breakers.
func countableFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// loadOverride reads the staged runtime configuration for this service and
// starts a watcher that logs later changes. Failures here are logged and
// ignored; the store is optional.
func loadOverride(ctx context.Context, cfg *config.Config, logger *zap.Logger) *configstore.Override {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.ServiceID+"-configstore"))
	if err != nil {
		logger.Warn("Config store unavailable", zap.Error(err))
		return nil
	}

	store, err := configstore.New(nc, cfg.Store.Bucket, logger.Named("configstore"))
	if err != nil {
		logger.Warn("Config store bucket unavailable", zap.Error(err))
		nc.Close()
		return nil
	}

	override, err := store.Load(cfg.ServiceID)
	if err != nil {
		logger.Warn("Config override load failed", zap.Error(err))
	}

	go func() {
		defer nc.Close()
		if err := store.Watch(ctx, cfg.ServiceID); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Config store watch ended", zap.Error(err))
		}
	}()

	return override
}

func buildLogger(debug bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapCfg.Development = true
	}
	return zapCfg.Build()
}
