package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/terminal-bench/chainsettle/internal/auth"
	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/chain/adapters"
	"github.com/terminal-bench/chainsettle/internal/config"
	"github.com/terminal-bench/chainsettle/internal/idempotency"
	"github.com/terminal-bench/chainsettle/internal/ops"
	"github.com/terminal-bench/chainsettle/internal/registry"
	"github.com/terminal-bench/chainsettle/internal/settlement"
	"github.com/terminal-bench/chainsettle/internal/store"
	"github.com/terminal-bench/chainsettle/internal/telemetry"
	"github.com/terminal-bench/chainsettle/pkg/messaging"
)

func main() {
	configPath := flag.String("config", os.Getenv("SETTLED_CONFIG"), "path to the yaml config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()

	engine, err := cfg.Rewards.Engine()
	if err != nil {
		logger.Fatal("invalid reward tiers", zap.Error(err))
	}

	metrics := telemetry.NewMetrics()
	regOpts := []registry.Option{
		registry.WithProbeRecorder(metrics),
		registry.WithNotifier(metrics),
	}
	orchOpts := []settlement.Option{settlement.WithRecorder(metrics)}

	if cfg.Influx.Enabled() {
		probes := telemetry.NewProbeSink(cfg.Influx, logger)
		regOpts = append(regOpts, registry.WithProbeRecorder(probes), registry.WithNotifier(probes))
		closers = append(closers, probes.Close)
	}

	var burnStore store.Store = store.NewMemory()
	if cfg.Storage.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		burnStore = pg
	}
	closers = append(closers, func() { _ = burnStore.Close() })
	orchOpts = append(orchOpts, settlement.WithStore(burnStore))

	switch {
	case cfg.Storage.RedisURL != "":
		l, err := idempotency.NewRedisLedger(ctx, cfg.Storage.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		closers = append(closers, func() { _ = l.Close() })
		orchOpts = append(orchOpts, settlement.WithLedger(l))
	case len(cfg.Storage.EtcdEndpoints) > 0:
		l, err := idempotency.NewEtcdLedger(cfg.Storage.EtcdEndpoints, logger.Named("etcd"))
		if err != nil {
			logger.Fatal("failed to connect etcd", zap.Error(err))
		}
		closers = append(closers, func() { _ = l.Close() })
		orchOpts = append(orchOpts, settlement.WithLedger(l))
	default:
		logger.Warn("using in-process burn claims; run a single instance")
	}

	if cfg.Messaging.URL != "" {
		bus, err := messaging.NewClient(cfg.Messaging, logger)
		if err != nil {
			logger.Fatal("failed to connect nats", zap.Error(err))
		}
		sink := settlement.NewBusSink(bus, logger)
		orchOpts = append(orchOpts, settlement.WithSink(sink))
		regOpts = append(regOpts, registry.WithNotifier(sink))
		closers = append(closers, func() { _ = bus.Close() })
	}

	hub := ops.NewHub(logger)
	orchOpts = append(orchOpts, settlement.WithSink(hub))

	reg := registry.New(cfg.Registry, adapters.New(engine, logger), logger, regOpts...)
	for _, t := range cfg.ChainTypes() {
		if err := reg.RegisterChain(ctx, t, cfg.Chains[t]); err != nil {
			logger.Fatal("failed to register chain", zap.String("chain", string(t)), zap.Error(err))
		}
	}

	orch := settlement.New(cfg.Settlement, reg, logger, orchOpts...)
	for _, t := range cfg.ChainTypes() {
		err := orch.VerifyTiers(ctx, t, engine)
		switch {
		case errors.Is(err, settlement.ErrTierMismatch):
			logger.Fatal("reward tiers differ from the ledger", zap.String("chain", string(t)), zap.Error(err))
		case err != nil:
			logger.Warn("failed to verify reward tiers", zap.String("chain", string(t)), zap.Error(err))
		}
	}
	var subs []chain.Subscription
	for _, t := range cfg.ChainTypes() {
		sub, err := orch.Watch(ctx, t)
		if err != nil {
			logger.Warn("event feed unavailable", zap.String("chain", string(t)), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}

	var authSvc *auth.Service
	if cfg.Admin.JWTSecret != "" {
		authSvc, err = auth.NewService(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.TokenTTL)
		if err != nil {
			logger.Fatal("invalid admin secret", zap.Error(err))
		}
	} else {
		logger.Warn("ADMIN_JWT_SECRET not set; tier administration disabled")
	}

	server := ops.NewServer(cfg.Ops, ops.Deps{
		Chains:  reg,
		Engine:  engine,
		Tiers:   orch,
		Auth:    authSvc,
		Hub:     hub,
		Store:   burnStore,
		Metrics: metrics.Handler(),
	}, logger)

	if err := reg.Start(ctx); err != nil {
		logger.Fatal("failed to start health checks", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("ops server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server forced to shutdown", zap.Error(err))
	}
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	cancel()
	if err := reg.Stop(); err != nil {
		logger.Error("failed to stop registry", zap.Error(err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
