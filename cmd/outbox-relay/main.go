// Package main provides the outbox relay service entry point. It publishes
// committed lab events from the postgres outbox to Redpanda.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/config"
	"github.com/drfirst/go-lis/internal/infrastructure/postgres"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
	"github.com/drfirst/go-lis/internal/observability/logging"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/observability/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("LIS_CONFIG"))
	if err != nil {
		return err
	}
	if cfg.Store != config.StorePostgres {
		return errors.New("outbox relay needs the postgres store")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx, "outbox-relay",
		tracing.WithEnvironment(cfg.Env),
		tracing.WithEndpoint(cfg.Tracing.Endpoint),
		tracing.WithSampleRate(cfg.Tracing.SampleRate),
		tracing.WithFacility(cfg.Host.Facility))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		return err
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		admin.Close()
		return err
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers
	producer, err := redpanda.NewProducer(producerCfg, logger, m)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	relay := postgres.NewOutboxRelay(pool, producer, postgres.DefaultOutboxConfig(), logger, m)
	relay.Start()

	metricsSrv := &http.Server{Addr: ":9102", Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	relay.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush on shutdown", zap.Error(err))
	}
	return metricsSrv.Shutdown(shutdownCtx)
}
