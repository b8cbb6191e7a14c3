// Package main provides the notifier entry point. It consumes released
// results and critical alerts from Redpanda and delivers clinician
// notifications over RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/config"
	"github.com/drfirst/go-lis/internal/infrastructure/rabbitmq"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
	"github.com/drfirst/go-lis/internal/notify"
	"github.com/drfirst/go-lis/internal/observability/logging"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/pkg/circuitbreaker"
	"github.com/drfirst/go-lis/pkg/workerpool"
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
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)

	conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	publisher, err := rabbitmq.NewPublisher(conn, logger.Named("rabbitmq"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = 4
	notifier, err := notify.New(publisher, circuitbreaker.NewManager(logger),
		circuitbreaker.DefaultConfig("notify"), poolCfg, logger.Named("notify"), m)
	if err != nil {
		return err
	}
	notifier.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumer, err := redpanda.NewConsumer(consumerCfg, notifier.HandleMessage, logger.Named("consumer"), m)
	if err != nil {
		return err
	}
	consumer.Start()
	logger.Info("notifier started", zap.Strings("topics", consumerCfg.Topics))

	<-ctx.Done()
	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	return notifier.Stop()
}
