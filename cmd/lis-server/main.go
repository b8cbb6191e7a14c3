// Package main provides the LIS server entry point: the HTTP API and the
// analyzer gateway in one process.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-lis/internal/analyzer"
	"github.com/drfirst/go-lis/internal/api/handlers"
	"github.com/drfirst/go-lis/internal/api/middleware"
	"github.com/drfirst/go-lis/internal/approval"
	"github.com/drfirst/go-lis/internal/config"
	"github.com/drfirst/go-lis/internal/critical"
	"github.com/drfirst/go-lis/internal/dispatch"
	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/infrastructure/postgres"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
	"github.com/drfirst/go-lis/internal/ingestion"
	"github.com/drfirst/go-lis/internal/intake"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/observability/logging"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/observability/tracing"
	"github.com/drfirst/go-lis/internal/outbox"
	"github.com/drfirst/go-lis/internal/release"
	"github.com/drfirst/go-lis/internal/specimen"
	"github.com/drfirst/go-lis/pkg/idempotency"
	"github.com/drfirst/go-lis/pkg/keylock"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// store is the persistence chosen by configuration.
type store struct {
	repo   lab.Repository
	orders intake.OrderSource
	inbox  idempotency.Store
	pool   *pgxpool.Pool
	// memory is set for the memory store, whose outbox this process relays.
	memory *lab.MemoryRepository
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		repo := lab.NewMemoryRepository()
		return &store{
			repo:   repo,
			orders: intake.NewMemorySource(),
			inbox:  idempotency.NewMemoryStore(),
			memory: repo,
		}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("connected to database")
	return &store{
		repo:   postgres.NewLabRepository(pool, redpanda.Route),
		orders: postgres.NewOrderSource(pool),
		inbox:  idempotency.NewPostgresStore(pool),
		pool:   pool,
	}, nil
}

func (s *store) ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *store) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// coordination returns the lock and barcode index shared by every replica
// when redis is configured, in-process ones otherwise.
func coordination(ctx context.Context, cfg *config.Config, logger *zap.Logger) (keylock.Locker, specimen.Index, func(), error) {
	if cfg.Redis.Addr == "" {
		return keylock.NewMemory(), specimen.NewMemoryIndex(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	return keylock.NewRedis(client, keylock.DefaultRedisConfig(), logger),
		specimen.NewRedisIndex(client, ""),
		func() { client.Close() },
		nil
}

// memoryRelay delivers the memory store's outbox to the configured sink.
func memoryRelay(cfg *config.Config, repo *lab.MemoryRepository, logger *zap.Logger, m *metrics.Metrics) (*outbox.Relay, func(), error) {
	var pub outbox.Publisher = outbox.NewLogPublisher(logger.Named("events"))
	closeSink := func() {}
	if cfg.Outbox.Sink == config.SinkKafka {
		pc := redpanda.DefaultProducerConfig()
		pc.Brokers = cfg.Kafka.Brokers
		pc.ClientID = "lis-server"
		producer, err := redpanda.NewProducer(pc, logger.Named("producer"), m)
		if err != nil {
			return nil, nil, fmt.Errorf("create producer: %w", err)
		}
		pub, closeSink = producer, producer.Close
	}
	logger.Info("relaying outbox in process", zap.String("sink", cfg.Outbox.Sink))
	return outbox.NewRelay(repo, pub, redpanda.Route, outbox.DefaultConfig(), logger.Named("outbox"), m), closeSink, nil
}

func run() error {
	// .env is optional
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

	tp, err := tracing.Init(ctx, "lis-server",
		tracing.WithEnvironment(cfg.Env),
		tracing.WithEndpoint(cfg.Tracing.Endpoint),
		tracing.WithSampleRate(cfg.Tracing.SampleRate),
		tracing.WithFacility(cfg.Host.Facility))
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	if st.memory != nil {
		relay, closeSink, err := memoryRelay(cfg, st.memory, logger, m)
		if err != nil {
			return err
		}
		defer closeSink()
		relay.Start()
		defer relay.Stop()
	}

	locker, index, closeRedis, err := coordination(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRedis()

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	registry, err := analyzer.NewRegistry(cfg.Analyzers...)
	if err != nil {
		return err
	}
	gateway, err := analyzer.NewGateway(registry, analyzer.GatewayConfig{
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		Protocol:        cfg.ProtocolOptions(),
	}, logger.Named("gateway"), m)
	if err != nil {
		return err
	}

	// Workflow
	specimens := specimen.NewRegistry(st.repo, index, locker, logger.Named("specimen"))
	if _, err := specimens.Restore(ctx); err != nil {
		return err
	}
	engine := lifecycle.NewEngine(st.repo, locker, specimens, logger.Named("lifecycle"), m)
	intakeSvc := intake.NewService(st.orders, st.repo, locker, logger.Named("intake"), m)

	dispatcher, err := dispatch.New(engine, specimens, registry, gateway, cfg.PoolConfig(), logger.Named("dispatch"), m)
	if err != nil {
		return err
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	inbox := idempotency.NewInbox(st.inbox, idempotency.DefaultConfig(), logger.Named("inbox"))
	inbox.Start()
	defer inbox.Stop()

	pipeline := ingestion.New(engine, specimens, critical.NewMonitor(catalog, logger.Named("critical"), m),
		inbox, logger.Named("ingestion"), m)

	labHandler := handlers.NewLabHandler(handlers.Services{
		Intake:     intakeSvc,
		Engine:     engine,
		Specimens:  specimens,
		Dispatcher: dispatcher,
		Pipeline:   pipeline,
		Gate:       approval.New(engine, logger.Named("approval")),
		Release:    release.NewService(engine, intakeSvc, logger.Named("release"), m),
		Analyzers:  registry,
	}, logger.Named("http"))

	// Router
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.HTTP.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger, m))
	r.Use(middleware.Tracing("lis-server"))
	r.Use(middleware.RateLimit(cfg.HTTP.RateLimit))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := st.ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.HTTP.APIKeys))
		r.Mount("/", labHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return gateway.Run(ctx, analyzer.Handlers{
			Results: pipeline.HandleResults,
			Query:   dispatcher.HandleQuery,
		})
	})
	eg.Go(func() error {
		logger.Info("starting LIS API", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
