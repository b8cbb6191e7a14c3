// Package outbox delivers events committed to the in-process repository.
// Deployments on postgres run cmd/outbox-relay over lab_outbox instead.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/infrastructure/redpanda"
	"github.com/drfirst/go-lis/internal/observability/metrics"
)

// Source is a FIFO of committed events.
type Source interface {
	PendingOutbox(n int) []*lab.Event
	AckOutbox(n int)
}

// Publisher writes one record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Router picks the topic and partition key of an event.
type Router func(e *lab.Event) (topic, key string)

type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts failed publishes move the head event to DeadLetterTopic.
	MaxAttempts     int
	DeadLetterTopic string
	RetryBase       time.Duration
	RetryMax        time.Duration
	// StopTimeout bounds the final drain on Stop.
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       200,
		PollInterval:    250 * time.Millisecond,
		MaxAttempts:     8,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		RetryBase:       time.Second,
		RetryMax:        time.Minute,
		StopTimeout:     10 * time.Second,
	}
}

// Relay publishes events in commit order. A failing event holds back every
// later one until it is published or dead-lettered.
type Relay struct {
	src     Source
	pub     Publisher
	route   Router
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	attempts int
	retryAt  time.Time
	backoff  *backoff.ExponentialBackOff

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. Zero config fields take their defaults.
func NewRelay(src Source, pub Publisher, route Router, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if route == nil {
		route = redpanda.Route
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMax
	b.RandomizationFactor = 0
	return &Relay{
		src:     src,
		pub:     pub,
		route:   route,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		backoff: b,
	}
}

// Start polls the source until Stop.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.logger.Info("outbox relay started", zap.Duration("poll_interval", r.cfg.PollInterval))
}

// Stop ends polling and makes one last attempt to deliver what is queued.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done

	r.mu.Lock()
	r.retryAt = time.Time{}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StopTimeout)
	defer cancel()
	if _, err := r.Drain(ctx); err != nil {
		r.logger.Warn("final outbox drain", zap.Error(err))
	}
	if left := len(r.src.PendingOutbox(0)); left > 0 {
		r.logger.Error("outbox events undelivered at shutdown", zap.Int("pending", left))
	}
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			n, err := r.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Debug("outbox drain paused", zap.Error(err))
			}
			if err != nil || n < r.cfg.BatchSize {
				break
			}
		}
	}
}

// Drain publishes up to one batch and returns how many events left the
// outbox, published or dead-lettered. It stops at the first failure and
// returns it; the event stays queued until its retry is due.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now().Before(r.retryAt) {
		return 0, nil
	}
	events := r.src.PendingOutbox(r.cfg.BatchSize)
	done := 0
	defer func() {
		r.src.AckOutbox(done)
		r.metrics.SetOutboxPending(len(r.src.PendingOutbox(0)))
	}()

	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		err := r.publish(ctx, e)
		if err == nil {
			r.attempts = 0
			r.backoff.Reset()
			done++
			continue
		}

		r.attempts++
		var perm *backoff.PermanentError
		if r.attempts < r.cfg.MaxAttempts && !errors.As(err, &perm) {
			delay := r.backoff.NextBackOff()
			r.retryAt = r.now().Add(delay)
			r.logger.Warn("outbox publish failed",
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.EventType)),
				zap.Int("attempts", r.attempts),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			return done, err
		}
		if dlErr := r.deadLetter(ctx, e, err); dlErr != nil {
			r.retryAt = r.now().Add(r.cfg.RetryMax)
			return done, fmt.Errorf("dead-letter %s: %w", e.ID, dlErr)
		}
		r.attempts = 0
		r.backoff.Reset()
		done++
	}
	return done, nil
}

func (r *Relay) publish(ctx context.Context, e *lab.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return backoff.Permanent(err)
	}
	topic, key := r.route(e)
	return r.pub.Publish(ctx, topic, key, payload)
}

func (r *Relay) deadLetter(ctx context.Context, e *lab.Event, cause error) error {
	topic, key := r.route(e)
	payload, err := DeadLetter(e, topic, key, r.attempts, cause)
	if err != nil {
		return err
	}
	if err := r.pub.Publish(ctx, r.cfg.DeadLetterTopic, key, payload); err != nil {
		return err
	}
	r.logger.Error("outbox event dead-lettered",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("topic", topic),
		zap.Int("attempts", r.attempts),
		zap.Error(cause))
	return nil
}

// DeadLetter builds the envelope published for an event that could not be
// delivered.
func DeadLetter(e *lab.Event, topic, key string, attempts int, cause error) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte("null")
	}
	return json.Marshal(struct {
		EventID       string          `json:"event_id"`
		EventType     string          `json:"event_type"`
		OriginalTopic string          `json:"original_topic"`
		Key           string          `json:"key"`
		Attempts      int             `json:"attempts"`
		LastError     string          `json:"last_error"`
		CreatedAt     time.Time       `json:"created_at"`
		Payload       json.RawMessage `json:"payload"`
	}{e.ID, string(e.EventType), topic, key, attempts, cause.Error(), e.Timestamp, payload})
}

// LogPublisher writes events to the log when no broker is configured.
// Critical alerts are logged at warn level.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	fields := []zap.Field{
		zap.String("topic", topic),
		zap.String("key", key),
		zap.ByteString("payload", value),
	}
	switch topic {
	case redpanda.TopicCriticalAlerts, redpanda.TopicDeadLetter:
		p.logger.Warn("lab event", fields...)
	default:
		p.logger.Info("lab event", fields...)
	}
	return nil
}
