// Package redpanda carries lab events between the outbox relay and the
// downstream notifier over a Kafka-compatible broker using franz-go.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/observability/metrics"
)

// ConsumerConfig holds configuration for a lab event consumer group.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeout is how long the group waits for a silent member.
	SessionTimeout time.Duration
	// MaxPollRecords bounds one poll; offsets are committed per poll.
	MaxPollRecords int
	FetchMaxBytes  int32
	// FromStart makes a group without committed offsets read from the
	// beginning of the topics.
	FromStart bool
	// RetryInterval and RetryMax shape the backoff between handler attempts
	// on a record that failed.
	RetryInterval time.Duration
	RetryMax      time.Duration
}

// DefaultConsumerConfig returns defaults for the notifier group.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "lis-notifier",
		Topics:         []string{TopicNotifications, TopicCriticalAlerts},
		SessionTimeout: 30 * time.Second,
		MaxPollRecords: 100,
		FetchMaxBytes:  8 * 1024 * 1024,
		FromStart:      true,
		RetryInterval:  200 * time.Millisecond,
		RetryMax:       10 * time.Second,
	}
}

// MessageHandler is called for each consumed message. An error wrapped
// with Skip drops the record; any other error retries it.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Skip marks a handler error as final for the record.
func Skip(err error) error { return backoff.Permanent(err) }

// ConsumedMessage is one record handed to a MessageHandler.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Consumer reads lab events for a consumer group. A record is retried until
// its handler succeeds or skips it, so the committed offset never passes a
// record that was not handled. Rebalances wait for the current poll.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	metrics *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	stats ConsumerStats
}

// NewConsumer creates a consumer. m may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger, m *metrics.Metrics) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("no topics to consume")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		metrics: m,
		done:    make(chan struct{}),
	}, nil
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Stop waits for the record in hand, then leaves the group. Offsets of
// handled records are already committed.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.client.Close()
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for {
		fetches := c.client.PollRecords(ctx, c.config.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.count(func(s *ConsumerStats) { s.FetchErrors++ })
		})

		var handled []*kgo.Record
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				if !c.handle(ctx, rec) {
					return
				}
				handled = append(handled, rec)
			}
		})
		c.commit(handled)
		c.client.AllowRebalance()
	}
}

// commit uses a fresh context so records handled before shutdown are not
// read again.
func (c *Consumer) commit(records []*kgo.Record) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitRecords(ctx, records...); err != nil {
		c.logger.Error("commit offsets", zap.Int("records", len(records)), zap.Error(err))
		return
	}
	c.count(func(s *ConsumerStats) { s.LastCommit = time.Now() })
}

// handle runs the handler until it succeeds or skips the record. It returns
// false only when ctx ended first.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) bool {
	ctx = otel.GetTextMapPropagator().Extract(ctx, recordCarrier{rec})
	ctx, span := c.tracer.Start(ctx, "consume "+rec.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", rec.Topic),
			attribute.Int64("messaging.kafka.partition", int64(rec.Partition)),
			attribute.Int64("messaging.kafka.offset", rec.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   make(map[string]string, len(rec.Headers)),
		Timestamp: rec.Timestamp,
	}
	for _, h := range rec.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInterval
	b.MaxInterval = c.config.RetryMax
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, msg)
		if err == nil {
			c.metrics.KafkaConsumed()
			c.count(func(s *ConsumerStats) { s.Handled++ })
			return true
		}
		span.RecordError(err)

		var skip *backoff.PermanentError
		if errors.As(err, &skip) {
			c.logger.Warn("record skipped",
				zap.String("topic", rec.Topic),
				zap.Int32("partition", rec.Partition),
				zap.Int64("offset", rec.Offset),
				zap.Error(skip.Err))
			c.count(func(s *ConsumerStats) { s.Skipped++ })
			return true
		}

		delay := b.NextBackOff()
		c.logger.Warn("record handler failed",
			zap.String("topic", rec.Topic),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		c.count(func(s *ConsumerStats) { s.Retries++ })
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

// ConsumerStats counts what the consumer did since it started.
type ConsumerStats struct {
	Handled     int64
	Skipped     int64
	Retries     int64
	FetchErrors int64
	LastCommit  time.Time
}

func (c *Consumer) count(fn func(*ConsumerStats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
