package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/observability/metrics"
)

// ProducerConfig tunes the franz-go producer used by the outbox relay.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger is how long a partition batch waits for more records.
	Linger      time.Duration
	MaxBuffered int
	// Compression is one of none, lz4, snappy, gzip or zstd.
	Compression string
	// Timeout bounds one Publish including broker retries.
	Timeout time.Duration
}

// DefaultProducerConfig returns settings for low-volume, order-sensitive
// lab events: idempotent writes acknowledged by all replicas.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:     []string{"localhost:9092"},
		ClientID:    "lis-outbox-relay",
		Linger:      5 * time.Millisecond,
		MaxBuffered: 10_000,
		Compression: "lz4",
		Timeout:     15 * time.Second,
	}
}

func compression(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "", "none":
		return kgo.NoCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("unknown compression %q", name)
	}
}

// Producer writes records synchronously. The caller's trace travels in
// the record headers.
type Producer struct {
	client  *kgo.Client
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer connects lazily; the first Publish reaches the brokers. m may
// be nil.
func NewProducer(cfg ProducerConfig, logger *zap.Logger, m *metrics.Metrics) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := compression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProducerConfig().Timeout
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.MaxBufferedRecords(cfg.MaxBuffered),
		kgo.ProducerBatchCompression(codec),
		kgo.RecordDeliveryTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Producer{
		client:  client,
		timeout: cfg.Timeout,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("github.com/drfirst/go-lis/internal/infrastructure/redpanda"),
	}, nil
}

// Publish writes one record and waits until the brokers acknowledge it.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", topic),
			attribute.String("messaging.kafka.message.key", key),
			attribute.Int("messaging.message.body.size", len(value))))
	defer span.End()

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	otel.GetTextMapPropagator().Inject(ctx, recordCarrier{rec})

	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	p.sent.Add(1)
	p.metrics.KafkaProduced()
	span.SetAttributes(
		attribute.Int("messaging.kafka.destination.partition", int(rec.Partition)),
		attribute.Int64("messaging.kafka.message.offset", rec.Offset))
	return nil
}

// Flush waits for buffered records.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes for up to the publish timeout and disconnects.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
	p.logger.Info("producer closed",
		zap.Int64("sent", p.sent.Load()),
		zap.Int64("failed", p.failed.Load()))
}

// recordCarrier exposes record headers to the otel propagator.
type recordCarrier struct{ rec *kgo.Record }

func (c recordCarrier) Get(key string) string {
	for _, h := range c.rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c recordCarrier) Set(key, value string) {
	for i := range c.rec.Headers {
		if c.rec.Headers[i].Key == key {
			c.rec.Headers[i].Value = []byte(value)
			return
		}
	}
	c.rec.Headers = append(c.rec.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c recordCarrier) Keys() []string {
	keys := make([]string, len(c.rec.Headers))
	for i, h := range c.rec.Headers {
		keys[i] = h.Key
	}
	return keys
}
