package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
)

// outboxRow is one event waiting in lab_outbox.
type outboxRow struct {
	ID          int64
	EventID     string
	EventType   string
	Topic       string
	Key         string
	Payload     []byte
	Trace       map[string]string
	CreatedAt   time.Time
	Attempts    int
	AvailableAt time.Time
	LastError   *string
}

// enqueue adds e to the outbox inside the commit transaction. The trace of
// the committing request travels with the row.
func enqueue(ctx context.Context, tx pgx.Tx, e *lab.Event, topic, key string, payload []byte) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	traceDoc, err := json.Marshal(carrier)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_outbox (event_id, event_type, topic, msg_key, payload, trace_carrier)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, string(e.EventType), topic, key, payload, traceDoc)
	if err != nil {
		return fmt.Errorf("enqueue event %s: %w", e.ID, err)
	}
	return nil
}

// Publisher sends one record to the broker and waits for the ack.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// OutboxConfig tunes the relay.
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts failed publishes move a row to DeadLetterTopic.
	MaxAttempts     int
	DeadLetterTopic string
	// RetryBase and RetryMax bound the delay before a failed row is tried
	// again. The delay grows exponentially with the attempt count.
	RetryBase time.Duration
	RetryMax  time.Duration
	// Retention is how long published rows are kept.
	Retention time.Duration
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       200,
		PollInterval:    250 * time.Millisecond,
		MaxAttempts:     8,
		DeadLetterTopic: "lab.dead-letter",
		RetryBase:       time.Second,
		RetryMax:        5 * time.Minute,
		Retention:       72 * time.Hour,
	}
}

// relayLockID is the advisory lock held by the active relay. Only one
// relay publishes at a time so rows leave in id order.
const relayLockID int64 = 0x4c49530001

// OutboxRelay moves committed lab events from lab_outbox to the broker.
// Rows sharing a key are published in id order: a row that failed or is
// waiting out its retry delay holds back every later row of its key.
type OutboxRelay struct {
	pool    *pgxpool.Pool
	pub     Publisher
	cfg     OutboxConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	stop chan struct{}
	done chan struct{}
}

func NewOutboxRelay(pool *pgxpool.Pool, pub Publisher, cfg OutboxConfig, logger *zap.Logger, m *metrics.Metrics) *OutboxRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
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
	return &OutboxRelay{
		pool:    pool,
		pub:     pub,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("github.com/drfirst/go-lis/internal/infrastructure/postgres"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (o *OutboxRelay) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.cfg.BatchSize),
		zap.Duration("poll_interval", o.cfg.PollInterval))
}

func (o *OutboxRelay) Stop() {
	close(o.stop)
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *OutboxRelay) loop() {
	defer close(o.done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-o.stop
		cancel()
	}()

	poll := time.NewTicker(o.cfg.PollInterval)
	defer poll.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			res, err := o.Drain(ctx)
			if err != nil && ctx.Err() == nil {
				o.logger.Error("outbox drain failed", zap.Error(err))
				continue
			}
			// A full batch means more rows are waiting.
			if res.Published+res.DeadLettered == o.cfg.BatchSize {
				poll.Reset(time.Millisecond)
			} else {
				poll.Reset(o.cfg.PollInterval)
			}
		case <-prune.C:
			n, err := o.Prune(ctx, time.Now().Add(-o.cfg.Retention))
			if err != nil {
				o.logger.Warn("outbox prune failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Info("outbox pruned", zap.Int64("deleted", n))
			}
		}
	}
}

// DrainResult counts what one Drain did.
type DrainResult struct {
	Published    int
	DeadLettered int
	Failed       int
	// Held rows waited behind an earlier row of their key.
	Held int
}

// Drain publishes the oldest pending rows. It returns without work when
// another relay holds the lock.
func (o *OutboxRelay) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	ctx, span := o.tracer.Start(ctx, "outbox.drain")
	defer span.End()

	err := pgx.BeginFunc(ctx, o.pool, func(tx pgx.Tx) error {
		var leader bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&leader); err != nil {
			return fmt.Errorf("relay lock: %w", err)
		}
		if !leader {
			return nil
		}

		rows, err := pendingRows(ctx, tx, o.cfg.BatchSize)
		if err != nil {
			return err
		}
		now := time.Now()
		held := make(map[string]bool)
		for _, row := range rows {
			if held[row.Key] {
				res.Held++
				continue
			}
			if row.AvailableAt.After(now) {
				held[row.Key] = true
				res.Held++
				continue
			}
			dead, err := o.relay(ctx, tx, row)
			var pe *publishError
			switch {
			case errors.As(err, &pe):
				held[row.Key] = true
				res.Failed++
			case err != nil:
				return err
			case dead:
				res.DeadLettered++
			default:
				res.Published++
			}
		}
		return nil
	})
	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.dead_lettered", res.DeadLettered),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.held", res.Held))
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	if o.metrics != nil {
		if st, err := o.Stats(ctx); err == nil {
			o.metrics.SetOutboxPending(int(st.Pending))
		}
	}
	return res, nil
}

func pendingRows(ctx context.Context, tx pgx.Tx, limit int) ([]*outboxRow, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, topic, msg_key, payload, trace_carrier,
		       created_at, attempts, available_at, last_error
		FROM lab_outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending rows: %w", err)
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (*outboxRow, error) {
		var row outboxRow
		var traceDoc []byte
		if err := r.Scan(&row.ID, &row.EventID, &row.EventType, &row.Topic, &row.Key,
			&row.Payload, &traceDoc, &row.CreatedAt, &row.Attempts, &row.AvailableAt, &row.LastError); err != nil {
			return nil, err
		}
		if len(traceDoc) > 0 {
			if err := json.Unmarshal(traceDoc, &row.Trace); err != nil {
				return nil, fmt.Errorf("row %d trace: %w", row.ID, err)
			}
		}
		return &row, nil
	})
}

// publishError is a broker failure already recorded on the row. Any other
// relay error leaves the transaction unusable.
type publishError struct{ err error }

func (e *publishError) Error() string { return e.err.Error() }
func (e *publishError) Unwrap() error { return e.err }

// relay publishes one row, or its dead-letter envelope once the row has
// used up its attempts. A failed publish schedules the next attempt.
func (o *OutboxRelay) relay(ctx context.Context, tx pgx.Tx, row *outboxRow) (dead bool, err error) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(row.Trace))
	ctx, span := o.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.Int64("outbox.id", row.ID),
		attribute.String("lab.event_id", row.EventID),
		attribute.String("lab.event_type", row.EventType)))
	defer span.End()

	topic, value := row.Topic, row.Payload
	if row.Attempts >= o.cfg.MaxAttempts {
		dead = true
		if value, err = deadLetter(row); err != nil {
			return false, err
		}
		topic = o.cfg.DeadLetterTopic
		o.logger.Warn("dead-lettering outbox row",
			zap.Int64("id", row.ID),
			zap.String("event_type", row.EventType),
			zap.Int("attempts", row.Attempts))
	}

	if err := o.pub.Publish(ctx, topic, row.Key, value); err != nil {
		span.RecordError(err)
		next := time.Now().Add(o.retryDelay(row.Attempts + 1))
		if _, uerr := tx.Exec(ctx, `
			UPDATE lab_outbox SET attempts = attempts + 1, last_error = $2, available_at = $3
			WHERE id = $1
		`, row.ID, err.Error(), next); uerr != nil {
			return false, fmt.Errorf("record failed publish: %w", uerr)
		}
		o.logger.Warn("outbox publish failed",
			zap.Int64("id", row.ID),
			zap.String("key", row.Key),
			zap.Int("attempt", row.Attempts+1),
			zap.Time("retry_at", next),
			zap.Error(err))
		return false, &publishError{err: err}
	}

	if _, err := tx.Exec(ctx, `UPDATE lab_outbox SET published_at = NOW() WHERE id = $1`, row.ID); err != nil {
		return false, fmt.Errorf("mark row %d published: %w", row.ID, err)
	}
	return dead, nil
}

// retryDelay is the wait before the given attempt, without jitter so that
// a key's rows keep their order.
func (o *OutboxRelay) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.cfg.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         o.cfg.RetryMax,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func deadLetter(row *outboxRow) ([]byte, error) {
	return json.Marshal(struct {
		OutboxID      int64           `json:"outbox_id"`
		EventID       string          `json:"event_id"`
		EventType     string          `json:"event_type"`
		OriginalTopic string          `json:"original_topic"`
		Key           string          `json:"key"`
		Attempts      int             `json:"attempts"`
		LastError     *string         `json:"last_error,omitempty"`
		CreatedAt     time.Time       `json:"created_at"`
		Payload       json.RawMessage `json:"payload"`
	}{row.ID, row.EventID, row.EventType, row.Topic, row.Key, row.Attempts, row.LastError, row.CreatedAt, row.Payload})
}

// Prune deletes rows published before cutoff. The lab_events audit log is
// kept.
func (o *OutboxRelay) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := o.pool.Exec(ctx, `DELETE FROM lab_outbox WHERE published_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarizes lab_outbox.
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	OldestPending *time.Time
}

func (o *OutboxRelay) Stats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	err := o.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE attempts > 0), MIN(created_at)
		FROM lab_outbox WHERE published_at IS NULL
	`).Scan(&st.Pending, &st.Retrying, &st.OldestPending)
	return st, err
}
