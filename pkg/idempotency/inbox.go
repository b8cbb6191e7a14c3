// Package idempotency deduplicates inbound analyzer messages. Instruments
// retransmit whenever an acknowledgement is lost, so each result is
// processed under a key derived from its content and recorded in an inbox.
// A key is held under a lease while its handler runs; a lease left behind
// by a crashed process expires and the key can be claimed again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State of an inbox entry.
type State string

const (
	StateClaimed State = "claimed"
	StateDone    State = "done"
	// StateRetry entries failed transiently and may be claimed again.
	StateRetry  State = "retry"
	StateFailed State = "failed"
)

var (
	ErrDuplicate  = errors.New("message already processed")
	ErrInProgress = errors.New("message is being processed")
	// ErrFailed is returned for a key whose handler failed permanently.
	ErrFailed = errors.New("message failed permanently")
)

// Entry is one inbox record.
type Entry struct {
	Key        string
	Source     string
	State      State
	Attempts   int
	LastError  string
	LeaseUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ExpiresAt  time.Time
}

// Store persists the inbox. Claim must be atomic per key.
type Store interface {
	// Claim takes key for processing until leaseUntil. A new key, a retry
	// entry or a claimed entry whose lease ended before now is claimed and
	// its attempt count raised. Otherwise Claim returns the existing entry
	// and false.
	Claim(ctx context.Context, key, source string, now, leaseUntil, expiresAt time.Time) (*Entry, bool, error)
	// Finish records the outcome of a claim.
	Finish(ctx context.Context, key string, state State, lastError string, now time.Time) error
	// Purge deletes entries that expired before now.
	Purge(ctx context.Context, now time.Time) (int64, error)
	// Counts returns the number of entries per state.
	Counts(ctx context.Context) (map[State]int64, error)
}

// Config tunes an Inbox.
type Config struct {
	// TTL is how long a key is remembered after it was first seen.
	TTL time.Duration
	// Lease bounds one handler run. It must exceed the slowest ingest.
	Lease         time.Duration
	PurgeInterval time.Duration
	// Permanent reports handler errors that retransmission cannot fix.
	Permanent func(error) bool
}

func DefaultConfig() Config {
	return Config{
		TTL:           72 * time.Hour,
		Lease:         2 * time.Minute,
		PurgeInterval: 30 * time.Minute,
	}
}

// Inbox runs handlers at most once per key.
type Inbox struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	stop chan struct{}
	done chan struct{}
}

func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	return &Inbox{
		store:  store,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("github.com/drfirst/go-lis/pkg/idempotency"),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Do runs fn unless key was already handled. It returns ErrDuplicate,
// ErrInProgress or ErrFailed without calling fn when the key is not
// claimable, and fn's error otherwise.
func (i *Inbox) Do(ctx context.Context, key, source string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "inbox.do", trace.WithAttributes(
		attribute.String("inbox.key", key),
		attribute.String("inbox.source", source)))
	defer span.End()

	now := i.now()
	entry, claimed, err := i.store.Claim(ctx, key, source, now, now.Add(i.cfg.Lease), now.Add(i.cfg.TTL))
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		span.SetAttributes(attribute.String("inbox.state", string(entry.State)))
		switch entry.State {
		case StateDone:
			return ErrDuplicate
		case StateFailed:
			return fmt.Errorf("%w: %s", ErrFailed, entry.LastError)
		default:
			return ErrInProgress
		}
	}
	if entry.Attempts > 1 {
		span.SetAttributes(attribute.Int("inbox.attempt", entry.Attempts))
		i.logger.Info("reprocessing message",
			zap.String("key", key),
			zap.String("source", source),
			zap.Int("attempt", entry.Attempts),
			zap.String("last_error", entry.LastError))
	}

	runErr := fn(ctx)

	state, reason := StateDone, ""
	if runErr != nil {
		state, reason = StateRetry, runErr.Error()
		if i.cfg.Permanent != nil && i.cfg.Permanent(runErr) {
			state = StateFailed
		}
		span.RecordError(runErr)
	}
	// The handler's own writes are committed; losing the outcome only
	// lets the lease expire and the next retransmission run it again.
	if err := i.store.Finish(context.WithoutCancel(ctx), key, state, reason, i.now()); err != nil {
		i.logger.Error("record inbox outcome", zap.String("key", key), zap.Error(err))
	}
	return runErr
}

// Key derives a message key from its parts. Callers format times
// themselves so that a retransmission yields the same key.
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Start purges expired entries every PurgeInterval until Stop.
func (i *Inbox) Start() {
	go func() {
		defer close(i.done)
		t := time.NewTicker(i.cfg.PurgeInterval)
		defer t.Stop()
		for {
			select {
			case <-i.stop:
				return
			case <-t.C:
				i.purge()
			}
		}
	}()
}

func (i *Inbox) Stop() {
	close(i.stop)
	<-i.done
}

func (i *Inbox) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := i.store.Purge(ctx, i.now())
	if err != nil {
		i.logger.Error("inbox purge failed", zap.Error(err))
		return
	}
	counts, err := i.store.Counts(ctx)
	if err != nil {
		i.logger.Warn("inbox counts", zap.Error(err))
		return
	}
	i.logger.Debug("inbox purged",
		zap.Int64("deleted", n),
		zap.Int64("done", counts[StateDone]),
		zap.Int64("claimed", counts[StateClaimed]),
		zap.Int64("retry", counts[StateRetry]),
		zap.Int64("failed", counts[StateFailed]))
}
