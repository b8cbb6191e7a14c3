package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the inbox in the inbox table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const entryColumns = `msg_key, source, state, attempts, last_error, lease_until, created_at, updated_at, expires_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var lease *time.Time
	if err := row.Scan(&e.Key, &e.Source, &e.State, &e.Attempts, &e.LastError,
		&lease, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt); err != nil {
		return nil, err
	}
	if lease != nil {
		e.LeaseUntil = *lease
	}
	return &e, nil
}

// Claim upserts the key and takes it only when the existing row is
// claimable. A row lost to a concurrent claimer is read back unclaimed.
func (s *PostgresStore) Claim(ctx context.Context, key, source string, now, leaseUntil, expiresAt time.Time) (*Entry, bool, error) {
	const claim = `
		INSERT INTO inbox (msg_key, source, state, attempts, last_error, lease_until, created_at, updated_at, expires_at)
		VALUES ($1, $2, 'claimed', 1, '', $3, $4, $4, $5)
		ON CONFLICT (msg_key) DO UPDATE
		SET state = 'claimed', attempts = inbox.attempts + 1, lease_until = $3, updated_at = $4
		WHERE inbox.state = 'retry' OR (inbox.state = 'claimed' AND inbox.lease_until < $4)
		RETURNING ` + entryColumns

	e, err := scanEntry(s.pool.QueryRow(ctx, claim, key, source, leaseUntil, now, expiresAt))
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	e, err = scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM inbox WHERE msg_key = $1`, key))
	if err != nil {
		return nil, false, fmt.Errorf("read contended key: %w", err)
	}
	return e, false, nil
}

func (s *PostgresStore) Finish(ctx context.Context, key string, state State, lastError string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbox SET state = $2, last_error = $3, lease_until = NULL, updated_at = $4
		WHERE msg_key = $1`, key, state, lastError, now)
	return err
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < $1 AND state <> 'claimed'`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Counts(ctx context.Context) (map[State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM inbox GROUP BY state`)
	if err != nil {
		return nil, err
	}
	out := make(map[State]int64, 4)
	var (
		st State
		n  int64
	)
	_, err = pgx.ForEachRow(rows, []any{&st, &n}, func() error {
		out[st] = n
		return nil
	})
	return out, err
}
