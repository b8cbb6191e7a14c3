package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsDeterministic(t *testing.T) {
	a := Key("an-1", "SP1", "GLU", "250", "2026-03-01T09:00:00Z")
	b := Key("an-1", "SP1", "GLU", "250", "2026-03-01T09:00:00Z")
	c := Key("an-1", "SP1", "GLU", "251", "2026-03-01T09:00:00Z")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, Key("a|b", "c"), Key("a", "b|c"))
	assert.Len(t, a, 64)
}

// clockedInbox returns an inbox whose clock the test moves.
func clockedInbox(store Store, cfg Config) (*Inbox, *time.Time) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in := NewInbox(store, cfg, nil)
	in.now = func() time.Time { return now }
	return in, &now
}

func TestDoRunsOncePerKey(t *testing.T) {
	in, _ := clockedInbox(NewMemoryStore(), DefaultConfig())
	ctx := context.Background()

	calls := 0
	fn := func(context.Context) error { calls++; return nil }

	require.NoError(t, in.Do(ctx, "k1", "an-1", fn))
	assert.ErrorIs(t, in.Do(ctx, "k1", "an-1", fn), ErrDuplicate)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientFailure(t *testing.T) {
	store := NewMemoryStore()
	in, _ := clockedInbox(store, DefaultConfig())
	ctx := context.Background()
	errDB := errors.New("database unavailable")

	assert.ErrorIs(t, in.Do(ctx, "k1", "an-1", func(context.Context) error { return errDB }), errDB)
	require.NoError(t, in.Do(ctx, "k1", "an-1", func(context.Context) error { return nil }))

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[State]int64{StateDone: 1}, counts)
	e, _, err := store.Claim(ctx, "k1", "an-1", time.Now(), time.Now(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)
}

func TestDoPermanentFailureIsFinal(t *testing.T) {
	errUnknown := errors.New("unknown sample")
	cfg := DefaultConfig()
	cfg.Permanent = func(err error) bool { return errors.Is(err, errUnknown) }
	in, _ := clockedInbox(NewMemoryStore(), cfg)
	ctx := context.Background()

	require.ErrorIs(t, in.Do(ctx, "k1", "an-1", func(context.Context) error { return errUnknown }), errUnknown)

	err := in.Do(ctx, "k1", "an-1", func(context.Context) error {
		t.Fatal("failed key must not run again")
		return nil
	})
	assert.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "unknown sample")
}

func TestDoReclaimsExpiredLease(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	in, now := clockedInbox(store, cfg)
	ctx := context.Background()

	_, claimed, err := store.Claim(ctx, "k1", "an-1", *now, now.Add(cfg.Lease), now.Add(cfg.TTL))
	require.NoError(t, err)
	require.True(t, claimed)

	ran := false
	fn := func(context.Context) error { ran = true; return nil }
	assert.ErrorIs(t, in.Do(ctx, "k1", "an-1", fn), ErrInProgress)
	assert.False(t, ran)

	*now = now.Add(cfg.Lease + time.Second)
	require.NoError(t, in.Do(ctx, "k1", "an-1", fn))
	assert.True(t, ran)
}

func TestMemoryStorePurgeKeepsClaimedEntries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, _, err := store.Claim(ctx, "old", "an-1", now, now.Add(time.Minute), now.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, "old", StateDone, "", now))
	_, _, err = store.Claim(ctx, "running", "an-1", now, now.Add(time.Minute), now.Add(-time.Hour))
	require.NoError(t, err)
	_, _, err = store.Claim(ctx, "fresh", "an-1", now, now.Add(time.Minute), now.Add(time.Hour))
	require.NoError(t, err)

	n, err := store.Purge(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[State]int64{StateClaimed: 2}, counts)
}

func TestStartStopPurges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PurgeInterval = 5 * time.Millisecond
	store := NewMemoryStore()
	in := NewInbox(store, cfg, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	_, _, err := store.Claim(ctx, "k1", "an-1", past, past, past)
	require.NoError(t, err)
	require.NoError(t, store.Finish(ctx, "k1", StateDone, "", past))

	in.Start()
	assert.Eventually(t, func() bool {
		c, _ := store.Counts(ctx)
		return len(c) == 0
	}, time.Second, 5*time.Millisecond)
	in.Stop()
}
