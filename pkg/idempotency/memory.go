package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the inbox in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, source string, now, leaseUntil, expiresAt time.Time) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Key: key, Source: source, CreatedAt: now, ExpiresAt: expiresAt}
		s.entries[key] = e
	} else if !claimable(e, now) {
		c := *e
		return &c, false, nil
	}
	e.State = StateClaimed
	e.Attempts++
	e.LeaseUntil = leaseUntil
	e.UpdatedAt = now
	c := *e
	return &c, true, nil
}

func claimable(e *Entry, now time.Time) bool {
	switch e.State {
	case StateRetry:
		return true
	case StateClaimed:
		return e.LeaseUntil.Before(now)
	default:
		return false
	}
}

func (s *MemoryStore) Finish(_ context.Context, key string, state State, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.State = state
		e.LastError = lastError
		e.LeaseUntil = time.Time{}
		e.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.entries {
		if e.ExpiresAt.Before(now) && e.State != StateClaimed {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Counts(context.Context) (map[State]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[State]int64, 4)
	for _, e := range s.entries {
		out[e.State]++
	}
	return out, nil
}
