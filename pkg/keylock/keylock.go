// Package keylock provides fine-grained named locks. Callers lock only the
// keys they mutate, so unrelated work never contends.
package keylock

import (
	"context"
	"sort"
	"sync"
)

// Unlock releases every key acquired by a Lock call. It is safe to call more than once.
type Unlock func()

// Locker acquires a set of named locks.
type Locker interface {
	// Lock blocks until every key is held or ctx is done. Keys are acquired
	// in sorted order so two callers locking overlapping sets cannot deadlock.
	Lock(ctx context.Context, keys ...string) (Unlock, error)
}

// normalize sorts keys and drops duplicates.
func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Memory is an in-process Locker. Entries are reference counted and removed
// when nobody holds or waits on them.
type Memory struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewMemory creates an in-process locker.
func NewMemory() *Memory {
	return &Memory{locks: make(map[string]*entry)}
}

// Lock acquires keys in sorted order.
func (m *Memory) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := m.lockOne(ctx, k); err != nil {
			m.unlockAll(held)
			return nil, err
		}
		held = append(held, k)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unlockAll(held) })
	}, nil
}

func (m *Memory) lockOne(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key)
		return ctx.Err()
	}
}

func (m *Memory) unlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.mu.Lock()
		e := m.locks[keys[i]]
		m.mu.Unlock()
		<-e.ch
		m.release(keys[i])
	}
}

func (m *Memory) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Held returns the number of keys currently tracked.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
