package lab

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRepository is an in-process Repository. Reads return copies so callers
// never share state with the store.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]*Request
	items    map[string]*Item
	order    map[string][]string
	results  map[string]*Result
	byItem   map[string][]string
	alerts   map[string]*Alert
	byReq    map[string][]string
	events   []*Event
	outbox   []*Event
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[string]*Request),
		items:    make(map[string]*Item),
		order:    make(map[string][]string),
		results:  make(map[string]*Result),
		byItem:   make(map[string][]string),
		alerts:   make(map[string]*Alert),
		byReq:    make(map[string][]string),
	}
}

// Commit applies the change atomically.
func (m *MemoryRepository) Commit(ctx context.Context, c *Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.NewRequest != nil {
		if _, ok := m.requests[c.NewRequest.ID]; ok {
			return fmt.Errorf("request %s already exists", c.NewRequest.ID)
		}
	}
	for _, r := range c.Requests {
		stored, ok := m.requests[r.ID]
		if !ok {
			return fmt.Errorf("request %s: %w", r.ID, ErrNotFound)
		}
		if stored.Version != r.BaseVersion() {
			return fmt.Errorf("request %s: %w", r.ID, ErrConcurrentModification)
		}
	}
	for _, it := range c.Items {
		stored, ok := m.items[it.ID]
		if !ok {
			return fmt.Errorf("item %s: %w", it.ID, ErrNotFound)
		}
		if stored.Version != it.BaseVersion() {
			return fmt.Errorf("item %s: %w", it.ID, ErrConcurrentModification)
		}
	}

	events := c.AllEvents()

	if r := c.NewRequest; r != nil {
		header := r.Clone()
		header.Items = nil
		m.requests[r.ID] = header
		for _, it := range r.Items {
			m.items[it.ID] = it.Clone()
			m.order[r.ID] = append(m.order[r.ID], it.ID)
		}
	}
	for _, r := range c.Requests {
		header := r.Clone()
		header.Items = nil
		m.requests[r.ID] = header
	}
	for _, it := range c.Items {
		m.items[it.ID] = it.Clone()
	}
	for _, res := range c.Results {
		if _, ok := m.results[res.ID]; !ok {
			m.byItem[res.ItemID] = append(m.byItem[res.ItemID], res.ID)
		}
		m.results[res.ID] = res.Clone()
	}
	for _, a := range c.Alerts {
		if _, ok := m.alerts[a.ID]; !ok {
			m.byReq[a.RequestID] = append(m.byReq[a.RequestID], a.ID)
		}
		m.alerts[a.ID] = a.Clone()
	}
	m.events = append(m.events, events...)
	m.outbox = append(m.outbox, events...)

	c.Committed()
	return nil
}

// GetRequest returns the request with its items.
func (m *MemoryRepository) GetRequest(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	return m.assemble(stored), nil
}

func (m *MemoryRepository) assemble(header *Request) *Request {
	r := header.Clone()
	for _, itemID := range m.order[header.ID] {
		r.Items = append(r.Items, m.items[itemID].Clone())
	}
	return r
}

// ActiveRequests returns the requests that still have an active item, in no
// particular order.
func (m *MemoryRepository) ActiveRequests(ctx context.Context) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Request
	for id, header := range m.requests {
		for _, itemID := range m.order[id] {
			if m.items[itemID].Active() {
				out = append(out, m.assemble(header))
				break
			}
		}
	}
	return out, nil
}

// GetItem returns one item.
func (m *MemoryRepository) GetItem(ctx context.Context, id string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return it.Clone(), nil
}

// GetResult returns one result.
func (m *MemoryRepository) GetResult(ctx context.Context, id string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[id]
	if !ok {
		return nil, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	return res.Clone(), nil
}

// Results returns every result of an item, oldest first.
func (m *MemoryRepository) Results(ctx context.Context, itemID string) ([]*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byItem[itemID]
	out := make([]*Result, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.results[id].Clone())
	}
	return out, nil
}

// GetAlert returns one alert.
func (m *MemoryRepository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// Alerts returns the alerts raised for a request, oldest first.
func (m *MemoryRepository) Alerts(ctx context.Context, requestID string) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byReq[requestID]
	out := make([]*Alert, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.alerts[id].Clone())
	}
	return out, nil
}

// History returns the audit events of a request.
func (m *MemoryRepository) History(ctx context.Context, requestID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Outbox returns the events not yet drained.
func (m *MemoryRepository) Outbox() []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, len(m.outbox))
	copy(out, m.outbox)
	return out
}

// PendingOutbox returns up to n of the oldest undelivered outbox events
// without removing them.
func (m *MemoryRepository) PendingOutbox(n int) []*Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || n > len(m.outbox) {
		n = len(m.outbox)
	}
	out := make([]*Event, n)
	copy(out, m.outbox[:n])
	return out
}

// AckOutbox removes the n oldest outbox events once they are delivered.
func (m *MemoryRepository) AckOutbox(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > len(m.outbox) {
		n = len(m.outbox)
	}
	if n > 0 {
		m.outbox = append(m.outbox[:0:0], m.outbox[n:]...)
	}
}

// DrainOutbox removes and returns up to n pending outbox events.
func (m *MemoryRepository) DrainOutbox(n int) []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.outbox) {
		n = len(m.outbox)
	}
	out := m.outbox[:n:n]
	m.outbox = m.outbox[n:]
	return out
}
