// Package lifecycle is the authoritative status engine for lab request items.
// Every transition runs under the key locks of the items it touches and is
// committed atomically with its audit events.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/internal/specimen"
	"github.com/drfirst/go-lis/pkg/keylock"
)

// RejectListener is told about items that were rejected.
type RejectListener func(ctx context.Context, requestID string, itemIDs []string)

// Engine applies item transitions.
type Engine struct {
	repo     lab.Repository
	locker   keylock.Locker
	registry *specimen.Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.RWMutex
	listeners []RejectListener
}

// NewEngine creates the lifecycle engine.
func NewEngine(repo lab.Repository, locker keylock.Locker, registry *specimen.Registry, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:     repo,
		locker:   locker,
		registry: registry,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// SetClock replaces the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Repository returns the underlying repository.
func (e *Engine) Repository() lab.Repository { return e.repo }

// OnReject registers a listener for rejected items.
func (e *Engine) OnReject(fn RejectListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// UpdateFunc mutates a freshly loaded request and returns what to commit.
type UpdateFunc func(req *lab.Request) (*lab.Change, error)

// Update locks the given items of a request, or every item when itemIDs is
// empty, reloads the request under the locks, runs fn and commits its change.
// Header changes must lock every item.
func (e *Engine) Update(ctx context.Context, requestID string, itemIDs []string, fn UpdateFunc) (*lab.Request, error) {
	req, err := e.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	keys := req.ItemKeys()
	if len(itemIDs) > 0 {
		keys = keys[:0]
		for _, id := range itemIDs {
			if _, ok := req.Item(id); !ok {
				return nil, fmt.Errorf("item %s in request %s: %w", id, requestID, lab.ErrNotFound)
			}
			keys = append(keys, lab.ItemKey(requestID, id))
		}
	}

	unlock, err := e.locker.Lock(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("lock items: %w", err)
	}
	defer unlock()

	req, err = e.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	change, err := fn(req)
	if err != nil {
		return nil, err
	}
	if change == nil || change.Empty() {
		return req, nil
	}

	events := change.AllEvents()
	if err := e.repo.Commit(ctx, change); err != nil {
		return nil, err
	}
	e.metrics.Transitions(events)
	e.afterCommit(ctx, req, events)
	return req, nil
}

// afterCommit retires freed barcodes and notifies reject listeners.
func (e *Engine) afterCommit(ctx context.Context, req *lab.Request, events []*lab.Event) {
	var rejected []string
	terminal := false
	for _, ev := range events {
		switch ev.EventType {
		case lab.EventItemRejected:
			rejected = append(rejected, ev.AggregateID)
			terminal = true
		case lab.EventItemReleased:
			terminal = true
		}
	}
	if terminal && e.registry != nil {
		for _, barcode := range barcodes(req) {
			if err := e.registry.Retire(ctx, req, barcode); err != nil {
				e.logger.Warn("failed to retire barcode",
					zap.String("request_id", req.ID),
					zap.String("barcode", barcode),
					zap.Error(err))
			}
		}
	}
	if len(rejected) == 0 {
		return
	}
	e.mu.RLock()
	listeners := append([]RejectListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, req.ID, rejected)
	}
}

func barcodes(req *lab.Request) []string {
	seen := map[string]bool{}
	var out []string
	add := func(b string) {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	add(req.Barcode)
	for _, it := range req.Items {
		add(it.Barcode)
	}
	return out
}

// Request returns the request with its items and derived status.
func (e *Engine) Request(ctx context.Context, requestID string) (*lab.Request, error) {
	return e.repo.GetRequest(ctx, requestID)
}

// ItemRequest loads the request owning an item.
func (e *Engine) ItemRequest(ctx context.Context, itemID string) (*lab.Request, *lab.Item, error) {
	it, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	req, err := e.repo.GetRequest(ctx, it.RequestID)
	if err != nil {
		return nil, nil, err
	}
	it, _ = req.Item(itemID)
	return req, it, nil
}

// UpdateItem runs fn on one item under its lock.
func (e *Engine) UpdateItem(ctx context.Context, itemID string, fn func(req *lab.Request, it *lab.Item) (*lab.Change, error)) (*lab.Request, *lab.Item, error) {
	it, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	var updated *lab.Item
	req, err := e.Update(ctx, it.RequestID, []string{itemID}, func(req *lab.Request) (*lab.Change, error) {
		cur, ok := req.Item(itemID)
		if !ok {
			return nil, fmt.Errorf("item %s: %w", itemID, lab.ErrNotFound)
		}
		updated = cur
		return fn(req, cur)
	})
	if err != nil {
		return nil, nil, err
	}
	return req, updated, nil
}
