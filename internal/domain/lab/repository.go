package lab

import "context"

// Change is one atomic unit of work. Repositories persist the records, append
// every pending event to the audit log and enqueue the same events in the
// outbox, all or nothing.
type Change struct {
	NewRequest *Request
	Requests   []*Request
	Items      []*Item
	Results    []*Result
	Alerts     []*Alert
	Events     []*Event
}

// AddItems adds changed items.
func (c *Change) AddItems(items ...*Item) *Change {
	for _, it := range items {
		if len(it.Changes()) > 0 {
			c.Items = append(c.Items, it)
		}
	}
	return c
}

// AllEvents gathers the pending events of every record plus the explicit ones.
func (c *Change) AllEvents() []*Event {
	var events []*Event
	if c.NewRequest != nil {
		events = append(events, c.NewRequest.Changes()...)
		for _, it := range c.NewRequest.Items {
			events = append(events, it.Changes()...)
		}
	}
	for _, r := range c.Requests {
		events = append(events, r.Changes()...)
	}
	for _, it := range c.Items {
		events = append(events, it.Changes()...)
	}
	return append(events, c.Events...)
}

// Committed clears pending events after a successful commit.
func (c *Change) Committed() {
	if c.NewRequest != nil {
		c.NewRequest.ClearChanges()
		for _, it := range c.NewRequest.Items {
			it.ClearChanges()
		}
	}
	for _, r := range c.Requests {
		r.ClearChanges()
	}
	for _, it := range c.Items {
		it.ClearChanges()
	}
	c.Events = nil
}

// Empty reports whether the change carries nothing to persist.
func (c *Change) Empty() bool {
	return c.NewRequest == nil && len(c.Requests) == 0 && len(c.Items) == 0 &&
		len(c.Results) == 0 && len(c.Alerts) == 0 && len(c.Events) == 0
}

// Repository persists lab requests, items, results and alerts. Item and
// request updates are checked against their BaseVersion and fail with
// ErrConcurrentModification when the stored version moved.
type Repository interface {
	Commit(ctx context.Context, c *Change) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// ActiveRequests returns every request with at least one active item.
	ActiveRequests(ctx context.Context) ([]*Request, error)
	GetItem(ctx context.Context, id string) (*Item, error)
	GetResult(ctx context.Context, id string) (*Result, error)
	// Results returns every result of the item, oldest first.
	Results(ctx context.Context, itemID string) ([]*Result, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	Alerts(ctx context.Context, requestID string) ([]*Alert, error)
	// History returns the audit events of a request in commit order.
	History(ctx context.Context, requestID string) ([]*Event, error)
}
