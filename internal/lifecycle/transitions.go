package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/specimen"
)

// MarkWorklistSent moves the given pending items to WorklistSent and stamps
// the worklist id on the request.
func (e *Engine) MarkWorklistSent(ctx context.Context, requestID, worklistID string, itemIDs []string) (*lab.Request, error) {
	return e.Update(ctx, requestID, nil, func(req *lab.Request) (*lab.Change, error) {
		now := e.now()
		change := &lab.Change{}
		for _, id := range itemIDs {
			it, ok := req.Item(id)
			if !ok {
				return nil, fmt.Errorf("item %s: %w", id, lab.ErrNotFound)
			}
			if it.Status != lab.StatusPendingCollection {
				continue
			}
			if err := it.SendWorklist(worklistID, now); err != nil {
				return nil, err
			}
			change.AddItems(it)
		}
		if len(change.Items) == 0 {
			return nil, fmt.Errorf("request %s: %w", requestID, lab.ErrNoQualifyingItems)
		}
		if req.WorklistID != worklistID {
			if err := req.StampWorklist(worklistID, now); err != nil {
				return nil, err
			}
			change.Requests = append(change.Requests, req)
		}
		return change, nil
	})
}

// Collect records collection of the specimen behind a barcode. Every item
// sharing the barcode moves to Collected together.
func (e *Engine) Collect(ctx context.Context, barcode, collector string) (*lab.Request, []*lab.Item, error) {
	var moved []*lab.Item
	req, err := e.byBarcode(ctx, barcode, func(req *lab.Request, items []*lab.Item) (*lab.Change, error) {
		now := e.now()
		change := &lab.Change{}
		for _, it := range items {
			if it.Status == lab.StatusCollected && it.Barcode == barcode {
				continue
			}
			if err := it.Collect(barcode, collector, now); err != nil {
				return nil, err
			}
			change.AddItems(it)
			moved = append(moved, it)
		}
		return change, nil
	})
	if err != nil {
		return nil, nil, err
	}
	if len(moved) > 0 {
		e.logger.Info("specimen collected",
			zap.String("request_id", req.ID),
			zap.String("barcode", barcode),
			zap.Int("items", len(moved)))
	}
	return req, moved, nil
}

// ScanIn records bench reception of a barcode. Scanning an already received
// specimen changes nothing and returns changed=false.
func (e *Engine) ScanIn(ctx context.Context, barcode, actor string) (req *lab.Request, changed bool, err error) {
	req, err = e.byBarcode(ctx, barcode, func(req *lab.Request, items []*lab.Item) (*lab.Change, error) {
		items, err := collected(barcode, items)
		if err != nil {
			return nil, err
		}
		now := e.now()
		change := &lab.Change{}
		for _, it := range items {
			ok, err := it.Receive(now)
			if err != nil {
				return nil, err
			}
			if ok {
				change.AddItems(it)
				changed = true
			}
		}
		return change, nil
	})
	if err != nil {
		return nil, false, err
	}
	return req, changed, nil
}

// Start records a manual start of an item on the bench or an analyzer.
func (e *Engine) Start(ctx context.Context, itemID, analyzerID, actor string) (*lab.Item, error) {
	_, it, err := e.UpdateItem(ctx, itemID, func(req *lab.Request, it *lab.Item) (*lab.Change, error) {
		if err := it.Start(analyzerID, actor, e.now()); err != nil {
			return nil, err
		}
		return new(lab.Change).AddItems(it), nil
	})
	return it, err
}

// Claim starts the received items behind a barcode for an analyzer that
// queried it. runs selects the tests the analyzer performs; nil takes all.
// Items already running are returned unchanged so repeated queries get the
// same answer.
func (e *Engine) Claim(ctx context.Context, barcode, analyzerID string, runs func(*lab.Item) bool) (*lab.Request, []*lab.Item, error) {
	var claimed []*lab.Item
	req, err := e.byBarcode(ctx, barcode, func(req *lab.Request, items []*lab.Item) (*lab.Change, error) {
		items, err := collected(barcode, items)
		if err != nil {
			return nil, err
		}
		now := e.now()
		change := &lab.Change{}
		for _, it := range items {
			if runs != nil && !runs(it) {
				continue
			}
			switch it.Status {
			case lab.StatusReceived:
				if err := it.Start(analyzerID, lab.SystemActor, now); err != nil {
					return nil, err
				}
				change.AddItems(it)
				claimed = append(claimed, it)
			case lab.StatusRunning:
				claimed = append(claimed, it)
			}
		}
		return change, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return req, claimed, nil
}

// RejectItem rejects one item with a reason.
func (e *Engine) RejectItem(ctx context.Context, itemID, reason, actor string) (*lab.Request, error) {
	if reason == "" {
		return nil, lab.ErrReasonRequired
	}
	it, err := e.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	// Rejecting the last active item also marks the request, so every key is taken.
	req, err := e.Update(ctx, it.RequestID, nil, func(req *lab.Request) (*lab.Change, error) {
		cur, ok := req.Item(itemID)
		if !ok {
			return nil, fmt.Errorf("item %s: %w", itemID, lab.ErrNotFound)
		}
		now := e.now()
		if err := cur.Reject(reason, actor, now); err != nil {
			return nil, err
		}
		change := new(lab.Change).AddItems(cur)
		if req.Status() == lab.StatusRejected {
			if err := req.MarkRejected(reason, actor, now); err != nil {
				return nil, err
			}
			change.Requests = append(change.Requests, req)
		}
		return change, nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("item rejected",
		zap.String("request_id", req.ID),
		zap.String("item_id", itemID),
		zap.String("reason", reason),
		zap.String("actor", actor))
	return req, nil
}

// RejectRequest rejects every item that can still be rejected. Items past
// Running keep their results.
func (e *Engine) RejectRequest(ctx context.Context, requestID, reason, actor string) (*lab.Request, error) {
	if reason == "" {
		return nil, lab.ErrReasonRequired
	}
	return e.Update(ctx, requestID, nil, func(req *lab.Request) (*lab.Change, error) {
		now := e.now()
		change := &lab.Change{}
		for _, it := range req.Items {
			if !it.Status.Rejectable() {
				continue
			}
			if err := it.Reject(reason, actor, now); err != nil {
				return nil, err
			}
			change.AddItems(it)
		}
		if len(change.Items) == 0 {
			return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status(), lab.ErrInvalidTransition)
		}
		if req.Status() == lab.StatusRejected {
			if err := req.MarkRejected(reason, actor, now); err != nil {
				return nil, err
			}
			change.Requests = append(change.Requests, req)
		}
		return change, nil
	})
}

func (e *Engine) byBarcode(ctx context.Context, barcode string, fn func(req *lab.Request, items []*lab.Item) (*lab.Change, error)) (*lab.Request, error) {
	if e.registry == nil {
		return nil, fmt.Errorf("barcode %s: %w", barcode, lab.ErrNotFound)
	}
	res, err := e.registry.ResolveBarcode(ctx, barcode)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	return e.Update(ctx, res.Request.ID, ids, func(req *lab.Request) (*lab.Change, error) {
		items := specimen.Match(req, barcode, res.SpecimenType)
		locked := make(map[string]bool, len(ids))
		for _, id := range ids {
			locked[id] = true
		}
		var mine []*lab.Item
		for _, it := range items {
			if locked[it.ID] {
				mine = append(mine, it)
			}
		}
		if len(mine) == 0 {
			return nil, fmt.Errorf("barcode %s has no active specimen: %w", barcode, lab.ErrNotFound)
		}
		return fn(req, mine)
	})
}

// collected keeps the items that were collected under the barcode.
func collected(barcode string, items []*lab.Item) ([]*lab.Item, error) {
	var out []*lab.Item
	for _, it := range items {
		if it.Barcode == barcode {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("barcode %s has not been collected: %w", barcode, lab.ErrInvalidTransition)
	}
	return out, nil
}
