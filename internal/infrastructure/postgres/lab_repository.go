// Package postgres persists lab requests in PostgreSQL and relays their
// events to the broker through a transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// TopicRouter picks the broker topic and partition key of an event.
type TopicRouter func(e *lab.Event) (topic, key string)

// LabRepository is a lab.Repository over pgx. Records are stored as JSONB
// documents next to the columns queries filter on. A commit writes the
// records, the audit log and the outbox in one transaction.
type LabRepository struct {
	pool   *pgxpool.Pool
	route  TopicRouter
	tracer trace.Tracer
}

var _ lab.Repository = (*LabRepository)(nil)

// NewLabRepository creates a repository. route decides where each event is
// published by the outbox relay.
func NewLabRepository(pool *pgxpool.Pool, route TopicRouter) *LabRepository {
	if route == nil {
		route = func(e *lab.Event) (string, string) { return "lab.events", e.AggregateID }
	}
	return &LabRepository{pool: pool, route: route, tracer: otel.Tracer("lab-repository")}
}

// Commit persists the change atomically.
func (r *LabRepository) Commit(ctx context.Context, c *lab.Change) error {
	ctx, span := r.tracer.Start(ctx, "lab_commit")
	defer span.End()

	events := c.AllEvents()
	span.SetAttributes(attribute.Int("events", len(events)))

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if nr := c.NewRequest; nr != nil {
			if err := insertRequest(ctx, tx, nr); err != nil {
				return err
			}
			for i, it := range nr.Items {
				if err := insertItem(ctx, tx, it, i); err != nil {
					return err
				}
			}
		}
		for _, req := range c.Requests {
			if err := updateRequest(ctx, tx, req); err != nil {
				return err
			}
		}
		for _, it := range c.Items {
			if err := updateItem(ctx, tx, it); err != nil {
				return err
			}
		}
		for _, res := range c.Results {
			if err := upsertResult(ctx, tx, res); err != nil {
				return err
			}
		}
		for _, a := range c.Alerts {
			if err := upsertAlert(ctx, tx, a); err != nil {
				return err
			}
		}
		for _, e := range events {
			if err := r.appendEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	c.Committed()
	return nil
}

func requestDoc(req *lab.Request) ([]byte, error) {
	header := req.Clone()
	header.Items = nil
	return json.Marshal(header)
}

func insertRequest(ctx context.Context, tx pgx.Tx, req *lab.Request) error {
	doc, err := requestDoc(req)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_requests (id, code, service_order_id, version, doc)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.Code, req.ServiceOrderID, req.Version, doc)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

func updateRequest(ctx context.Context, tx pgx.Tx, req *lab.Request) error {
	doc, err := requestDoc(req)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE lab_requests SET doc = $2, version = $3, updated_at = NOW()
		WHERE id = $1 AND version = $4
	`, req.ID, doc, req.Version, req.BaseVersion())
	if err != nil {
		return fmt.Errorf("update request %s: %w", req.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, "lab_requests", "request", req.ID)
	}
	return nil
}

func insertItem(ctx context.Context, tx pgx.Tx, it *lab.Item, position int) error {
	doc, err := json.Marshal(it)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_items (id, request_id, position, status, barcode, version, doc)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, it.ID, it.RequestID, position, it.Status.String(), it.Barcode, it.Version, doc)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	return nil
}

func updateItem(ctx context.Context, tx pgx.Tx, it *lab.Item) error {
	doc, err := json.Marshal(it)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE lab_items
		SET status = $2, barcode = NULLIF($3, ''), version = $4, doc = $5, updated_at = NOW()
		WHERE id = $1 AND version = $6
	`, it.ID, it.Status.String(), it.Barcode, it.Version, doc, it.BaseVersion())
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return missingOrStale(ctx, tx, "lab_items", "item", it.ID)
	}
	return nil
}

// missingOrStale tells a missing row from a version conflict after an
// update matched nothing.
func missingOrStale(ctx context.Context, tx pgx.Tx, table, kind, id string) error {
	var exists bool
	err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+table+" WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", kind, id, lab.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", kind, id, lab.ErrConcurrentModification)
}

func upsertResult(ctx context.Context, tx pgx.Tx, res *lab.Result) error {
	doc, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_results (id, item_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, res.ID, res.ItemID, doc)
	if err != nil {
		return fmt.Errorf("save result %s: %w", res.ID, err)
	}
	return nil
}

func upsertAlert(ctx context.Context, tx pgx.Tx, a *lab.Alert) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_alerts (id, request_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
	`, a.ID, a.RequestID, doc)
	if err != nil {
		return fmt.Errorf("save alert %s: %w", a.ID, err)
	}
	return nil
}

// appendEvent writes the audit record and its outbox entry.
func (r *LabRepository) appendEvent(ctx context.Context, tx pgx.Tx, e *lab.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO lab_events (id, request_id, aggregate_id, aggregate_type, event_type, event, occurred_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
	`, e.ID, e.RequestID, e.AggregateID, e.AggregateType, string(e.EventType), payload, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}

	topic, key := r.route(e)
	return enqueue(ctx, tx, e, topic, key, payload)
}

// GetRequest returns the request with its items in creation order.
func (r *LabRepository) GetRequest(ctx context.Context, id string) (*lab.Request, error) {
	req := &lab.Request{}
	if err := r.getDoc(ctx, "SELECT doc FROM lab_requests WHERE id = $1", id, "request", req); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, "SELECT doc FROM lab_items WHERE request_id = $1 ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("request %s items: %w", id, err)
	}
	items, err := collectDocs[lab.Item](rows)
	if err != nil {
		return nil, fmt.Errorf("request %s items: %w", id, err)
	}
	req.Items = items
	return req, nil
}

// ActiveRequests loads every request that still has an active item.
func (r *LabRepository) ActiveRequests(ctx context.Context) ([]*lab.Request, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT request_id FROM lab_items WHERE status NOT IN ($1, $2)
	`, lab.StatusRejected.String(), lab.StatusReleased.String())
	if err != nil {
		return nil, fmt.Errorf("active requests: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("active requests: %w", err)
	}
	out := make([]*lab.Request, 0, len(ids))
	for _, id := range ids {
		req, err := r.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (r *LabRepository) GetItem(ctx context.Context, id string) (*lab.Item, error) {
	it := &lab.Item{}
	if err := r.getDoc(ctx, "SELECT doc FROM lab_items WHERE id = $1", id, "item", it); err != nil {
		return nil, err
	}
	return it, nil
}

func (r *LabRepository) GetResult(ctx context.Context, id string) (*lab.Result, error) {
	res := &lab.Result{}
	if err := r.getDoc(ctx, "SELECT doc FROM lab_results WHERE id = $1", id, "result", res); err != nil {
		return nil, err
	}
	return res, nil
}

func (r *LabRepository) Results(ctx context.Context, itemID string) ([]*lab.Result, error) {
	rows, err := r.pool.Query(ctx, "SELECT doc FROM lab_results WHERE item_id = $1 ORDER BY seq", itemID)
	if err != nil {
		return nil, fmt.Errorf("item %s results: %w", itemID, err)
	}
	return collectDocs[lab.Result](rows)
}

func (r *LabRepository) GetAlert(ctx context.Context, id string) (*lab.Alert, error) {
	a := &lab.Alert{}
	if err := r.getDoc(ctx, "SELECT doc FROM lab_alerts WHERE id = $1", id, "alert", a); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *LabRepository) Alerts(ctx context.Context, requestID string) ([]*lab.Alert, error) {
	rows, err := r.pool.Query(ctx, "SELECT doc FROM lab_alerts WHERE request_id = $1 ORDER BY seq", requestID)
	if err != nil {
		return nil, fmt.Errorf("request %s alerts: %w", requestID, err)
	}
	return collectDocs[lab.Alert](rows)
}

func (r *LabRepository) History(ctx context.Context, requestID string) ([]*lab.Event, error) {
	rows, err := r.pool.Query(ctx, "SELECT event FROM lab_events WHERE request_id = $1 ORDER BY seq", requestID)
	if err != nil {
		return nil, fmt.Errorf("request %s history: %w", requestID, err)
	}
	return collectDocs[lab.Event](rows)
}

func (r *LabRepository) getDoc(ctx context.Context, query, id, kind string, v any) error {
	var doc []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, lab.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return fmt.Errorf("%s %s: decode: %w", kind, id, err)
	}
	return nil
}

func collectDocs[T any](rows pgx.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal(doc, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
