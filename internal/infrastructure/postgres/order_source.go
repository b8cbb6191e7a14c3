package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/intake"
)

// OrderSource reads upstream service orders from the ordering system tables.
type OrderSource struct {
	pool *pgxpool.Pool
}

var _ intake.OrderSource = (*OrderSource)(nil)

func NewOrderSource(pool *pgxpool.Pool) *OrderSource {
	return &OrderSource{pool: pool}
}

func (s *OrderSource) GetServiceOrder(ctx context.Context, id string) (*intake.ServiceOrder, error) {
	o := &intake.ServiceOrder{}
	var dob *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT id, patient_id, record_id, recipient_id, patient_name, patient_dob, patient_sex
		FROM service_orders WHERE id = $1
	`, id).Scan(&o.ID, &o.PatientID, &o.RecordID, &o.RecipientID, &o.PatientName, &dob, &o.PatientSex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("service order %s: %w", id, lab.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("service order %s: %w", id, err)
	}
	if dob != nil {
		o.PatientDOB = *dob
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, service_id, service_code, service_name, service_type, specimen_type, priority, status
		FROM service_order_lines WHERE service_order_id = $1
		ORDER BY position, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("service order %s lines: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var l intake.OrderLine
		var status int
		if err := rows.Scan(&l.ID, &l.ServiceID, &l.ServiceCode, &l.ServiceName,
			&l.ServiceType, &l.SpecimenType, &l.Priority, &status); err != nil {
			return nil, fmt.Errorf("service order %s lines: %w", id, err)
		}
		l.Status = intake.LineStatus(status)
		o.Lines = append(o.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("service order %s lines: %w", id, err)
	}
	return o, nil
}

func (s *OrderSource) MarkLines(ctx context.Context, orderID string, lineIDs []string, status intake.LineStatus) error {
	if len(lineIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE service_order_lines SET status = $3
		WHERE service_order_id = $1 AND id = ANY($2)
	`, orderID, lineIDs, int(status))
	if err != nil {
		return fmt.Errorf("service order %s: mark lines: %w", orderID, err)
	}
	return nil
}
