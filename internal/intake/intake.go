// Package intake turns upstream service orders into lab requests.
package intake

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/observability/metrics"
	"github.com/drfirst/go-lis/pkg/keylock"
)

// Service implements Order Intake.
type Service struct {
	source  OrderSource
	repo    lab.Repository
	locker  keylock.Locker
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService creates the intake service.
func NewService(source OrderSource, repo lab.Repository, locker keylock.Locker, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:  source,
		repo:    repo,
		locker:  locker,
		logger:  logger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ReceiveOrder creates a lab request from the laboratory lines of a service
// order not yet accepted by the lab. The lines are marked accepted so the
// ordering system cannot resubmit them.
func (s *Service) ReceiveOrder(ctx context.Context, serviceOrderID string) (*lab.Request, error) {
	unlock, err := s.locker.Lock(ctx, "order/"+serviceOrderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.source.GetServiceOrder(ctx, serviceOrderID)
	if err != nil {
		return nil, err
	}

	spec, lineIDs := BuildRequestSpec(order)
	if len(lineIDs) == 0 {
		return nil, fmt.Errorf("service order %s: %w", serviceOrderID, lab.ErrNoLabItems)
	}

	req, err := lab.NewRequest(spec, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.source.MarkLines(ctx, order.ID, lineIDs, LineAccepted); err != nil {
		return nil, fmt.Errorf("accept order lines: %w", err)
	}
	if err := s.repo.Commit(ctx, &lab.Change{NewRequest: req}); err != nil {
		if rerr := s.source.MarkLines(ctx, order.ID, lineIDs, LineOrdered); rerr != nil {
			s.logger.Error("failed to restore order lines after commit failure",
				zap.String("service_order_id", order.ID),
				zap.Strings("line_ids", lineIDs),
				zap.Error(rerr))
		}
		return nil, fmt.Errorf("create lab request: %w", err)
	}

	s.metrics.OrderReceived()
	s.logger.Info("lab request created",
		zap.String("request_id", req.ID),
		zap.String("code", req.Code),
		zap.String("service_order_id", order.ID),
		zap.Int("items", len(req.Items)),
		zap.String("priority", req.Priority.String()))
	return req, nil
}

// CompleteLines marks the upstream lines of released items as completed.
func (s *Service) CompleteLines(ctx context.Context, req *lab.Request) error {
	var lineIDs []string
	for _, it := range req.Items {
		if it.Status == lab.StatusReleased && it.LineID != "" {
			lineIDs = append(lineIDs, it.LineID)
		}
	}
	if len(lineIDs) == 0 {
		return nil
	}
	return s.source.MarkLines(ctx, req.ServiceOrderID, lineIDs, LineCompleted)
}

// BuildRequestSpec selects the laboratory lines still open upstream. It
// returns the ids of the selected lines.
func BuildRequestSpec(order *ServiceOrder) (lab.NewRequestSpec, []string) {
	spec := lab.NewRequestSpec{
		ServiceOrderID: order.ID,
		PatientID:      order.PatientID,
		RecordID:       order.RecordID,
		RecipientID:    order.RecipientID,
		PatientName:    order.PatientName,
		PatientDOB:     order.PatientDOB,
		PatientSex:     order.PatientSex,
	}
	var lineIDs []string
	for _, line := range order.Lines {
		if line.ServiceType != ServiceTypeLab || line.Status != LineOrdered {
			continue
		}
		spec.Items = append(spec.Items, lab.NewItemSpec{
			ServiceID:    line.ServiceID,
			LineID:       line.ID,
			TestCode:     line.ServiceCode,
			TestName:     line.ServiceName,
			SpecimenType: line.SpecimenType,
		})
		if p := PriorityFromUpstream(line.Priority); p > spec.Priority {
			spec.Priority = p
		}
		lineIDs = append(lineIDs, line.ID)
	}
	return spec, lineIDs
}

// PriorityFromUpstream maps the ordering system's 1-3 scale.
func PriorityFromUpstream(n int) lab.Priority {
	switch {
	case n >= 3:
		return lab.PriorityEmergency
	case n == 2:
		return lab.PriorityUrgent
	default:
		return lab.PriorityRoutine
	}
}
