// Package release returns validated requests to the ordering clinician.
package release

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/lifecycle"
	"github.com/drfirst/go-lis/internal/observability/metrics"
)

// Outcome of a release call.
type Outcome string

const (
	Released        Outcome = "released"
	AlreadyReleased Outcome = "already_released"
)

// LineCompleter closes the upstream order lines of released items.
type LineCompleter interface {
	CompleteLines(ctx context.Context, req *lab.Request) error
}

// Service releases requests.
type Service struct {
	engine  *lifecycle.Engine
	lines   LineCompleter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService creates a release service. lines may be nil.
func NewService(engine *lifecycle.Engine, lines LineCompleter, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, lines: lines, logger: logger, metrics: m}
}

// Release moves every validated item of the request to Released and emits
// the clinician notification plus one billing event per item, all in the
// same commit. Rejected items are skipped. Any other item that is not
// validated fails the release with lab.ErrIncompleteValidation.
func (s *Service) Release(ctx context.Context, requestID string) (Outcome, *lab.NotificationData, error) {
	repo := s.engine.Repository()
	outcome := Released
	var note *lab.NotificationData

	req, err := s.engine.Update(ctx, requestID, nil, func(req *lab.Request) (*lab.Change, error) {
		if !req.ReleasedAt.IsZero() {
			outcome = AlreadyReleased
			return nil, nil
		}
		if req.Status() == lab.StatusRejected {
			return nil, fmt.Errorf("request %s is rejected: %w", req.ID, lab.ErrInvalidTransition)
		}

		var pending []string
		for _, it := range req.Items {
			switch it.Status {
			case lab.StatusRejected, lab.StatusValidated, lab.StatusReleased:
			default:
				pending = append(pending, it.TestCode)
			}
		}
		if len(pending) > 0 {
			return nil, fmt.Errorf("request %s: %v not validated: %w", req.ID, pending, lab.ErrIncompleteValidation)
		}

		now := s.engine.Now().UTC()
		note = &lab.NotificationData{}
		change := &lab.Change{}
		for _, it := range req.Items {
			if it.Status != lab.StatusValidated {
				continue
			}
			res, err := lab.CurrentResult(ctx, repo, it)
			if err != nil {
				return nil, err
			}
			note.HasCritical = note.HasCritical || res.Severity.Critical()
			note.HasAbnormal = note.HasAbnormal || res.Severity.Abnormal()

			if err := it.Release(now); err != nil {
				return nil, err
			}
			completed, err := lab.NewEvent(it.ID, lab.AggregateItem, lab.EventItemCompleted, &lab.ItemCompletedData{
				RequestID:      req.ID,
				ItemID:         it.ID,
				ServiceOrderID: req.ServiceOrderID,
				ServiceID:      it.ServiceID,
				TestCode:       it.TestCode,
				CompletedAt:    now,
			})
			if err != nil {
				return nil, err
			}
			completed.RequestID = req.ID
			completed.Timestamp = now
			completed.WithAuditInfo(lab.SystemActor, "")
			change.AddItems(it)
			change.Events = append(change.Events, completed)
		}
		if err := req.MarkReleased(note, now); err != nil {
			return nil, err
		}
		change.Requests = append(change.Requests, req)
		return change, nil
	})
	if err != nil {
		return "", nil, err
	}
	if outcome == AlreadyReleased {
		return outcome, nil, nil
	}

	s.metrics.Released()
	s.logger.Info("lab request released",
		zap.String("request_id", req.ID),
		zap.String("recipient_id", note.RecipientID),
		zap.Bool("has_critical", note.HasCritical),
		zap.Bool("has_abnormal", note.HasAbnormal))

	if s.lines != nil {
		if err := s.lines.CompleteLines(ctx, req); err != nil {
			s.logger.Error("failed to complete upstream order lines",
				zap.String("request_id", req.ID),
				zap.String("service_order_id", req.ServiceOrderID),
				zap.Error(err))
		}
	}
	return outcome, note, nil
}
