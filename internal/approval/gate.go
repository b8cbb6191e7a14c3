// Package approval records clinical validation of results.
package approval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/lifecycle"
)

// Outcome of a validation attempt.
type Outcome string

const (
	Validated        Outcome = "validated"
	AlreadyValidated Outcome = "already_validated"
	NotReady         Outcome = "not_ready"
)

// Gate validates items holding a current result.
type Gate struct {
	engine *lifecycle.Engine
	logger *zap.Logger
}

func New(engine *lifecycle.Engine, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{engine: engine, logger: logger}
}

// Validate signs off the current result of an item. Validating an item again
// returns AlreadyValidated and records nothing. An item without a current
// result returns NotReady together with lab.ErrNotReady.
func (g *Gate) Validate(ctx context.Context, itemID, validatorID string) (Outcome, error) {
	if validatorID == "" || validatorID == lab.SystemActor {
		return "", lab.ErrValidatorRequired
	}
	repo := g.engine.Repository()
	outcome := Validated
	_, _, err := g.engine.UpdateItem(ctx, itemID, func(req *lab.Request, it *lab.Item) (*lab.Change, error) {
		switch it.Status {
		case lab.StatusValidated, lab.StatusReleased:
			outcome = AlreadyValidated
			return nil, nil
		case lab.StatusRejected:
			return nil, &lab.TransitionError{ItemID: it.ID, From: it.Status, To: lab.StatusValidated}
		case lab.StatusResultAvailable:
		default:
			outcome = NotReady
			return nil, fmt.Errorf("item %s is %s: %w", it.ID, it.Status, lab.ErrNotReady)
		}

		res, err := lab.CurrentResult(ctx, repo, it)
		if err != nil {
			outcome = NotReady
			return nil, err
		}
		now := g.engine.Now().UTC()
		if err := it.Validate(validatorID, now); err != nil {
			return nil, err
		}
		res.Status = lab.ResultValidated
		res.ValidatedBy = validatorID
		res.ValidatedAt = now
		change := new(lab.Change).AddItems(it)
		change.Results = append(change.Results, res)
		return change, nil
	})
	if err != nil {
		if outcome == NotReady {
			return NotReady, err
		}
		return "", err
	}
	if outcome == Validated {
		g.logger.Info("result validated", zap.String("item_id", itemID), zap.String("validator", validatorID))
	}
	return outcome, nil
}
