package lab

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDuplicateBarcode       = errors.New("barcode already assigned to an active specimen")
	ErrAnalyzerOffline        = errors.New("analyzer offline")
	ErrProtocolDecode         = errors.New("protocol decode error")
	ErrNotReady               = errors.New("item has no current result")
	ErrIncompleteValidation   = errors.New("request has items pending validation")
	ErrNoLabItems             = errors.New("service order has no laboratory items")
	ErrNoQualifyingItems      = errors.New("request has no items pending collection")
	ErrValidatorRequired      = errors.New("validator identity required")
	ErrReasonRequired         = errors.New("reason required")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidInput           = errors.New("invalid input")
)

// TransitionError describes a rejected item transition.
type TransitionError struct {
	ItemID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("item %s: cannot move from %s to %s", e.ItemID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
