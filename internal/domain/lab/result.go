package lab

import (
	"context"
	"fmt"
	"time"
)

// ResultStatus tracks a result through validation and supersession.
type ResultStatus string

const (
	ResultPending    ResultStatus = "pending"
	ResultValidated  ResultStatus = "validated"
	ResultSuperseded ResultStatus = "superseded"
)

// Result is one value reported for one item. Results are never overwritten;
// a rerun supersedes the current result and a new one becomes current.
type Result struct {
	ID              string
	ItemID          string
	RequestID       string
	TestCode        string
	Value           string
	Unit            string
	ReferenceRange  string
	AbnormalFlag    string
	Source          Source
	AnalyzerID      string
	EnteredBy       string
	ResultTime      time.Time
	Status          ResultStatus
	Severity        Severity
	ValidatedBy     string
	ValidatedAt     time.Time
	SupersededAt    time.Time
	SupersedeReason string
}

// Current reports whether the result is still authoritative for its item.
func (r *Result) Current() bool { return r.Status != ResultSuperseded }

// Clone returns a copy of the result.
func (r *Result) Clone() *Result {
	c := *r
	return &c
}

// Alert is an immutable critical or abnormal value fact. Acknowledgement is
// recorded alongside it but never removes it.
type Alert struct {
	ID             string
	RequestID      string
	ItemID         string
	ResultID       string
	TestCode       string
	Value          string
	Unit           string
	Severity       Severity
	Low            *float64
	High           *float64
	RaisedAt       time.Time
	AcknowledgedBy string
	AcknowledgedAt time.Time
}

// Clone returns a copy of the alert.
func (a *Alert) Clone() *Alert {
	c := *a
	return &c
}

// CurrentResult loads the result the item currently points at. It returns
// ErrNotReady when the item holds none.
func CurrentResult(ctx context.Context, repo Repository, it *Item) (*Result, error) {
	if it.ResultID == "" {
		return nil, fmt.Errorf("item %s: %w", it.ID, ErrNotReady)
	}
	return repo.GetResult(ctx, it.ResultID)
}
