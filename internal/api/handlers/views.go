package handlers

import (
	"time"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// RequestView is the API shape of a lab request.
type RequestView struct {
	ID             string       `json:"id"`
	Code           string       `json:"code"`
	ServiceOrderID string       `json:"service_order_id"`
	PatientID      string       `json:"patient_id"`
	RecordID       string       `json:"record_id,omitempty"`
	RecipientID    string       `json:"recipient_id,omitempty"`
	Priority       lab.Priority `json:"priority"`
	Status         lab.Status   `json:"status"`
	WorklistID     string       `json:"worklist_id,omitempty"`
	Barcode        string       `json:"barcode,omitempty"`
	RejectReason   string       `json:"reject_reason,omitempty"`
	RequestedAt    time.Time    `json:"requested_at"`
	ReleasedAt     *time.Time   `json:"released_at,omitempty"`
	Items          []ItemView   `json:"items"`
}

// ItemView is the API shape of a lab request item.
type ItemView struct {
	ID           string     `json:"id"`
	TestCode     string     `json:"test_code"`
	TestName     string     `json:"test_name,omitempty"`
	SpecimenType string     `json:"specimen_type,omitempty"`
	Status       lab.Status `json:"status"`
	Barcode      string     `json:"barcode,omitempty"`
	AnalyzerID   string     `json:"analyzer_id,omitempty"`
	ResultID     string     `json:"result_id,omitempty"`
	ValidatedBy  string     `json:"validated_by,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
	RerunCount   int        `json:"rerun_count,omitempty"`
	Version      int        `json:"version"`
}

// ResultView is the API shape of a result.
type ResultView struct {
	ID              string           `json:"id"`
	ItemID          string           `json:"item_id"`
	TestCode        string           `json:"test_code"`
	Value           string           `json:"value"`
	Unit            string           `json:"unit,omitempty"`
	ReferenceRange  string           `json:"reference_range,omitempty"`
	AbnormalFlag    string           `json:"abnormal_flag,omitempty"`
	Source          lab.Source       `json:"source"`
	AnalyzerID      string           `json:"analyzer_id,omitempty"`
	EnteredBy       string           `json:"entered_by,omitempty"`
	ResultTime      time.Time        `json:"result_time"`
	Status          lab.ResultStatus `json:"status"`
	Severity        lab.Severity     `json:"severity,omitempty"`
	ValidatedBy     string           `json:"validated_by,omitempty"`
	SupersedeReason string           `json:"supersede_reason,omitempty"`
}

// AlertView is the API shape of a critical alert.
type AlertView struct {
	ID             string       `json:"id"`
	RequestID      string       `json:"request_id"`
	ItemID         string       `json:"item_id"`
	ResultID       string       `json:"result_id"`
	TestCode       string       `json:"test_code"`
	Value          string       `json:"value"`
	Unit           string       `json:"unit,omitempty"`
	Severity       lab.Severity `json:"severity"`
	Low            *float64     `json:"low,omitempty"`
	High           *float64     `json:"high,omitempty"`
	RaisedAt       time.Time    `json:"raised_at"`
	AcknowledgedBy string       `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time   `json:"acknowledged_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func requestView(r *lab.Request) RequestView {
	v := RequestView{
		ID:             r.ID,
		Code:           r.Code,
		ServiceOrderID: r.ServiceOrderID,
		PatientID:      r.PatientID,
		RecordID:       r.RecordID,
		RecipientID:    r.RecipientID,
		Priority:       r.Priority,
		Status:         r.Status(),
		WorklistID:     r.WorklistID,
		Barcode:        r.Barcode,
		RejectReason:   r.RejectReason,
		RequestedAt:    r.RequestedAt,
		ReleasedAt:     optionalTime(r.ReleasedAt),
		Items:          make([]ItemView, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		v.Items = append(v.Items, itemView(it))
	}
	return v
}

func itemView(it *lab.Item) ItemView {
	return ItemView{
		ID:           it.ID,
		TestCode:     it.TestCode,
		TestName:     it.TestName,
		SpecimenType: it.SpecimenType,
		Status:       it.Status,
		Barcode:      it.Barcode,
		AnalyzerID:   it.AnalyzerID,
		ResultID:     it.ResultID,
		ValidatedBy:  it.ValidatedBy,
		RejectReason: it.RejectReason,
		RerunCount:   it.RerunCount,
		Version:      it.Version,
	}
}

func itemViews(items []*lab.Item) []ItemView {
	out := make([]ItemView, 0, len(items))
	for _, it := range items {
		out = append(out, itemView(it))
	}
	return out
}

func resultView(r *lab.Result) ResultView {
	return ResultView{
		ID:              r.ID,
		ItemID:          r.ItemID,
		TestCode:        r.TestCode,
		Value:           r.Value,
		Unit:            r.Unit,
		ReferenceRange:  r.ReferenceRange,
		AbnormalFlag:    r.AbnormalFlag,
		Source:          r.Source,
		AnalyzerID:      r.AnalyzerID,
		EnteredBy:       r.EnteredBy,
		ResultTime:      r.ResultTime,
		Status:          r.Status,
		Severity:        r.Severity,
		ValidatedBy:     r.ValidatedBy,
		SupersedeReason: r.SupersedeReason,
	}
}

func alertView(a *lab.Alert) AlertView {
	return AlertView{
		ID:             a.ID,
		RequestID:      a.RequestID,
		ItemID:         a.ItemID,
		ResultID:       a.ResultID,
		TestCode:       a.TestCode,
		Value:          a.Value,
		Unit:           a.Unit,
		Severity:       a.Severity,
		Low:            a.Low,
		High:           a.High,
		RaisedAt:       a.RaisedAt,
		AcknowledgedBy: a.AcknowledgedBy,
		AcknowledgedAt: optionalTime(a.AcknowledgedAt),
	}
}
