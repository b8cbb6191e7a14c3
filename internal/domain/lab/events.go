package lab

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventRequestCreated      EventType = "LabRequestCreated"
	EventRequestWorklisted   EventType = "LabRequestWorklisted"
	EventBarcodeAssigned     EventType = "SpecimenBarcodeAssigned"
	EventRequestReleased     EventType = "LabRequestReleased"
	EventRequestRejected     EventType = "LabRequestRejected"
	EventItemWorklistSent    EventType = "ItemWorklistSent"
	EventItemCollected       EventType = "ItemCollected"
	EventItemReceived        EventType = "ItemReceived"
	EventItemStarted         EventType = "ItemStarted"
	EventItemResulted        EventType = "ItemResulted"
	EventItemValidated       EventType = "ItemValidated"
	EventItemReleased        EventType = "ItemReleased"
	EventItemRejected        EventType = "ItemRejected"
	EventItemRerun           EventType = "ItemRerun"
	EventItemCompleted       EventType = "ItemCompleted"
	EventCriticalAlertRaised EventType = "CriticalAlertRaised"
	EventAlertAcknowledged   EventType = "AlertAcknowledged"
	EventResultUnmatched     EventType = "AnalyzerResultUnmatched"
	EventMonitorFailure      EventType = "CriticalMonitorFailure"
)

const (
	AggregateRequest  = "LabRequest"
	AggregateItem     = "LabRequestItem"
	AggregateAlert    = "CriticalAlert"
	AggregateAnalyzer = "Analyzer"
)

// Event is an immutable audit fact. Every event is also written to the outbox.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	RequestID     string          `json:"request_id,omitempty"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, aggregateType string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(actor, reason string) *Event {
	e.Actor = actor
	e.Reason = reason
	return e
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}

// RequestCreatedData carries the request header at creation.
type RequestCreatedData struct {
	RequestID      string    `json:"request_id"`
	Code           string    `json:"code"`
	ServiceOrderID string    `json:"service_order_id"`
	PatientID      string    `json:"patient_id"`
	Priority       Priority  `json:"priority"`
	ItemIDs        []string  `json:"item_ids"`
	RequestedAt    time.Time `json:"requested_at"`
}

// RequestStampData records a worklist or barcode stamped on the request header.
type RequestStampData struct {
	RequestID    string `json:"request_id"`
	WorklistID   string `json:"worklist_id,omitempty"`
	Barcode      string `json:"barcode,omitempty"`
	SpecimenType string `json:"specimen_type,omitempty"`
}

// ItemEventData is shared by every item transition.
type ItemEventData struct {
	ItemID      string    `json:"item_id"`
	RequestID   string    `json:"request_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	At          time.Time `json:"at"`
	WorklistID  string    `json:"worklist_id,omitempty"`
	Barcode     string    `json:"barcode,omitempty"`
	AnalyzerID  string    `json:"analyzer_id,omitempty"`
	ResultID    string    `json:"result_id,omitempty"`
	ValidatorID string    `json:"validator_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
}

// NotificationData is the payload handed to the clinician notification channel.
type NotificationData struct {
	RequestID   string    `json:"requestId"`
	RequestCode string    `json:"requestCode"`
	RecipientID string    `json:"recipientId"`
	PatientID   string    `json:"patientId"`
	HasCritical bool      `json:"hasCritical"`
	HasAbnormal bool      `json:"hasAbnormal"`
	ReleasedAt  time.Time `json:"releasedAt"`
}

// ItemCompletedData is consumed by billing.
type ItemCompletedData struct {
	RequestID      string    `json:"request_id"`
	ItemID         string    `json:"item_id"`
	ServiceOrderID string    `json:"service_order_id"`
	ServiceID      string    `json:"service_id"`
	TestCode       string    `json:"test_code"`
	CompletedAt    time.Time `json:"completed_at"`
}

// AlertData is the payload of CriticalAlertRaised and AlertAcknowledged.
type AlertData struct {
	AlertID        string    `json:"alert_id"`
	RequestID      string    `json:"request_id"`
	ItemID         string    `json:"item_id"`
	ResultID       string    `json:"result_id"`
	TestCode       string    `json:"test_code"`
	Value          string    `json:"value"`
	Unit           string    `json:"unit,omitempty"`
	Severity       Severity  `json:"severity"`
	RecipientID    string    `json:"recipient_id,omitempty"`
	PatientID      string    `json:"patient_id,omitempty"`
	At             time.Time `json:"at"`
	AcknowledgedBy string    `json:"acknowledged_by,omitempty"`
}

// UnmatchedResultData preserves an analyzer result that resolved to no item.
type UnmatchedResultData struct {
	AnalyzerID string    `json:"analyzer_id"`
	SampleID   string    `json:"sample_id"`
	TestCode   string    `json:"test_code"`
	Value      string    `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Flag       string    `json:"flag,omitempty"`
	ResultTime time.Time `json:"result_time"`
	Cause      string    `json:"cause"`
}

// MonitorFailureData records a critical monitor failure that needs manual follow-up.
type MonitorFailureData struct {
	RequestID string `json:"request_id"`
	ItemID    string `json:"item_id"`
	ResultID  string `json:"result_id"`
	TestCode  string `json:"test_code"`
	Value     string `json:"value"`
	Error     string `json:"error"`
}
