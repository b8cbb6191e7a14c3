package lab

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SystemActor is recorded on transitions nobody performed by hand. It is never
// accepted as a validator.
const SystemActor = "system"

// Request is one laboratory order. It exclusively owns its items; the request
// status is always derived from them.
type Request struct {
	ID             string
	Code           string
	ServiceOrderID string
	PatientID      string
	RecordID       string
	RecipientID    string
	PatientName    string
	PatientDOB     time.Time
	PatientSex     string
	RequestedAt    time.Time
	Priority       Priority
	WorklistID     string
	Barcode        string
	// Specimens maps every barcode stamped on the request to its specimen type.
	Specimens      map[string]string
	RejectReason   string
	ReleasedAt     time.Time
	Version        int
	Items          []*Item

	changes []*Event
}

// NewItemSpec describes one test to create on a new request.
type NewItemSpec struct {
	ServiceID    string
	LineID       string
	TestCode     string
	TestName     string
	SpecimenType string
}

// NewRequestSpec carries what Order Intake knows about an upstream order.
type NewRequestSpec struct {
	ServiceOrderID string
	PatientID      string
	RecordID       string
	RecipientID    string
	PatientName    string
	PatientDOB     time.Time
	PatientSex     string
	Priority       Priority
	Items          []NewItemSpec
}

// NewRequest creates a request with every item pending collection.
func NewRequest(spec NewRequestSpec, now time.Time) (*Request, error) {
	if len(spec.Items) == 0 {
		return nil, ErrNoLabItems
	}
	r := &Request{
		ID:             uuid.New().String(),
		Code:           NewRequestCode(now),
		ServiceOrderID: spec.ServiceOrderID,
		PatientID:      spec.PatientID,
		RecordID:       spec.RecordID,
		RecipientID:    spec.RecipientID,
		PatientName:    spec.PatientName,
		PatientDOB:     spec.PatientDOB,
		PatientSex:     spec.PatientSex,
		RequestedAt:    now,
		Priority:       spec.Priority,
	}

	ids := make([]string, 0, len(spec.Items))
	for _, s := range spec.Items {
		it := &Item{
			ID:           uuid.New().String(),
			RequestID:    r.ID,
			ServiceID:    s.ServiceID,
			LineID:       s.LineID,
			TestCode:     s.TestCode,
			TestName:     s.TestName,
			SpecimenType: s.SpecimenType,
			Status:       StatusPendingCollection,
		}
		r.Items = append(r.Items, it)
		ids = append(ids, it.ID)
	}

	err := r.raise(EventRequestCreated, &RequestCreatedData{
		RequestID:      r.ID,
		Code:           r.Code,
		ServiceOrderID: r.ServiceOrderID,
		PatientID:      r.PatientID,
		Priority:       r.Priority,
		ItemIDs:        ids,
		RequestedAt:    now,
	}, now, SystemActor, "")
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Status returns the aggregate status of the request.
func (r *Request) Status() Status { return AggregateStatus(r.Items) }

// Changes returns uncommitted header events
func (r *Request) Changes() []*Event { return r.changes }

// ClearChanges clears uncommitted header events
func (r *Request) ClearChanges() { r.changes = nil }

// BaseVersion is the header version at load time.
func (r *Request) BaseVersion() int { return r.Version - len(r.changes) }

// Item returns the item with the given id.
func (r *Request) Item(id string) (*Item, bool) {
	for _, it := range r.Items {
		if it.ID == id {
			return it, true
		}
	}
	return nil, false
}

// ItemsInStatus returns the items currently at status s.
func (r *Request) ItemsInStatus(s Status) []*Item {
	var out []*Item
	for _, it := range r.Items {
		if it.Status == s {
			out = append(out, it)
		}
	}
	return out
}

// ItemKeys returns the sorted lock keys of every item.
func (r *Request) ItemKeys() []string {
	keys := make([]string, 0, len(r.Items))
	for _, it := range r.Items {
		keys = append(keys, it.Key())
	}
	sort.Strings(keys)
	return keys
}

// StampWorklist records the worklist id issued for the request.
func (r *Request) StampWorklist(worklistID string, at time.Time) error {
	return r.raise(EventRequestWorklisted, &RequestStampData{
		RequestID:  r.ID,
		WorklistID: worklistID,
	}, at, SystemActor, "")
}

// StampBarcode records a specimen barcode. The first barcode becomes the primary one.
func (r *Request) StampBarcode(barcode, specimenType, actor string, at time.Time) error {
	return r.raise(EventBarcodeAssigned, &RequestStampData{
		RequestID:    r.ID,
		Barcode:      barcode,
		SpecimenType: specimenType,
	}, at, actor, "")
}

// MarkReleased records the release and carries the clinician notification.
func (r *Request) MarkReleased(n *NotificationData, at time.Time) error {
	n.RequestID = r.ID
	n.RequestCode = r.Code
	n.RecipientID = r.RecipientID
	n.PatientID = r.PatientID
	n.ReleasedAt = at
	return r.raise(EventRequestReleased, n, at, SystemActor, "")
}

// MarkRejected records the reason every item of the request was rejected.
func (r *Request) MarkRejected(reason, actor string, at time.Time) error {
	if reason == "" {
		return ErrReasonRequired
	}
	return r.raise(EventRequestRejected, &RequestStampData{RequestID: r.ID}, at, actor, reason)
}

func (r *Request) raise(eventType EventType, data interface{}, at time.Time, actor, reason string) error {
	event, err := NewEvent(r.ID, AggregateRequest, eventType, data)
	if err != nil {
		return err
	}
	event.RequestID = r.ID
	event.Timestamp = at
	event.WithAuditInfo(actor, reason)

	r.apply(event, data)
	event.Version = r.Version
	r.changes = append(r.changes, event)
	return nil
}

func (r *Request) apply(event *Event, data interface{}) {
	r.Version++
	switch event.EventType {
	case EventRequestWorklisted:
		r.WorklistID = data.(*RequestStampData).WorklistID
	case EventBarcodeAssigned:
		d := data.(*RequestStampData)
		if r.Barcode == "" {
			r.Barcode = d.Barcode
		}
		if r.Specimens == nil {
			r.Specimens = make(map[string]string)
		}
		r.Specimens[d.Barcode] = d.SpecimenType
	case EventRequestReleased:
		r.ReleasedAt = event.Timestamp
	case EventRequestRejected:
		r.RejectReason = event.Reason
	}
}

// Clone deep-copies the request and its items without uncommitted events.
func (r *Request) Clone() *Request {
	c := *r
	c.changes = nil
	if r.Specimens != nil {
		c.Specimens = make(map[string]string, len(r.Specimens))
		for bc, st := range r.Specimens {
			c.Specimens[bc] = st
		}
	}
	c.Items = make([]*Item, len(r.Items))
	for i, it := range r.Items {
		c.Items[i] = it.Clone()
	}
	return &c
}

var requestSeq atomic.Uint32

// NewRequestCode returns a human-readable request code, XN{yyyyMMddHHmmss}{seq}.
func NewRequestCode(now time.Time) string {
	return fmt.Sprintf("XN%s%03d", now.Format("20060102150405"), requestSeq.Add(1)%1000)
}

// NewWorklistID returns WL{yyyyMMddHHmmss}{first 8 of the request id}.
func NewWorklistID(now time.Time, requestID string) string {
	id := strings.ToUpper(strings.ReplaceAll(requestID, "-", ""))
	if len(id) > 8 {
		id = id[:8]
	}
	return "WL" + now.Format("20060102150405") + id
}
