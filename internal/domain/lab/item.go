package lab

import (
	"time"
)

// Item is one orderable test within a lab request. Status changes go through
// the transition methods, each of which records an audit event.
type Item struct {
	ID           string
	RequestID    string
	ServiceID    string
	LineID       string
	TestCode     string
	TestName     string
	SpecimenType string
	Barcode      string
	Status       Status
	WorklistID   string
	AnalyzerID   string
	ResultID     string
	ValidatedBy  string
	RejectReason string
	RerunCount   int
	CollectedAt  time.Time
	ReceivedAt   time.Time
	RunAt        time.Time
	ResultAt     time.Time
	ValidatedAt  time.Time
	ReleasedAt   time.Time
	RejectedAt   time.Time
	Version      int

	changes []*Event
}

// Key is the lock key for the item.
func (it *Item) Key() string { return ItemKey(it.RequestID, it.ID) }

// ItemKey builds the lock key for an item.
func ItemKey(requestID, itemID string) string { return requestID + "/" + itemID }

// Changes returns uncommitted events
func (it *Item) Changes() []*Event { return it.changes }

// ClearChanges clears uncommitted events
func (it *Item) ClearChanges() { it.changes = nil }

// BaseVersion is the version the item had when it was loaded.
func (it *Item) BaseVersion() int { return it.Version - len(it.changes) }

// Active reports whether the specimen still occupies its barcode.
func (it *Item) Active() bool { return !it.Status.Terminal() }

// SendWorklist records that the item has been placed on a worklist.
func (it *Item) SendWorklist(worklistID string, at time.Time) error {
	return it.transition(EventItemWorklistSent, StatusWorklistSent, &ItemEventData{
		WorklistID: worklistID,
		At:         at,
	}, "", "")
}

// Collect records specimen collection under the given barcode.
func (it *Item) Collect(barcode, collector string, at time.Time) error {
	return it.transition(EventItemCollected, StatusCollected, &ItemEventData{
		Barcode: barcode,
		At:      at,
	}, collector, "")
}

// Receive records the bench scan-in. It returns false without error when the
// item was already received or has moved past reception.
func (it *Item) Receive(at time.Time) (bool, error) {
	if it.Status >= StatusReceived {
		return false, nil
	}
	if err := it.transition(EventItemReceived, StatusReceived, &ItemEventData{At: at}, "", ""); err != nil {
		return false, err
	}
	return true, nil
}

// Start records that an analyzer or bench technician claimed the sample.
func (it *Item) Start(analyzerID, actor string, at time.Time) error {
	return it.transition(EventItemStarted, StatusRunning, &ItemEventData{
		AnalyzerID: analyzerID,
		At:         at,
	}, actor, "")
}

// RecordResult attaches a new current result.
func (it *Item) RecordResult(resultID, analyzerID, actor string, at time.Time) error {
	return it.transition(EventItemResulted, StatusResultAvailable, &ItemEventData{
		ResultID:   resultID,
		AnalyzerID: analyzerID,
		At:         at,
	}, actor, "")
}

// Validate records clinical sign-off on the current result.
func (it *Item) Validate(validatorID string, at time.Time) error {
	if validatorID == "" || validatorID == SystemActor {
		return ErrValidatorRequired
	}
	return it.transition(EventItemValidated, StatusValidated, &ItemEventData{
		ResultID:    it.ResultID,
		ValidatorID: validatorID,
		At:          at,
	}, validatorID, "")
}

// Release marks the validated item as returned to the clinician.
func (it *Item) Release(at time.Time) error {
	return it.transition(EventItemReleased, StatusReleased, &ItemEventData{At: at}, SystemActor, "")
}

// Reject moves the item to the absorbing Rejected state.
func (it *Item) Reject(reason, actor string, at time.Time) error {
	if reason == "" {
		return ErrReasonRequired
	}
	return it.transition(EventItemRejected, StatusRejected, &ItemEventData{
		Reason: reason,
		At:     at,
	}, actor, reason)
}

// Rerun sends an item holding a result back to Running. The current result
// reference is cleared; the result itself is kept by the caller as superseded.
func (it *Item) Rerun(reason, actor string, at time.Time) error {
	if reason == "" {
		return ErrReasonRequired
	}
	if !CanRerun(it.Status) {
		return &TransitionError{ItemID: it.ID, From: it.Status, To: StatusRunning}
	}
	return it.raise(EventItemRerun, StatusRunning, &ItemEventData{
		ResultID: it.ResultID,
		Reason:   reason,
		At:       at,
	}, actor, reason)
}

func (it *Item) transition(eventType EventType, to Status, data *ItemEventData, actor, reason string) error {
	if !CanTransition(it.Status, to) {
		return &TransitionError{ItemID: it.ID, From: it.Status, To: to}
	}
	return it.raise(eventType, to, data, actor, reason)
}

func (it *Item) raise(eventType EventType, to Status, data *ItemEventData, actor, reason string) error {
	data.ItemID = it.ID
	data.RequestID = it.RequestID
	data.From = it.Status
	data.To = to
	if data.At.IsZero() {
		data.At = time.Now().UTC()
	}

	event, err := NewEvent(it.ID, AggregateItem, eventType, data)
	if err != nil {
		return err
	}
	event.RequestID = it.RequestID
	event.Timestamp = data.At
	event.WithAuditInfo(actor, reason)

	if err := it.apply(event); err != nil {
		return err
	}
	event.Version = it.Version
	it.changes = append(it.changes, event)
	return nil
}

// apply applies an event to update state
func (it *Item) apply(event *Event) error {
	var data ItemEventData
	if err := event.Decode(&data); err != nil {
		return err
	}
	it.Version++
	it.Status = data.To

	switch event.EventType {
	case EventItemWorklistSent:
		it.WorklistID = data.WorklistID
	case EventItemCollected:
		it.Barcode = data.Barcode
		it.CollectedAt = data.At
	case EventItemReceived:
		it.ReceivedAt = data.At
	case EventItemStarted:
		it.AnalyzerID = data.AnalyzerID
		it.RunAt = data.At
	case EventItemResulted:
		it.ResultID = data.ResultID
		if data.AnalyzerID != "" {
			it.AnalyzerID = data.AnalyzerID
		}
		it.ResultAt = data.At
	case EventItemValidated:
		it.ValidatedBy = data.ValidatorID
		it.ValidatedAt = data.At
	case EventItemReleased:
		it.ReleasedAt = data.At
	case EventItemRejected:
		it.RejectReason = data.Reason
		it.RejectedAt = data.At
	case EventItemRerun:
		it.ResultID = ""
		it.ValidatedBy = ""
		it.ValidatedAt = time.Time{}
		it.RerunCount++
		it.RunAt = data.At
	}
	return nil
}

// ReplayItem rebuilds an item from its event history.
func ReplayItem(base *Item, events []*Event) (*Item, error) {
	it := base.Clone()
	for _, event := range events {
		if event.AggregateID != it.ID {
			continue
		}
		if err := it.apply(event); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Clone returns a copy without uncommitted events.
func (it *Item) Clone() *Item {
	c := *it
	c.changes = nil
	return &c
}
