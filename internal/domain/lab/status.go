package lab

import "fmt"

// Status is the lifecycle position of a lab request item. Request status is
// derived from its items through AggregateStatus.
type Status int

const (
	StatusRejected          Status = -1
	StatusPendingCollection Status = 0
	StatusWorklistSent      Status = 1
	StatusCollected         Status = 2
	StatusReceived          Status = 3
	StatusRunning           Status = 4
	StatusResultAvailable   Status = 5
	StatusValidated         Status = 6
	StatusReleased          Status = 7
)

var statusNames = map[Status]string{
	StatusRejected:          "rejected",
	StatusPendingCollection: "pending_collection",
	StatusWorklistSent:      "worklist_sent",
	StatusCollected:         "collected",
	StatusReceived:          "received",
	StatusRunning:           "running",
	StatusResultAvailable:   "result_available",
	StatusValidated:         "validated",
	StatusReleased:          "released",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus returns the status with the given name.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether no further transition is permitted.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusReleased
}

// Rejectable reports whether a specimen in this status can still be rejected.
func (s Status) Rejectable() bool {
	return s >= StatusPendingCollection && s <= StatusRunning
}

// CanTransition reports whether an item may move from one status to another.
// Forward moves advance exactly one step; rejection is allowed up to Running.
func CanTransition(from, to Status) bool {
	switch {
	case from.Terminal():
		return false
	case to == StatusRejected:
		return from.Rejectable()
	default:
		return to == from+1
	}
}

// CanRerun reports whether an item holding a result may be sent back to Running.
func CanRerun(from Status) bool {
	return from == StatusResultAvailable || from == StatusValidated
}

// AggregateStatus derives the request status from its items. A request is
// Rejected only when every item is rejected; otherwise it sits at the lowest
// status among its non-rejected items.
func AggregateStatus(items []*Item) Status {
	if len(items) == 0 {
		return StatusPendingCollection
	}
	lowest := StatusReleased
	active := 0
	for _, it := range items {
		if it.Status == StatusRejected {
			continue
		}
		active++
		if it.Status < lowest {
			lowest = it.Status
		}
	}
	if active == 0 {
		return StatusRejected
	}
	return lowest
}

// Priority orders lab requests for collection and analyzer scheduling.
type Priority int

const (
	PriorityRoutine Priority = iota
	PriorityUrgent
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityRoutine:   "routine",
	PriorityUrgent:    "urgent",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Stat reports whether instruments should run the sample ahead of routine work.
func (p Priority) Stat() bool { return p > PriorityRoutine }

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	for v, n := range priorityNames {
		if n == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", string(b))
}

// Source tags where a result came from.
type Source string

const (
	SourceAuto   Source = "AUTO"
	SourceManual Source = "MANUAL"
)

// Severity classifies a result against its reference and critical limits.
type Severity string

const (
	SeverityNormal       Severity = "normal"
	SeverityAbnormalHigh Severity = "abnormal-high"
	SeverityAbnormalLow  Severity = "abnormal-low"
	SeverityCriticalHigh Severity = "critical-high"
	SeverityCriticalLow  Severity = "critical-low"
)

// Critical reports whether the severity requires immediate notification.
func (s Severity) Critical() bool {
	return s == SeverityCriticalHigh || s == SeverityCriticalLow
}

// Abnormal reports whether the severity is outside the reference range.
func (s Severity) Abnormal() bool {
	return s != "" && s != SeverityNormal
}
