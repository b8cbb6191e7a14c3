// Package protocol defines the normalized analyzer message model and the
// capability interfaces each wire protocol implements.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-lis/internal/domain/lab"
)

// Name identifies a protocol family.
type Name string

const (
	HL7    Name = "hl7"
	ASTM   Name = "astm"
	Vendor Name = "vendor"
)

// Patient is the demographic block sent with worklists.
type Patient struct {
	ID   string
	Name string
	DOB  time.Time
	Sex  string
}

// WorklistItem is one sample with the tests an analyzer should run on it.
type WorklistItem struct {
	SampleID    string
	Patient     Patient
	TestCodes   []string
	Stat        bool
	RequestedAt time.Time
}

// Worklist is pushed host to instrument.
type Worklist struct {
	ID         string
	AnalyzerID string
	Items      []WorklistItem
	// Query is set when the worklist answers a host query.
	Query *Query
}

// Result is one normalized analyzer result.
type Result struct {
	SampleID       string
	PatientID      string
	TestCode       string
	TestName       string
	Value          string
	Unit           string
	ReferenceRange string
	Flag           string
	Status         string
	ResultTime     time.Time
}

// Query is an instrument asking the host for the worklist of samples.
type Query struct {
	ID        string
	SampleIDs []string
}

// Ack is an application acknowledgement received from the peer.
type Ack struct {
	Code      string
	ControlID string
	Text      string
}

// Kind classifies a decoded message.
type Kind int

const (
	KindOther Kind = iota
	KindResults
	KindQuery
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindResults:
		return "results"
	case KindQuery:
		return "query"
	case KindAck:
		return "ack"
	default:
		return "other"
	}
}

// Message is a decoded inbound message.
type Message struct {
	Kind      Kind
	Type      string
	ControlID string
	Results   []Result
	Query     *Query
	Ack       *Ack
	Raw       []byte
}

// Codec translates between native messages and the normalized model.
type Codec interface {
	Encode(w *Worklist) ([]byte, error)
	Decode(raw []byte) (*Message, error)
}

// Output is what a link wants done after handling input or a timer.
type Output struct {
	// Write is sent to the peer as is.
	Write []byte
	// Messages are complete inbound messages ready for decoding.
	Messages [][]byte
	// Delivered reports that the pending outbound message was accepted.
	Delivered bool
	// Err reports a link failure. When a message was pending it has been
	// abandoned.
	Err error
}

// Merge appends o2 to o.
func (o Output) Merge(o2 Output) Output {
	o.Write = append(o.Write, o2.Write...)
	o.Messages = append(o.Messages, o2.Messages...)
	o.Delivered = o.Delivered || o2.Delivered
	if o.Err == nil {
		o.Err = o2.Err
	}
	return o
}

// Link is the byte-level framing state machine of one connection. Links are
// not safe for concurrent use; a session drives its link from one goroutine.
type Link interface {
	Receive(p []byte, now time.Time) Output
	// Send starts delivery of one message. It fails with ErrLinkBusy unless
	// the link is idle.
	Send(msg []byte, now time.Time) (Output, error)
	Tick(now time.Time) Output
	Idle() bool
}

// Adapter binds a codec to its link.
type Adapter interface {
	Name() Name
	Codec
	NewLink() Link
}

// Acknowledger builds the application acknowledgement for a decoded message.
// Protocols without application ACKs do not implement it.
type Acknowledger interface {
	Acknowledge(msg *Message, cause error) ([]byte, error)
}

var (
	ErrLinkBusy       = errors.New("link busy")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// DecodeError describes a message that could not be decoded.
type DecodeError struct {
	Protocol Name
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Protocol, e.Reason)
}

func (e *DecodeError) Unwrap() error { return lab.ErrProtocolDecode }

// Decodef builds a DecodeError.
func Decodef(p Name, format string, args ...interface{}) error {
	return &DecodeError{Protocol: p, Reason: fmt.Sprintf(format, args...)}
}
