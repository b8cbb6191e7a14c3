package hl7

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-lis/internal/protocol"
)

func init() {
	protocol.Register(protocol.HL7, func(opts protocol.Options) protocol.Adapter {
		return NewCodec(opts)
	})
}

// Codec decodes ORU^R01 results, QRY^Q02 and QBP^Q11 queries and ACKs, and
// encodes worklists as ORM^O01.
type Codec struct {
	opts protocol.Options
}

// NewCodec creates an HL7 codec.
func NewCodec(opts protocol.Options) *Codec {
	if opts.SendingApp == "" {
		opts.SendingApp = "LIS"
	}
	if opts.SendingFacility == "" {
		opts.SendingFacility = "LAB"
	}
	return &Codec{opts: opts}
}

func (c *Codec) Name() protocol.Name { return protocol.HL7 }

// NewLink returns an MLLP link.
func (c *Codec) NewLink() protocol.Link { return NewLink() }

// Decode parses one HL7 message.
func (c *Codec) Decode(raw []byte) (*protocol.Message, error) {
	msg, err := Parse(raw)
	if err != nil {
		return nil, protocol.Decodef(protocol.HL7, "%v", err)
	}
	out := &protocol.Message{
		Type:      msg.Type,
		ControlID: msg.ControlID,
		Raw:       raw,
	}

	switch msg.Code() {
	case "ORU", "OUL":
		out.Kind = protocol.KindResults
		out.Results, err = results(msg)
		if err != nil {
			return nil, err
		}
	case "QRY":
		out.Kind = protocol.KindQuery
		out.Query = &protocol.Query{ID: msg.Segment("QRD").Field(4)}
		for _, rep := range msg.Segment("QRD").Repeats(8) {
			if len(rep) > 0 && rep[0] != "" {
				out.Query.SampleIDs = append(out.Query.SampleIDs, unescape(rep[0]))
			}
		}
	case "QBP":
		out.Kind = protocol.KindQuery
		qpd := msg.Segment("QPD")
		out.Query = &protocol.Query{ID: qpd.Field(2)}
		if id := qpd.Component(3, 1); id != "" {
			out.Query.SampleIDs = []string{unescape(id)}
		}
	case "ACK":
		out.Kind = protocol.KindAck
		msa := msg.Segment("MSA")
		out.Ack = &protocol.Ack{Code: msa.Field(1), ControlID: msa.Field(2), Text: msa.Field(3)}
	default:
		out.Kind = protocol.KindOther
	}

	if out.Kind == protocol.KindQuery && len(out.Query.SampleIDs) == 0 {
		return nil, protocol.Decodef(protocol.HL7, "%s query without sample id", msg.Type)
	}
	return out, nil
}

// results walks PID/OBR/OBX groups. The sample id is OBR-3 (filler order
// number), falling back to OBR-2.
func results(msg *Message) ([]protocol.Result, error) {
	var (
		out       []protocol.Result
		patientID string
		sampleID  string
		obrTime   time.Time
	)
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "PID":
			patientID = unescape(seg.Component(3, 1))
		case "OBR":
			sampleID = unescape(seg.Component(3, 1))
			if sampleID == "" {
				sampleID = unescape(seg.Component(2, 1))
			}
			obrTime, _ = ParseTimestamp(seg.Field(22))
			if obrTime.IsZero() {
				obrTime, _ = ParseTimestamp(seg.Field(7))
			}
		case "OBX":
			if sampleID == "" {
				return nil, protocol.Decodef(protocol.HL7, "OBX %s without sample id", seg.Field(1))
			}
			code := unescape(seg.Component(3, 1))
			if code == "" {
				return nil, protocol.Decodef(protocol.HL7, "OBX %s without test code", seg.Field(1))
			}
			at, _ := ParseTimestamp(seg.Field(14))
			if at.IsZero() {
				at = obrTime
			}
			if at.IsZero() {
				at = msg.Timestamp
			}
			out = append(out, protocol.Result{
				SampleID:       sampleID,
				PatientID:      patientID,
				TestCode:       code,
				TestName:       unescape(seg.Component(3, 2)),
				Value:          unescape(seg.Field(5)),
				Unit:           unescape(seg.Component(6, 1)),
				ReferenceRange: unescape(seg.Field(7)),
				Flag:           seg.Field(8),
				Status:         seg.Field(11),
				ResultTime:     at,
			})
		}
	}
	if len(out) == 0 {
		return nil, protocol.Decodef(protocol.HL7, "%s without OBX segments", msg.Type)
	}
	return out, nil
}

// Encode builds an ORM^O01 with one ORC/OBR pair per test.
func (c *Codec) Encode(w *protocol.Worklist) ([]byte, error) {
	if w == nil || len(w.Items) == 0 {
		return nil, fmt.Errorf("hl7: empty worklist")
	}
	now := c.opts.Clock()
	ts := now.Format("20060102150405")
	controlID := w.ID
	if controlID == "" {
		controlID = newControlID()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||ORM^O01|%s|P|2.5\r",
		escape(c.opts.SendingApp), escape(c.opts.SendingFacility),
		escape(c.opts.ReceivingApp), escape(c.opts.ReceivingFacility), ts, escape(controlID))

	for i, item := range w.Items {
		if item.SampleID == "" || len(item.TestCodes) == 0 {
			return nil, fmt.Errorf("hl7: worklist item %d has no sample id or tests", i+1)
		}
		family, given := splitName(item.Patient.Name)
		dob := ""
		if !item.Patient.DOB.IsZero() {
			dob = item.Patient.DOB.Format("20060102")
		}
		sex := item.Patient.Sex
		if sex == "" {
			sex = "U"
		}
		fmt.Fprintf(&b, "PID|%d||%s^^^MRN||%s^%s||%s|%s\r",
			i+1, escape(item.Patient.ID), escape(family), escape(given), dob, escape(sex))

		priority := "R"
		if item.Stat {
			priority = "S"
		}
		requested := ts
		if !item.RequestedAt.IsZero() {
			requested = item.RequestedAt.Format("20060102150405")
		}
		sample := escape(item.SampleID)
		for j, code := range item.TestCodes {
			fmt.Fprintf(&b, "ORC|NW|%s|%s||SC||||%s\r", sample, sample, ts)
			fmt.Fprintf(&b, "OBR|%d|%s|%s|%s|%s|%s\r", j+1, sample, sample, escape(code), priority, requested)
		}
	}
	return []byte(b.String()), nil
}

// Acknowledge builds the ACK for msg: AA when cause is nil, AE with an ERR
// segment otherwise.
func (c *Codec) Acknowledge(msg *protocol.Message, cause error) ([]byte, error) {
	if msg == nil || msg.Raw == nil {
		return nil, fmt.Errorf("hl7: nothing to acknowledge")
	}
	in, err := Parse(msg.Raw)
	if err != nil {
		return nil, protocol.Decodef(protocol.HL7, "%v", err)
	}
	return BuildACK(in, cause, c.opts.Clock()), nil
}

// BuildACK swaps sender and receiver of the incoming message and references
// its control id in MSA-2.
func BuildACK(in *Message, cause error, now time.Time) []byte {
	code, text := "AA", ""
	if cause != nil {
		code, text = "AE", escape(cause.Error())
	}
	trigger := in.Trigger()
	if trigger == "" {
		trigger = "R01"
	}
	processing := in.ProcessingID
	if processing == "" {
		processing = "P"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s|%s|%s|%s|%s||ACK^%s|%s|%s|%s\r",
		in.ReceivingApp, in.ReceivingFac, in.SendingApp, in.SendingFac,
		now.Format("20060102150405"), trigger, newControlID(), processing, in.Version)
	fmt.Fprintf(&b, "MSA|%s|%s|%s\r", code, in.ControlID, text)
	if cause != nil {
		fmt.Fprintf(&b, "ERR|^^^%s||%s\r", code, text)
	}
	return []byte(b.String())
}

func splitName(name string) (family, given string) {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, " "); i > 0 {
		return name[:i], strings.TrimSpace(name[i+1:])
	}
	return name, ""
}

func newControlID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}
