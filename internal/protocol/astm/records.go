package astm

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-lis/internal/protocol"
)

func init() {
	protocol.Register(protocol.ASTM, func(opts protocol.Options) protocol.Adapter {
		return NewCodec(opts)
	})
}

// Delimiters declared in the header record.
type Delimiters struct {
	Field     byte
	Repeat    byte
	Component byte
	Escape    byte
}

// DefaultDelimiters is H|\^&.
var DefaultDelimiters = Delimiters{Field: '|', Repeat: '\\', Component: '^', Escape: '&'}

const timeLayout = "20060102150405"

// Record is one E1394 record. Fields are 1-based as in the standard: field
// 1 is the record type.
type Record struct {
	Type   byte
	fields []string
	d      Delimiters
}

// Field returns field n or "".
func (r Record) Field(n int) string {
	if n < 1 || n > len(r.fields) {
		return ""
	}
	return r.fields[n-1]
}

// Component returns component c (1-based) of the first repeat of field n.
func (r Record) Component(n, c int) string {
	reps := r.Repeats(n)
	if len(reps) == 0 || c < 1 || c > len(reps[0]) {
		return ""
	}
	return reps[0][c-1]
}

// Repeats splits field n into repeats and components, unescaped.
func (r Record) Repeats(n int) [][]string {
	f := r.Field(n)
	if f == "" {
		return nil
	}
	var out [][]string
	for _, rep := range strings.Split(f, string(r.d.Repeat)) {
		comps := strings.Split(rep, string(r.d.Component))
		for i := range comps {
			comps[i] = r.d.unescape(comps[i])
		}
		out = append(out, comps)
	}
	return out
}

// Text returns field n unescaped.
func (r Record) Text(n int) string { return r.d.unescape(r.Field(n)) }

// ParseRecords splits a message into records. The header must come first;
// its second field declares the delimiters.
func ParseRecords(raw []byte) ([]Record, Delimiters, error) {
	text := strings.ReplaceAll(string(raw), "\n", "\r")
	var lines []string
	for _, l := range strings.Split(text, "\r") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, Delimiters{}, protocol.Decodef(protocol.ASTM, "empty message")
	}
	h := lines[0]
	if len(h) < 5 || h[0] != 'H' {
		return nil, Delimiters{}, protocol.Decodef(protocol.ASTM, "message must start with a header record")
	}
	d := Delimiters{Field: h[1], Repeat: h[2], Component: h[3], Escape: h[4]}

	recs := make([]Record, 0, len(lines))
	for i, l := range lines {
		fields := strings.Split(l, string(d.Field))
		if i == 0 {
			// The delimiter definition is not split further.
			fields[1] = h[2:5]
		}
		if len(fields[0]) == 0 {
			return nil, d, protocol.Decodef(protocol.ASTM, "record %d has no type", i+1)
		}
		recs = append(recs, Record{Type: fields[0][len(fields[0])-1], fields: fields, d: d})
	}
	return recs, d, nil
}

func (d Delimiters) escape(s string) string {
	if s == "" {
		return s
	}
	e := string(d.Escape)
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case d.Escape:
			b.WriteString(e + "E" + e)
		case d.Field:
			b.WriteString(e + "F" + e)
		case d.Component:
			b.WriteString(e + "S" + e)
		case d.Repeat:
			b.WriteString(e + "R" + e)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func (d Delimiters) unescape(s string) string {
	e := string(d.Escape)
	if !strings.Contains(s, e) {
		return s
	}
	return strings.NewReplacer(
		e+"F"+e, string(d.Field),
		e+"S"+e, string(d.Component),
		e+"R"+e, string(d.Repeat),
		e+"E"+e, e,
	).Replace(s)
}

// ParseTime accepts YYYYMMDD, YYYYMMDDHHMM and YYYYMMDDHHMMSS.
func ParseTime(s string) (time.Time, error) {
	switch len(s) {
	case 8:
		return time.Parse("20060102", s)
	case 12:
		return time.Parse("200601021504", s)
	case 14:
		return time.Parse(timeLayout, s)
	}
	return time.Time{}, fmt.Errorf("bad ASTM timestamp %q", s)
}

// Codec decodes result and query messages and encodes worklists as order
// records.
type Codec struct {
	opts protocol.Options
}

// NewCodec creates an ASTM codec.
func NewCodec(opts protocol.Options) *Codec {
	if opts.SendingApp == "" {
		opts.SendingApp = "LIS"
	}
	return &Codec{opts: opts}
}

func (c *Codec) Name() protocol.Name { return protocol.ASTM }

// NewLink returns an E1381 link.
func (c *Codec) NewLink() protocol.Link { return NewLink() }

// Decode parses one message. Results take their sample ID from the
// preceding order record and their patient from the preceding patient
// record.
func (c *Codec) Decode(raw []byte) (*protocol.Message, error) {
	recs, _, err := ParseRecords(raw)
	if err != nil {
		return nil, err
	}
	header := recs[0]
	out := &protocol.Message{ControlID: header.Field(3), Raw: raw}
	headerTime, _ := ParseTime(header.Field(14))

	var patientID, sampleID string
	var orderTime time.Time
	for i, r := range recs[1:] {
		switch r.Type {
		case 'P':
			patientID = r.Text(3)
			sampleID = ""
		case 'O':
			sampleID = r.Text(3)
			if sampleID == "" {
				sampleID = r.Component(3, 1)
			}
			if sampleID == "" {
				sampleID = r.Component(4, 1)
			}
			orderTime, _ = ParseTime(r.Field(7))
		case 'R':
			if sampleID == "" {
				return nil, protocol.Decodef(protocol.ASTM, "result record %d has no order", i+2)
			}
			code := r.Component(3, 4)
			if code == "" {
				code = r.Component(3, 1)
			}
			if code == "" {
				return nil, protocol.Decodef(protocol.ASTM, "result record %d has no test code", i+2)
			}
			res := protocol.Result{
				SampleID:       sampleID,
				PatientID:      patientID,
				TestCode:       code,
				TestName:       r.Component(3, 5),
				Value:          r.Text(4),
				Unit:           r.Text(5),
				ReferenceRange: r.Text(6),
				Flag:           r.Text(7),
				Status:         r.Text(9),
			}
			res.ResultTime, _ = ParseTime(r.Field(13))
			if res.ResultTime.IsZero() {
				res.ResultTime = orderTime
			}
			if res.ResultTime.IsZero() {
				res.ResultTime = headerTime
			}
			out.Results = append(out.Results, res)
		case 'Q':
			if out.Query == nil {
				out.Query = &protocol.Query{ID: r.Field(2)}
			}
			for _, rep := range r.Repeats(3) {
				id := ""
				if len(rep) > 1 {
					id = rep[1]
				} else if len(rep) == 1 {
					id = rep[0]
				}
				if id != "" {
					out.Query.SampleIDs = append(out.Query.SampleIDs, id)
				}
			}
		}
	}

	switch {
	case len(out.Results) > 0:
		out.Kind, out.Type = protocol.KindResults, "R"
	case out.Query != nil:
		if len(out.Query.SampleIDs) == 0 {
			return nil, protocol.Decodef(protocol.ASTM, "query without sample IDs")
		}
		out.Kind, out.Type = protocol.KindQuery, "Q"
	default:
		out.Kind = protocol.KindOther
	}
	return out, nil
}

// Encode renders the worklist as H, a P and O pair per sample, and L.
// An answer to a query with no items terminates with code I.
func (c *Codec) Encode(w *protocol.Worklist) ([]byte, error) {
	if w == nil {
		return nil, fmt.Errorf("astm: nil worklist")
	}
	d := DefaultDelimiters
	var b strings.Builder
	now := c.opts.Clock()

	sender := d.escape(c.opts.SendingApp)
	if c.opts.SendingFacility != "" {
		sender += "^" + d.escape(c.opts.SendingFacility)
	}
	fmt.Fprintf(&b, "H|\\^&|%s||%s|||||%s||P|1|%s\r",
		d.escape(w.ID), sender, d.escape(w.AnalyzerID), now.Format(timeLayout))

	reportType := "O"
	if w.Query != nil {
		reportType = "Q"
	}
	for i, item := range w.Items {
		if item.SampleID == "" {
			return nil, fmt.Errorf("astm: worklist item %d has no sample ID", i+1)
		}
		if len(item.TestCodes) == 0 {
			return nil, fmt.Errorf("astm: sample %s has no tests", item.SampleID)
		}
		dob := ""
		if !item.Patient.DOB.IsZero() {
			dob = item.Patient.DOB.Format("20060102")
		}
		family, given := splitName(item.Patient.Name)
		fmt.Fprintf(&b, "P|%d|%s|||%s^%s||%s|%s\r",
			i+1, d.escape(item.Patient.ID), d.escape(family), d.escape(given), dob, d.escape(item.Patient.Sex))

		tests := make([]string, len(item.TestCodes))
		for j, code := range item.TestCodes {
			tests[j] = "^^^" + d.escape(code)
		}
		priority := "R"
		if item.Stat {
			priority = "S"
		}
		requested := ""
		if !item.RequestedAt.IsZero() {
			requested = item.RequestedAt.Format(timeLayout)
		}
		fields := make([]string, 26)
		fields[0] = "O"
		fields[1] = "1"
		fields[2] = d.escape(item.SampleID)
		fields[4] = strings.Join(tests, string(d.Repeat))
		fields[5] = priority
		fields[6] = requested
		fields[11] = "N"
		fields[25] = reportType
		b.WriteString(strings.Join(fields, "|"))
		b.WriteByte('\r')
	}

	term := "N"
	if w.Query != nil && len(w.Items) == 0 {
		term = "I"
	}
	fmt.Fprintf(&b, "L|1|%s\r", term)
	return []byte(b.String()), nil
}

func splitName(name string) (family, given string) {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i], strings.TrimSpace(name[i+1:])
	}
	return name, ""
}
