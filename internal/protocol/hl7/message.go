// Package hl7 implements the HL7 v2 analyzer protocol: ER7 pipe-and-hat
// messages over MLLP.
package hl7

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11
	Version      string    // MSH-12
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string
	Repeats    [][]string
}

// Parse parses raw HL7v2 bytes. Segments may be separated by \r, \n or \r\n.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("message is empty")
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("no segments found")
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, fmt.Errorf("first segment must be MSH, got %q", lines[0][:min(3, len(lines[0]))])
	}

	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}
	msg.extractMSHFields()
	return msg, nil
}

// parseSegment parses one segment. For MSH, Fields[0] is MSH-1, the field
// separator itself; for other segments Fields[0] is field 1.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	if strings.HasPrefix(line, "MSH") {
		seg := Segment{Name: "MSH"}
		if len(line) < 4 {
			return seg, nil
		}
		sep := string(line[3])
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})
		for _, part := range strings.Split(line[4:], sep) {
			seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
		}
		// MSH-9 is the only MSH field read by component.
		if len(seg.Fields) > 8 {
			seg.Fields[8] = parseField(seg.Fields[8].Value)
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg := Segment{Name: parts[0]}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}
	return seg, nil
}

// parseField splits repetitions (~) and components (^).
func parseField(raw string) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) extractMSHFields() {
	msh := m.Segment("MSH")
	m.SendingApp = msh.Field(3)
	m.SendingFac = msh.Field(4)
	m.ReceivingApp = msh.Field(5)
	m.ReceivingFac = msh.Field(6)
	if t, err := ParseTimestamp(msh.Field(7)); err == nil {
		m.Timestamp = t
	}
	m.Type = msh.Field(9)
	m.ControlID = msh.Field(10)
	m.ProcessingID = msh.Field(11)
	m.Version = msh.Field(12)
}

// Trigger returns the trigger event of MSH-9, e.g. "R01".
func (m *Message) Trigger() string {
	return m.Segment("MSH").Component(9, 2)
}

// Code returns the message code of MSH-9, e.g. "ORU".
func (m *Message) Code() string {
	return m.Segment("MSH").Component(9, 1)
}

// ParseTimestamp parses an HL7 TS value (YYYYMMDDHHmmss, YYYYMMDDHHmm or
// YYYYMMDD). Fractions and time zone offsets are ignored.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
	}
}

// Segment returns the first segment with the given name. A missing segment
// is returned as an empty one so field accessors stay safe.
func (m *Message) Segment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return &Segment{Name: name}
}

// Has reports whether a segment is present.
func (m *Message) Has(name string) bool {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return true
		}
	}
	return false
}

// Field returns a field value by its 1-based HL7 index. For MSH, Field(1)
// is the field separator.
func (s *Segment) Field(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// Component returns a component by 1-based field and component indices.
func (s *Segment) Component(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := s.Fields[idx]
	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// Repeats returns the repetitions of a field.
func (s *Segment) Repeats(fieldIdx int) [][]string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return s.Fields[idx].Repeats
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}

var unescaper = strings.NewReplacer("\\F\\", "|", "\\S\\", "^", "\\R\\", "~", "\\T\\", "&", "\\E\\", "\\")

func unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	return unescaper.Replace(s)
}
