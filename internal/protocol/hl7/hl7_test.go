package hl7

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/internal/protocol"
)

const oru = "MSH|^~\\&|BC-5380|LAB|LIS|HOSP|20260301091500||ORU^R01|MSG0001|P|2.3.1\r" +
	"PID|1||PAT001^^^MRN||Nguyen^Van A||19800101|M\r" +
	"OBR|1||SP2603010830151234|CBC^Complete blood count|||20260301091000\r" +
	"OBX|1|NM|WBC^White blood cells||7.2|10*3/uL|4.0-10.0|N|||F\r" +
	"OBX|2|NM|HGB^Hemoglobin||6.1|g/dL|12.0-16.0|LL|||F|||20260301091200\r"

func testCodec() *Codec {
	return NewCodec(protocol.Options{
		ReceivingApp: "BC-5380",
		Now:          func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	})
}

func TestParseMessageHeader(t *testing.T) {
	msg, err := Parse([]byte(oru))
	require.NoError(t, err)
	assert.Equal(t, "ORU^R01", msg.Type)
	assert.Equal(t, "ORU", msg.Code())
	assert.Equal(t, "R01", msg.Trigger())
	assert.Equal(t, "MSG0001", msg.ControlID)
	assert.Equal(t, "BC-5380", msg.SendingApp)
	assert.Equal(t, "2.3.1", msg.Version)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC), msg.Timestamp)
	assert.Len(t, msg.Segments, 5)
}

func TestParseRejectsMissingMSH(t *testing.T) {
	_, err := Parse([]byte("PID|1||X\r"))
	assert.Error(t, err)
	_, err = Parse(nil)
	assert.Error(t, err)
}

func TestDecodeResults(t *testing.T) {
	m, err := testCodec().Decode([]byte(oru))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResults, m.Kind)
	require.Len(t, m.Results, 2)

	wbc := m.Results[0]
	assert.Equal(t, "SP2603010830151234", wbc.SampleID)
	assert.Equal(t, "PAT001", wbc.PatientID)
	assert.Equal(t, "WBC", wbc.TestCode)
	assert.Equal(t, "7.2", wbc.Value)
	assert.Equal(t, "10*3/uL", wbc.Unit)
	assert.Equal(t, "4.0-10.0", wbc.ReferenceRange)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 10, 0, 0, time.UTC), wbc.ResultTime)

	hgb := m.Results[1]
	assert.Equal(t, "LL", hgb.Flag)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 12, 0, 0, time.UTC), hgb.ResultTime)
}

func TestDecodeErrorsWrapSentinel(t *testing.T) {
	_, err := testCodec().Decode([]byte("MSH|^~\\&|A|B|C|D|20260301||ORU^R01|1|P|2.5\rOBX|1|NM|GLU||5\r"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lab.ErrProtocolDecode))

	var de *protocol.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, protocol.HL7, de.Protocol)
}

func TestDecodeQueries(t *testing.T) {
	qry := "MSH|^~\\&|AU480|LAB|LIS|HOSP|20260301091500||QRY^Q02|Q1|P|2.3.1\r" +
		"QRD|20260301091500|R|D|Q1|||RD|SP001~SP002|OTH\r"
	m, err := testCodec().Decode([]byte(qry))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindQuery, m.Kind)
	assert.Equal(t, []string{"SP001", "SP002"}, m.Query.SampleIDs)

	qbp := "MSH|^~\\&|AU480|LAB|LIS|HOSP|20260301091500||QBP^Q11|Q2|P|2.5.1\r" +
		"QPD|WOS^Work Order Step|Q2|SP003\r"
	m, err = testCodec().Decode([]byte(qbp))
	require.NoError(t, err)
	assert.Equal(t, []string{"SP003"}, m.Query.SampleIDs)
}

func TestDecodeAck(t *testing.T) {
	ack := "MSH|^~\\&|BC-5380|LAB|LIS|HOSP|20260301091500||ACK^O01|A1|P|2.5\rMSA|AA|WL1\r"
	m, err := testCodec().Decode([]byte(ack))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindAck, m.Kind)
	assert.Equal(t, "AA", m.Ack.Code)
	assert.Equal(t, "WL1", m.Ack.ControlID)
}

func TestEncodeWorklist(t *testing.T) {
	raw, err := testCodec().Encode(&protocol.Worklist{
		ID: "WL20260301080000AB12CD34",
		Items: []protocol.WorklistItem{{
			SampleID:  "SP2603010830151234",
			Patient:   protocol.Patient{ID: "PAT001", Name: "Nguyen Van A", Sex: "M", DOB: time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)},
			TestCodes: []string{"WBC", "HGB"},
			Stat:      true,
		}},
	})
	require.NoError(t, err)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "ORM^O01", msg.Type)
	assert.Equal(t, "WL20260301080000AB12CD34", msg.ControlID)
	assert.Equal(t, "Nguyen", msg.Segment("PID").Component(5, 1))
	assert.Equal(t, "19800101", msg.Segment("PID").Field(7))

	obrs := 0
	for _, seg := range msg.Segments {
		if seg.Name == "OBR" {
			obrs++
			assert.Equal(t, "SP2603010830151234", seg.Field(3))
			assert.Equal(t, "S", seg.Field(5))
		}
	}
	assert.Equal(t, 2, obrs)

	_, err = testCodec().Encode(&protocol.Worklist{})
	assert.Error(t, err)
}

func TestEncodeEscapesDelimiters(t *testing.T) {
	raw, err := testCodec().Encode(&protocol.Worklist{Items: []protocol.WorklistItem{{
		SampleID: "S1", TestCodes: []string{"GLU"}, Patient: protocol.Patient{ID: "A|B"},
	}}})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "A\\F\\B")
}

func TestAcknowledge(t *testing.T) {
	c := testCodec()
	m, err := c.Decode([]byte(oru))
	require.NoError(t, err)

	ack, err := c.Acknowledge(m, nil)
	require.NoError(t, err)
	parsed, err := Parse(ack)
	require.NoError(t, err)
	assert.Equal(t, "ACK^R01", parsed.Type)
	assert.Equal(t, "LIS", parsed.SendingApp)
	assert.Equal(t, "BC-5380", parsed.ReceivingApp)
	assert.Equal(t, "AA", parsed.Segment("MSA").Field(1))
	assert.Equal(t, "MSG0001", parsed.Segment("MSA").Field(2))
	assert.False(t, parsed.Has("ERR"))

	nack, err := c.Acknowledge(m, errors.New("unknown sample"))
	require.NoError(t, err)
	parsed, err = Parse(nack)
	require.NoError(t, err)
	assert.Equal(t, "AE", parsed.Segment("MSA").Field(1))
	assert.True(t, parsed.Has("ERR"))
}

func TestLinkHandlesPartialReadsAndJunk(t *testing.T) {
	l := NewLink()
	framed := FrameMessage([]byte(oru))
	now := time.Now()

	out := l.Receive(append([]byte("noise"), framed[:10]...), now)
	assert.Empty(t, out.Messages)

	out = l.Receive(append(framed[10:], FrameMessage([]byte("MSH|second"))...), now)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, oru, string(out.Messages[0]))
	assert.Equal(t, "MSH|second", string(out.Messages[1]))

	out = l.Receive([]byte("garbage without start block"), now)
	assert.Empty(t, out.Messages)
	assert.NoError(t, out.Err)
}

func TestLinkCapsMessageSize(t *testing.T) {
	l := NewLink()
	big := append([]byte{StartBlock}, []byte(strings.Repeat("x", MaxMessageSize+1))...)
	out := l.Receive(big, time.Now())
	assert.Error(t, out.Err)
	assert.True(t, l.Idle())
}

func TestLinkSendIsDeliveredOnWrite(t *testing.T) {
	out, err := NewLink().Send([]byte("MSH|x"), time.Now())
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, FrameMessage([]byte("MSH|x")), out.Write)
}

func TestRegistered(t *testing.T) {
	a, err := protocol.New(protocol.HL7, protocol.Options{})
	require.NoError(t, err)
	assert.Equal(t, protocol.HL7, a.Name())
	_, ok := a.(protocol.Acknowledger)
	assert.True(t, ok)
}
