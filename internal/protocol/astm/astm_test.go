package astm

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

const results = "H|\\^&|MSG7||AU480^OLYMPUS|||||LIS||P|1|20260301100000\r" +
	"P|1|PAT001|||Tran^Thi B||19750512|F\r" +
	"O|1|SP2603010830151234||^^^GLU\\^^^CREA|R|20260301093000\r" +
	"R|1|^^^GLU^Glucose|250|mg/dL|70-110|HH||F||||20260301095500\r" +
	"R|2|^^^CREA|0.9|mg/dL|0.6-1.2|N||F\r" +
	"L|1|N\r"

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestChecksum(t *testing.T) {
	assert.Equal(t, "E5", Checksum([]byte("1H|\\^&\r\x03")))

	frame := Frame(1, []byte("H|\\^&\r"), ETX)
	assert.Equal(t, "\x021H|\\^&\r\x03E5\r\n", string(frame))

	fn, text, last, err := ParseFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, byte(1), fn)
	assert.Equal(t, "H|\\^&\r", string(text))
	assert.True(t, last)
}

func TestParseFrameRejectsBadChecksum(t *testing.T) {
	frame := Frame(2, []byte("L|1|N\r"), ETX)
	frame[len(frame)-3] = 'Z'
	_, _, _, err := ParseFrame(frame)
	assert.ErrorIs(t, err, lab.ErrProtocolDecode)
}

func TestBuildFramesSplitsLongRecords(t *testing.T) {
	long := "R|1|^^^X|" + strings.Repeat("9", 500)
	frames := BuildFrames([]byte(long + "\r"))
	require.Len(t, frames, 3)

	var text strings.Builder
	for i, f := range frames {
		fn, body, last, err := ParseFrame(f)
		require.NoError(t, err)
		assert.Equal(t, byte(i+1), fn)
		assert.Equal(t, i == 2, last)
		assert.LessOrEqual(t, len(body), FrameTextSize)
		text.Write(body)
	}
	assert.Equal(t, long+"\r", text.String())
}

func TestFrameNumbersWrap(t *testing.T) {
	var msg strings.Builder
	for i := 0; i < 9; i++ {
		msg.WriteString("C|1|comment\r")
	}
	frames := BuildFrames([]byte(msg.String()))
	require.Len(t, frames, 9)
	fn, _, _, err := ParseFrame(frames[7])
	require.NoError(t, err)
	assert.Equal(t, byte(0), fn)
	fn, _, _, _ = ParseFrame(frames[8])
	assert.Equal(t, byte(1), fn)
}

func TestLinkReceivesMessage(t *testing.T) {
	l := NewLink()
	out := l.Receive([]byte{ENQ}, t0)
	assert.Equal(t, []byte{ACK}, out.Write)

	frames := BuildFrames([]byte(results))
	for _, f := range frames {
		out = l.Receive(f, t0)
		assert.Equal(t, []byte{ACK}, out.Write)
	}
	// A retransmitted frame is acknowledged and ignored.
	out = l.Receive(frames[len(frames)-1], t0)
	assert.Equal(t, []byte{ACK}, out.Write)

	out = l.Receive([]byte{EOT}, t0)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, results, string(out.Messages[0]))
	assert.True(t, l.Idle())
}

func TestLinkNaksCorruptFrame(t *testing.T) {
	l := NewLink()
	l.Receive([]byte{ENQ}, t0)

	good := Frame(1, []byte("H|\\^&\r"), ETX)
	bad := append([]byte(nil), good...)
	bad[3] = 'X'
	assert.Equal(t, []byte{NAK}, l.Receive(bad, t0).Write)
	assert.Equal(t, []byte{ACK}, l.Receive(good, t0).Write)

	// Out of sequence.
	assert.Equal(t, []byte{NAK}, l.Receive(Frame(5, []byte("L|1\r"), ETX), t0).Write)
}

func TestLinkReceiveSplitAcrossReads(t *testing.T) {
	l := NewLink()
	l.Receive([]byte{ENQ}, t0)
	f := Frame(1, []byte("H|\\^&\r"), ETX)

	assert.Empty(t, l.Receive(f[:4], t0).Write)
	assert.Equal(t, []byte{ACK}, l.Receive(f[4:], t0).Write)
	out := l.Receive([]byte{EOT}, t0)
	require.Len(t, out.Messages, 1)
}

func TestLinkReceiveTimeout(t *testing.T) {
	l := NewLink()
	l.Receive([]byte{ENQ}, t0)
	out := l.Tick(t0.Add(ReceiveTimeout + time.Second))
	assert.Error(t, out.Err)
	assert.True(t, l.Idle())
}

func TestLinkSendsMessage(t *testing.T) {
	l := NewLink()
	msg := []byte("H|\\^&\rP|1\rL|1|N\r")
	frames := BuildFrames(msg)

	out, err := l.Send(msg, t0)
	require.NoError(t, err)
	assert.Equal(t, []byte{ENQ}, out.Write)
	assert.False(t, l.Idle())

	_, err = l.Send(msg, t0)
	assert.ErrorIs(t, err, protocol.ErrLinkBusy)

	for _, f := range frames {
		out = l.Receive([]byte{ACK}, t0)
		assert.Equal(t, f, out.Write)
		assert.False(t, out.Delivered)
	}
	out = l.Receive([]byte{ACK}, t0)
	assert.Equal(t, []byte{EOT}, out.Write)
	assert.True(t, out.Delivered)
	assert.True(t, l.Idle())
}

func TestLinkRetransmitsThenGivesUp(t *testing.T) {
	l := NewLink()
	_, err := l.Send([]byte("H|\\^&\rL|1|N\r"), t0)
	require.NoError(t, err)
	first := l.Receive([]byte{ACK}, t0).Write

	for i := 0; i < MaxRetransmits; i++ {
		out := l.Receive([]byte{NAK}, t0)
		assert.Equal(t, first, out.Write)
		require.NoError(t, out.Err)
	}
	out := l.Receive([]byte{NAK}, t0)
	assert.Equal(t, []byte{EOT}, out.Write)
	assert.ErrorIs(t, out.Err, protocol.ErrDeliveryFailed)
	assert.False(t, out.Delivered)
	assert.True(t, l.Idle())
}

func TestLinkSenderTimeout(t *testing.T) {
	l := NewLink()
	_, err := l.Send([]byte("H|\\^&\rL|1|N\r"), t0)
	require.NoError(t, err)
	l.Receive([]byte{ACK}, t0)

	assert.Empty(t, l.Tick(t0.Add(SenderTimeout)).Write)
	out := l.Tick(t0.Add(SenderTimeout + time.Second))
	assert.Equal(t, []byte{EOT}, out.Write)
	assert.ErrorIs(t, out.Err, protocol.ErrDeliveryFailed)
}

func TestLinkContentionYieldsToInstrument(t *testing.T) {
	l := NewLink()
	msg := []byte("H|\\^&\rL|1|N\r")
	_, err := l.Send(msg, t0)
	require.NoError(t, err)

	// Both sides bid; the host answers the instrument.
	out := l.Receive([]byte{ENQ}, t0)
	assert.Equal(t, []byte{ACK}, out.Write)
	for _, f := range BuildFrames([]byte(results)) {
		l.Receive(f, t0)
	}
	out = l.Receive([]byte{EOT}, t0)
	require.Len(t, out.Messages, 1)
	assert.False(t, l.Idle())

	assert.Empty(t, l.Tick(t0.Add(time.Second)).Write)
	out = l.Tick(t0.Add(EnqRetryDelay))
	assert.Equal(t, []byte{ENQ}, out.Write)

	for range BuildFrames(msg) {
		l.Receive([]byte{ACK}, t0)
	}
	assert.True(t, l.Receive([]byte{ACK}, t0).Delivered)
}

func TestLinkRetriesRefusedEnq(t *testing.T) {
	l := NewLink()
	_, err := l.Send([]byte("H|\\^&\rL|1|N\r"), t0)
	require.NoError(t, err)

	out := l.Receive([]byte{NAK}, t0)
	assert.Empty(t, out.Write)
	assert.Empty(t, l.Tick(t0.Add(time.Second)).Write)
	assert.Equal(t, []byte{ENQ}, l.Tick(t0.Add(EnqRetryDelay)).Write)
}

func TestDecodeResults(t *testing.T) {
	msg, err := NewCodec(protocol.Options{}).Decode([]byte(results))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindResults, msg.Kind)
	assert.Equal(t, "MSG7", msg.ControlID)
	require.Len(t, msg.Results, 2)

	glu := msg.Results[0]
	assert.Equal(t, "SP2603010830151234", glu.SampleID)
	assert.Equal(t, "PAT001", glu.PatientID)
	assert.Equal(t, "GLU", glu.TestCode)
	assert.Equal(t, "Glucose", glu.TestName)
	assert.Equal(t, "250", glu.Value)
	assert.Equal(t, "mg/dL", glu.Unit)
	assert.Equal(t, "70-110", glu.ReferenceRange)
	assert.Equal(t, "HH", glu.Flag)
	assert.Equal(t, "F", glu.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 55, 0, 0, time.UTC), glu.ResultTime)

	// Without a completion time the order's requested time is used.
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), msg.Results[1].ResultTime)
}

func TestDecodeCustomDelimiters(t *testing.T) {
	raw := "H!@#$\rP!1!PAT9\rO!1!S1!!###NA\rR!1!###NA!140$S$!mmol/L\rL!1!N\r"
	msg, err := NewCodec(protocol.Options{}).Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, msg.Results, 1)
	assert.Equal(t, "NA", msg.Results[0].TestCode)
	assert.Equal(t, "140#", msg.Results[0].Value)
}

func TestDecodeQuery(t *testing.T) {
	raw := "H|\\^&|Q77\rQ|1|^SP001\\^SP002||^^^ALL\rL|1|N\r"
	msg, err := NewCodec(protocol.Options{}).Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindQuery, msg.Kind)
	assert.Equal(t, []string{"SP001", "SP002"}, msg.Query.SampleIDs)
}

func TestDecodeErrors(t *testing.T) {
	c := NewCodec(protocol.Options{})
	for name, raw := range map[string]string{
		"empty":         "",
		"no header":     "P|1\rL|1\r",
		"orphan result": "H|\\^&\rR|1|^^^GLU|5\rL|1\r",
		"no test code":  "H|\\^&\rO|1|S1\rR|1||5\rL|1\r",
		"empty query":   "H|\\^&\rQ|1|\rL|1\r",
	} {
		_, err := c.Decode([]byte(raw))
		var de *protocol.DecodeError
		assert.True(t, errors.As(err, &de), name)
		assert.ErrorIs(t, err, lab.ErrProtocolDecode, name)
	}
}

func TestEncodeWorklist(t *testing.T) {
	c := NewCodec(protocol.Options{SendingApp: "LIS", Now: func() time.Time { return t0 }})
	raw, err := c.Encode(&protocol.Worklist{
		ID:         "WL1",
		AnalyzerID: "AU480",
		Items: []protocol.WorklistItem{{
			SampleID:  "SP1",
			Patient:   protocol.Patient{ID: "PAT001", Name: "Tran Thi B", DOB: time.Date(1975, 5, 12, 0, 0, 0, 0, time.UTC), Sex: "F"},
			TestCodes: []string{"GLU", "CREA"},
			Stat:      true,
		}},
	})
	require.NoError(t, err)

	recs, _, err := ParseRecords(raw)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "WL1", recs[0].Field(3))
	assert.Equal(t, "20260301100000", recs[0].Field(14))

	p := recs[1]
	assert.Equal(t, "PAT001", p.Text(3))
	assert.Equal(t, "Tran", p.Component(6, 1))
	assert.Equal(t, "Thi B", p.Component(6, 2))
	assert.Equal(t, "19750512", p.Field(8))
	assert.Equal(t, "F", p.Field(9))

	o := recs[2]
	assert.Equal(t, "SP1", o.Text(3))
	reps := o.Repeats(5)
	require.Len(t, reps, 2)
	assert.Equal(t, "GLU", reps[0][3])
	assert.Equal(t, "CREA", reps[1][3])
	assert.Equal(t, "S", o.Field(6))
	assert.Equal(t, "N", o.Field(12))
	assert.Equal(t, "O", o.Field(26))
	assert.Equal(t, "N", recs[3].Field(3))
}

func TestEncodeEmptyQueryAnswer(t *testing.T) {
	raw, err := NewCodec(protocol.Options{}).Encode(&protocol.Worklist{ID: "Q1", Query: &protocol.Query{ID: "Q1"}})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(raw), "L|1|I\r"))
}

func TestEncodeRejectsItemWithoutTests(t *testing.T) {
	_, err := NewCodec(protocol.Options{}).Encode(&protocol.Worklist{Items: []protocol.WorklistItem{{SampleID: "S1"}}})
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	a, err := protocol.New(protocol.ASTM, protocol.Options{})
	require.NoError(t, err)
	assert.Equal(t, protocol.ASTM, a.Name())
	assert.IsType(t, &Link{}, a.NewLink())
}
