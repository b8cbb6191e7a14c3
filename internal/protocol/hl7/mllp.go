package hl7

import (
	"bytes"
	"fmt"
	"time"

	"github.com/drfirst/go-lis/internal/protocol"
)

const (
	// StartBlock is the MLLP start-of-message byte (VT).
	StartBlock = 0x0B
	// EndBlock is the MLLP end-of-message byte (FS).
	EndBlock = 0x1C
	// CarriageReturn is the trailing CR after the end block.
	CarriageReturn = 0x0D

	// MaxMessageSize caps the bytes buffered for one message.
	MaxMessageSize = 1 << 20
)

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, data...)
	return append(frame, EndBlock, CarriageReturn)
}

// UnframeMessage extracts the first complete MLLP frame. Bytes before the
// start block are skipped. It returns the message, the remaining bytes and
// whether a complete frame was found.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, StartBlock)
	if startIdx == -1 {
		return nil, data, false
	}
	endIdx := bytes.Index(data[startIdx+1:], []byte{EndBlock, CarriageReturn})
	if endIdx == -1 {
		return nil, data[startIdx:], false
	}
	endIdx = startIdx + 1 + endIdx
	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// Link is the MLLP framing state machine. MLLP has no link-level
// acknowledgement: a written frame counts as delivered and application ACKs
// arrive as ordinary messages.
type Link struct {
	buf []byte
}

// NewLink creates an MLLP link.
func NewLink() *Link { return &Link{} }

// Receive buffers p and returns every complete message.
func (l *Link) Receive(p []byte, now time.Time) protocol.Output {
	var out protocol.Output
	l.buf = append(l.buf, p...)
	for {
		msg, rest, found := UnframeMessage(l.buf)
		if !found {
			if bytes.IndexByte(rest, StartBlock) == -1 {
				// Nothing framed yet: junk between messages is dropped.
				rest = nil
			}
			l.buf = append(l.buf[:0], rest...)
			break
		}
		out.Messages = append(out.Messages, append([]byte(nil), msg...))
		l.buf = append(l.buf[:0], rest...)
	}
	if len(l.buf) > MaxMessageSize {
		l.buf = nil
		out.Err = fmt.Errorf("mllp: message exceeds %d bytes", MaxMessageSize)
	}
	return out
}

// Send frames msg.
func (l *Link) Send(msg []byte, now time.Time) (protocol.Output, error) {
	return protocol.Output{Write: FrameMessage(msg), Delivered: true}, nil
}

// Tick does nothing; MLLP has no link timers.
func (l *Link) Tick(now time.Time) protocol.Output { return protocol.Output{} }

// Idle is always true.
func (l *Link) Idle() bool { return true }
