// Package astm implements ASTM E1381 low-level framing and E1394 records.
package astm

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/go-lis/internal/protocol"
)

// Control characters.
const (
	ENQ = 0x05
	ACK = 0x06
	NAK = 0x15
	EOT = 0x04
	STX = 0x02
	ETX = 0x03
	ETB = 0x17
	CR  = 0x0D
	LF  = 0x0A
)

// Link timings and limits from E1381. EnqRetryDelay is how long the sender
// waits after a refused bid or a contention before bidding again.
const (
	FrameTextSize  = 240
	MaxRetransmits = 6
	SenderTimeout  = 15 * time.Second
	ReceiveTimeout = 30 * time.Second
	EnqRetryDelay  = 10 * time.Second
	maxFrameSize   = FrameTextSize + 16
)

type state int

const (
	stateIdle state = iota
	stateWaitEnqReply
	stateWaitFrameReply
	stateReceiving
)

// Link is the E1381 state machine. The host is the side that yields on
// contention: when both sides bid with ENQ, the instrument wins.
type Link struct {
	state    state
	deadline time.Time

	// sender
	pending   []byte
	frames    [][]byte
	next      int
	retries   int
	bidAt     time.Time
	bidFailed int

	// receiver
	buf      []byte
	expected byte
	text     bytes.Buffer
}

// NewLink creates an idle link.
func NewLink() *Link { return &Link{} }

// Idle reports whether a new message may be sent.
func (l *Link) Idle() bool { return l.state == stateIdle && l.pending == nil }

// Send bids for the line with ENQ.
func (l *Link) Send(msg []byte, now time.Time) (protocol.Output, error) {
	if !l.Idle() {
		return protocol.Output{}, protocol.ErrLinkBusy
	}
	l.pending = msg
	l.frames = BuildFrames(msg)
	l.next = 0
	l.retries = 0
	l.bidFailed = 0
	return l.bid(now), nil
}

func (l *Link) bid(now time.Time) protocol.Output {
	l.state = stateWaitEnqReply
	l.deadline = now.Add(SenderTimeout)
	return protocol.Output{Write: []byte{ENQ}}
}

// Receive handles bytes from the instrument.
func (l *Link) Receive(p []byte, now time.Time) protocol.Output {
	var out protocol.Output
	for len(p) > 0 {
		switch l.state {
		case stateIdle:
			b := p[0]
			p = p[1:]
			if b == ENQ {
				out = out.Merge(l.startReceiving(now))
			}
		case stateWaitEnqReply:
			b := p[0]
			p = p[1:]
			switch b {
			case ACK:
				out = out.Merge(l.sendFrame(now))
			case NAK:
				l.state = stateIdle
				l.bidAt = now.Add(EnqRetryDelay)
				l.bidFailed++
				if l.bidFailed > MaxRetransmits {
					out = out.Merge(l.abandon(fmt.Errorf("astm: instrument refused ENQ %d times: %w", l.bidFailed, protocol.ErrDeliveryFailed)))
				}
			case ENQ:
				// Contention: the host yields and retries after the instrument is done.
				l.bidAt = now.Add(EnqRetryDelay)
				out = out.Merge(l.startReceiving(now))
			}
		case stateWaitFrameReply:
			b := p[0]
			p = p[1:]
			switch b {
			case ACK, EOT:
				l.next++
				l.retries = 0
				out = out.Merge(l.sendFrame(now))
			case NAK:
				l.retries++
				if l.retries > MaxRetransmits {
					out = out.Merge(l.abandonWithEOT(fmt.Errorf("astm: frame %d not accepted after %d retransmits: %w", l.next+1, MaxRetransmits, protocol.ErrDeliveryFailed)))
					continue
				}
				l.deadline = now.Add(SenderTimeout)
				out.Write = append(out.Write, l.frames[l.next]...)
			}
		case stateReceiving:
			l.buf = append(l.buf, p...)
			p = nil
			out = out.Merge(l.drain(now))
		}
	}
	return out
}

func (l *Link) startReceiving(now time.Time) protocol.Output {
	l.state = stateReceiving
	l.deadline = now.Add(ReceiveTimeout)
	l.expected = 1
	l.text.Reset()
	l.buf = l.buf[:0]
	return protocol.Output{Write: []byte{ACK}}
}

// drain consumes complete frames from the receive buffer.
func (l *Link) drain(now time.Time) protocol.Output {
	var out protocol.Output
	for len(l.buf) > 0 {
		switch l.buf[0] {
		case EOT:
			rest := l.buf[1:]
			if l.text.Len() > 0 {
				out.Messages = append(out.Messages, append([]byte(nil), l.text.Bytes()...))
			}
			l.text.Reset()
			l.state = stateIdle
			l.buf = nil
			if len(rest) > 0 {
				out = out.Merge(l.Receive(rest, now))
			}
			return out
		case STX:
			end := bytes.IndexByte(l.buf, LF)
			if end == -1 {
				if len(l.buf) > maxFrameSize {
					l.buf = l.buf[:0]
					out.Write = append(out.Write, NAK)
				}
				return out
			}
			frame := l.buf[:end+1]
			l.buf = l.buf[end+1:]
			l.deadline = now.Add(ReceiveTimeout)
			out.Write = append(out.Write, l.acceptFrame(frame))
		case ENQ:
			// A restarted bid from the instrument discards the partial message.
			l.buf = l.buf[1:]
			l.expected = 1
			l.text.Reset()
			out.Write = append(out.Write, ACK)
		default:
			l.buf = l.buf[1:]
		}
	}
	return out
}

// acceptFrame validates one frame and returns the reply byte.
func (l *Link) acceptFrame(frame []byte) byte {
	fn, text, _, err := ParseFrame(frame)
	if err != nil {
		return NAK
	}
	switch fn {
	case l.expected:
		l.text.Write(text)
		l.expected = (l.expected + 1) % 8
		return ACK
	case (l.expected + 7) % 8:
		// Retransmission of a frame already accepted.
		return ACK
	default:
		return NAK
	}
}

func (l *Link) sendFrame(now time.Time) protocol.Output {
	if l.next >= len(l.frames) {
		l.state = stateIdle
		l.pending = nil
		l.frames = nil
		return protocol.Output{Write: []byte{EOT}, Delivered: true}
	}
	l.state = stateWaitFrameReply
	l.deadline = now.Add(SenderTimeout)
	return protocol.Output{Write: append([]byte(nil), l.frames[l.next]...)}
}

func (l *Link) abandon(err error) protocol.Output {
	l.state = stateIdle
	l.pending = nil
	l.frames = nil
	return protocol.Output{Err: err}
}

func (l *Link) abandonWithEOT(err error) protocol.Output {
	out := l.abandon(err)
	out.Write = []byte{EOT}
	return out
}

// Tick fires link timers.
func (l *Link) Tick(now time.Time) protocol.Output {
	switch l.state {
	case stateIdle:
		if l.pending != nil && !now.Before(l.bidAt) {
			return l.bid(now)
		}
	case stateWaitEnqReply:
		if now.After(l.deadline) {
			l.state = stateIdle
			l.bidAt = now.Add(EnqRetryDelay)
			l.bidFailed++
			if l.bidFailed > MaxRetransmits {
				return l.abandon(fmt.Errorf("astm: no reply to ENQ: %w", protocol.ErrDeliveryFailed))
			}
			return protocol.Output{Write: []byte{EOT}}
		}
	case stateWaitFrameReply:
		if now.After(l.deadline) {
			return l.abandonWithEOT(fmt.Errorf("astm: no reply to frame %d: %w", l.next+1, protocol.ErrDeliveryFailed))
		}
	case stateReceiving:
		if now.After(l.deadline) {
			l.buf = nil
			l.text.Reset()
			return l.abandon(fmt.Errorf("astm: receive timeout, partial message discarded"))
		}
	}
	return protocol.Output{}
}

// BuildFrames splits a message into records on CR and each record into
// frames of at most FrameTextSize characters. Intermediate frames end with
// ETB, the last frame of a record with ETX. Frame numbers run 1..7,0,1...
func BuildFrames(msg []byte) [][]byte {
	var frames [][]byte
	fn := byte(1)
	for _, record := range strings.Split(strings.TrimRight(string(msg), "\r\n"), "\r") {
		record = strings.TrimLeft(record, "\n")
		if record == "" {
			continue
		}
		text := record + "\r"
		for len(text) > 0 {
			n := min(len(text), FrameTextSize)
			term := byte(ETB)
			if n == len(text) {
				term = ETX
			}
			frames = append(frames, Frame(fn, []byte(text[:n]), term))
			text = text[n:]
			fn = (fn + 1) % 8
		}
	}
	return frames
}

// Frame builds <STX> FN text <ETB|ETX> C1 C2 <CR><LF>.
func Frame(fn byte, text []byte, term byte) []byte {
	body := make([]byte, 0, len(text)+2)
	body = append(body, '0'+fn)
	body = append(body, text...)
	body = append(body, term)

	out := make([]byte, 0, len(body)+5)
	out = append(out, STX)
	out = append(out, body...)
	out = append(out, []byte(Checksum(body))...)
	return append(out, CR, LF)
}

// Checksum is the modulo-256 sum of the bytes from the frame number through
// ETB or ETX, as two uppercase hex digits.
func Checksum(body []byte) string {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return fmt.Sprintf("%02X", sum)
}

// ParseFrame validates one complete frame.
func ParseFrame(frame []byte) (fn byte, text []byte, last bool, err error) {
	if len(frame) < 7 || frame[0] != STX || frame[len(frame)-2] != CR || frame[len(frame)-1] != LF {
		return 0, nil, false, protocol.Decodef(protocol.ASTM, "malformed frame")
	}
	term := frame[len(frame)-5]
	if term != ETX && term != ETB {
		return 0, nil, false, protocol.Decodef(protocol.ASTM, "frame without ETX or ETB")
	}
	body := frame[1 : len(frame)-4]
	got := strings.ToUpper(string(frame[len(frame)-4 : len(frame)-2]))
	if want := Checksum(body); got != want {
		return 0, nil, false, protocol.Decodef(protocol.ASTM, "checksum %s, want %s", got, want)
	}
	if body[0] < '0' || body[0] > '7' {
		return 0, nil, false, protocol.Decodef(protocol.ASTM, "bad frame number %q", body[0])
	}
	return body[0] - '0', body[1 : len(body)-1], term == ETX, nil
}
