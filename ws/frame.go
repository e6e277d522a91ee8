// Package ws is a minimal WebSocket client sized for a modem link: masked
// outbound frames, 7 and 16 bit payload lengths, ping keepalive and timed
// reconnect. It is deliberately not a general RFC 6455 implementation.
package ws

import (
	"encoding/binary"

	"github.com/juju/errors"
)

type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return "reserved"
}

// MaxPayload bounds a single frame payload both ways. The modem's send
// buffer is small and the receive path has no reassembly, so anything
// larger must be split by the application.
const MaxPayload = 1024

const (
	finBit  = 0x80
	maskBit = 0x80
)

// ProtocolError is a wire-level violation: malformed frame, oversized
// length, handshake mismatch.
type ProtocolError string

func (e ProtocolError) Error() string { return "ws: " + string(e) }

// EncodeFrame builds one outbound frame: FIN always set, payload always
// masked with key. Payloads up to 125 bytes use the short length form,
// up to 65535 the 16-bit form. The 64-bit form is never produced because
// MaxPayload keeps us out of it.
func EncodeFrame(op Opcode, payload []byte, key [4]byte) ([]byte, error) {
	n := len(payload)
	if n > MaxPayload {
		return nil, errors.NotValidf("payload %d over limit %d", n, MaxPayload)
	}

	buf := make([]byte, 0, 2+8+4+n)
	buf = append(buf, finBit|byte(op))
	var ext [8]byte
	switch {
	case n < 126:
		buf = append(buf, maskBit|byte(n))
	case n <= 0xffff:
		buf = append(buf, maskBit|126)
		binary.BigEndian.PutUint16(ext[:2], uint16(n))
		buf = append(buf, ext[:2]...)
	default:
		buf = append(buf, maskBit|127)
		binary.BigEndian.PutUint64(ext[:8], uint64(n))
		buf = append(buf, ext[:8]...)
	}
	buf = append(buf, key[:]...)
	for i := 0; i < n; i++ {
		buf = append(buf, payload[i]^key[i&3])
	}
	return buf, nil
}

// Frame is one decoded inbound frame. The FIN bit is parsed but the client
// never reassembles fragments; a fragmented message arrives as separate
// Data events.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// DecodeFrame parses one frame from the head of raw and returns it with
// the number of header+payload bytes consumed. A declared length longer
// than the available bytes clamps to what arrived, the modem delivers
// large frames in pieces. 64-bit lengths and masked server frames are
// protocol errors here.
func DecodeFrame(raw []byte) (Frame, int, error) {
	var f Frame
	if len(raw) < 2 {
		return f, 0, ProtocolError("frame shorter than header")
	}
	f.Fin = raw[0]&finBit != 0
	f.Opcode = Opcode(raw[0] & 0x0f)
	if raw[1]&maskBit != 0 {
		return f, 0, ProtocolError("masked frame from server")
	}

	length := int(raw[1] & 0x7f)
	offset := 2
	switch length {
	case 126:
		if len(raw) < 4 {
			return f, 0, ProtocolError("truncated 16-bit length")
		}
		length = int(binary.BigEndian.Uint16(raw[2:4]))
		offset = 4
	case 127:
		return f, 0, ProtocolError("64-bit length not supported")
	}

	avail := len(raw) - offset
	if length > avail {
		length = avail
	}
	f.Payload = raw[offset : offset+length]
	return f, offset + length, nil
}

// CloseCode extracts the status code from a close frame payload, 0 when
// the peer sent none.
func CloseCode(payload []byte) uint16 {
	if len(payload) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(payload[:2])
}
