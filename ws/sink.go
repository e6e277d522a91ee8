package ws

import "fmt"

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventConnected
	EventDisconnected
	EventData
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventData:
		return "data"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	}
	return "invalid"
}

// Event is what the client reports upward. Data is set for EventData
// (with Opcode telling text from binary), Code for EventClosed.
type Event struct {
	Kind   EventKind
	Opcode Opcode
	Data   []byte
	Code   uint16
	Err    error
}

func (e Event) String() string {
	return fmt.Sprintf("ws.Event(%s op=%s len=%d code=%d err=%v)",
		e.Kind.String(), e.Opcode.String(), len(e.Data), e.Code, e.Err)
}

// Sink consumes client events. Handle must not block: it runs on the
// client's Process loop and the ping worker.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }
