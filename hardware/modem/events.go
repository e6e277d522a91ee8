package modem

import "fmt"

type EventKind uint8

const (
	EventInvalid EventKind = iota
	EventSim
	EventRegistration
	EventDataContext
	EventSocket
)

func (k EventKind) String() string {
	switch k {
	case EventSim:
		return "sim"
	case EventRegistration:
		return "registration"
	case EventDataContext:
		return "data-context"
	case EventSocket:
		return "socket"
	}
	return "invalid"
}

// Event reports a session state transition. Up carries the new state of the
// named layer, Detail is human-readable context for the log.
type Event struct {
	Kind   EventKind
	Up     bool
	Detail string
}

func (e Event) String() string {
	return fmt.Sprintf("modem.Event(%s up=%t %s)", e.Kind.String(), e.Up, e.Detail)
}
