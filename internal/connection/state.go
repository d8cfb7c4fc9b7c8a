package connection

import "fmt"

// State is the lifecycle state of the broker connection.
type State int32

// Connection states. The zero value is Disconnected.
const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is what status observers receive on every transition. Err is
// the failure or disconnect reason for Failed and Disconnected, and nil
// otherwise (including a clean, requested disconnect).
type Status struct {
	State State
	Err   error
}

// ErrorString returns Err's message, or "" when Err is nil.
func (s Status) ErrorString() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
