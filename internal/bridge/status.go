package bridge

import "fmt"

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a state plus its payload. Attempt is set while reconnecting; Err carries the
// cause of Reconnecting and Failed.
type Status struct {
	State   State
	Attempt int
	Err     error
}

// Terminal reports whether no further transitions will happen.
func (s Status) Terminal() bool {
	return s.State == StateFailed || s.State == StateDisconnected
}

func (s Status) String() string {
	if s.State == StateReconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.State.String()
}
