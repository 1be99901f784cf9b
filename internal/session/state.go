package session

import "fmt"

// State is the lifecycle state of the live connection.
type State int

const (
	// Uninitialized is the state before the first Start and after Stop.
	Uninitialized State = iota
	// Connecting means a connection attempt is in flight.
	Connecting
	// Open means the service accepted the session.
	Open
	// Error means the connection failed; a new Start is required.
	Error
	// Closed means the connection ended; a new Start is required.
	Closed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Error:
		return "error"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// startable reports whether a new connection may be started from s.
func (s State) startable() bool {
	return s == Uninitialized || s == Error || s == Closed
}
