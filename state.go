package rtchannel

import "fmt"

// ConnState is the coarse lifecycle state of a Robust Channel, exposed via
// GetConnectionState for callers building their own connectivity
// indicators. A read-only public view over connection lifecycle state
// that is otherwise tracked only internally.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ConnectionState is a point-in-time, read-only snapshot of a Robust
// Channel's connection lifecycle.
type ConnectionState struct {
	State      ConnState
	LastError  error
	RetryCount int
}
