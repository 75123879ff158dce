package rtchannel

import "fmt"

// Sentinel errors for the channel's error taxonomy. Callers should compare with
// errors.Is, since these are sometimes wrapped with contextual information
// (correlation id, action).
var (
	// ErrTimeout is returned when a request's timeout elapses before a
	// matching response arrives.
	ErrTimeout = fmt.Errorf("rtchannel: timeout")

	// ErrSocketClosed is returned to every in-flight request when the
	// socket closes, and by a Request Handler whose socket has closed.
	// Channel-level operations attempted after close return
	// ErrNotConnected instead.
	ErrSocketClosed = fmt.Errorf("rtchannel: socket closed")

	// ErrNotConnected is returned synchronously by operations that require
	// a live session when none exists.
	ErrNotConnected = fmt.Errorf("rtchannel: not connected")

	// ErrInvalidArgument is returned synchronously for bad input: an empty
	// JWT, an unknown event type, a filter key outside the event type's
	// allowed set. Filter keys are not checked for presence; no key is
	// required.
	ErrInvalidArgument = fmt.Errorf("rtchannel: invalid argument")

	// ErrInvalidToken is returned when the auth handshake's first inbound
	// frame is not a well-formed authSuccess envelope.
	ErrInvalidToken = fmt.Errorf("rtchannel: invalid token")

	// ErrNoHandler is logged, never returned, when an inbound frame
	// matches no tracked request and no registered server listener.
	ErrNoHandler = fmt.Errorf("rtchannel: no handler for uniqueId/action")
)

// ServerRejectionError wraps a non-"ok" response status returned by the
// server for an RPC.
type ServerRejectionError struct {
	UniqueID string
	Status   string
}

func (e *ServerRejectionError) Error() string {
	return fmt.Sprintf("rtchannel: server rejected %q: %s", e.UniqueID, e.Status)
}

// CloseError carries the code/reason a transport reported on an
// unexpected close, used when rejecting a connect attempt.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("rtchannel: connection closed (code=%d reason=%q)", e.Code, e.Reason)
}
