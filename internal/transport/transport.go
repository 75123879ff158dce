// Package transport abstracts a WebSocket connection down to the four
// operations and four lifecycle callbacks the core actually needs: connect,
// send a text frame, receive a text frame (via callback), and close with a
// code and reason. Everything above this line (ping/pong framing, JSON
// envelopes, auth handshake) is the core's concern, not the adapter's.
package transport

import (
	"context"
	"errors"
)

// ErrAdapterClosed is returned by Send when called on a closed Adapter.
var ErrAdapterClosed = errors.New("transport: adapter closed")

// Adapter is a single WebSocket connection. An Adapter is created already
// dialing (or already failed); callers learn the outcome through the
// lifecycle callbacks registered before Dial returns control, matching the
// "wait for onopen or onerror/onclose" handshake WebSocket clients use.
type Adapter interface {
	// Send writes a single text frame. Send must not be called before
	// OnOpen has fired, and must not be called after Close.
	Send(frame string) error

	// Close closes the connection with the given status code and reason.
	// It is idempotent; the OnClose callback still fires exactly once.
	Close(code int, reason string) error

	// OnOpen registers the callback invoked once the connection is
	// established and ready for Send.
	OnOpen(fn func())

	// OnMessage registers the callback invoked once per inbound text
	// frame, in arrival order.
	OnMessage(fn func(frame string))

	// OnClose registers the callback invoked exactly once when the
	// connection closes, whether user-initiated or not.
	OnClose(fn func(code int, reason string))

	// OnError registers the callback invoked on a transport-level error
	// that does not by itself imply OnClose has fired (e.g. a dial
	// failure before any OnOpen).
	OnError(fn func(err error))
}

// Dialer opens a new Adapter to url. Implementations must register no
// callbacks of their own; the caller registers OnOpen/OnMessage/OnClose/
// OnError on the returned Adapter before any event can fire, or races the
// connection's own goroutines.
type Dialer interface {
	Dial(ctx context.Context, url string) (Adapter, error)
}

// DialerFunc adapts a plain function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Adapter, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string) (Adapter, error) {
	return f(ctx, url)
}
