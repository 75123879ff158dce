// Package wsadapter implements transport.Adapter over
// github.com/gorilla/websocket, the same library and dial/read-loop
// structure used by a relay connection pool
// (RelayPool.getOrCreateConn + RelayConn.readLoop).
package wsadapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rtchannel/internal/transport"
)

// Dialer dials real WebSocket connections with gorilla/websocket.
type Dialer struct {
	// Underlying is the dialer to use; defaults to
	// websocket.DefaultDialer when nil, matching relay_pool.go.
	Underlying *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial opens a new connection and starts its read loop. The returned
// Adapter has not yet fired OnOpen; callers must register callbacks
// immediately, since the read loop starts as soon as the handshake
// completes.
func (d *Dialer) Dial(ctx context.Context, url string) (transport.Adapter, error) {
	dialer := d.Underlying
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	a := &adapter{conn: conn}
	go a.readLoop()
	return a, nil
}

// adapter wraps a single *websocket.Conn. Writes are serialized with their
// own mutex distinct from the state mutex, mirroring RelayConn's
// mu/writeMu split in relay_pool.go: readLoop only ever touches state
// under mu, writers only ever touch the wire under writeMu.
type adapter struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	userClosing bool
	closeCode   int
	closeReason string
	onOpen      func()
	onMsg       func(string)
	onClose     func(int, string)
	onErr       func(error)
	openedOnce  sync.Once
}

var _ transport.Adapter = (*adapter)(nil)

func (a *adapter) OnOpen(fn func()) {
	a.mu.Lock()
	a.onOpen = fn
	a.mu.Unlock()
	// gorilla/websocket's dial already completed the handshake by the
	// time Dial returns, so "open" fires as soon as a callback is
	// registered rather than waiting on a separate event.
	a.fireOpen()
}

func (a *adapter) OnMessage(fn func(string)) {
	a.mu.Lock()
	a.onMsg = fn
	a.mu.Unlock()
}

func (a *adapter) OnClose(fn func(int, string)) {
	a.mu.Lock()
	a.onClose = fn
	a.mu.Unlock()
}

func (a *adapter) OnError(fn func(error)) {
	a.mu.Lock()
	a.onErr = fn
	a.mu.Unlock()
}

func (a *adapter) fireOpen() {
	a.openedOnce.Do(func() {
		a.mu.Lock()
		fn := a.onOpen
		a.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (a *adapter) Send(frame string) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Close writes a close control frame and tears down the connection. It
// does not itself fire OnClose — the read loop's next ReadMessage call
// observes the closed connection and calls markClosed, which is where
// OnClose fires exactly once, matching RelayConn: markClosed is only ever
// invoked from the reader's defer.
func (a *adapter) Close(code int, reason string) error {
	a.mu.Lock()
	if a.userClosing {
		a.mu.Unlock()
		return nil
	}
	a.userClosing = true
	a.closeCode = code
	a.closeReason = reason
	a.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	a.writeMu.Lock()
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	a.writeMu.Unlock()
	return a.conn.Close()
}

// readLoop mirrors RelayConn.readLoop: it owns the only reader on the
// connection and routes every inbound frame to onMessage, then calls
// markClosed exactly once on exit regardless of why the loop ended.
func (a *adapter) readLoop() {
	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			a.markClosed(err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		a.mu.Lock()
		closed := a.closed
		fn := a.onMsg
		a.mu.Unlock()
		if closed {
			return
		}
		if fn != nil {
			fn(string(data))
		}
	}
}

// markClosed fires OnClose exactly once. After a local Close() it reports
// the code/reason passed to Close; otherwise it extracts the code/reason
// from the close error gorilla/websocket surfaces through ReadMessage when
// one is available, and falls back to CloseNoStatusReceived (a dial drop
// or a plain connection reset).
func (a *adapter) markClosed(readErr error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	fn := a.onClose
	code, reason := websocket.CloseNoStatusReceived, ""
	if a.userClosing {
		code, reason = a.closeCode, a.closeReason
	}
	a.mu.Unlock()

	var closeErr *websocket.CloseError
	if code == websocket.CloseNoStatusReceived && errors.As(readErr, &closeErr) {
		code, reason = closeErr.Code, closeErr.Text
	}

	if fn != nil {
		fn(code, reason)
	}
}
