// Package wstest provides an in-process fake transport.Adapter so the
// Request Handler, Robust Channel, Authenticated Channel and Event Channel
// can be tested without a real socket. Multiple channels can run against
// independent fake transports in the same process.
package wstest

import (
	"context"
	"sync"

	"rtchannel/internal/transport"
)

// Server is the test double for "the other end of the wire". Frames sent
// by the adapter under test arrive on Sent; the test pushes frames back
// with Push, and closes the connection with the client's Close() or the
// server's own CloseFromServer.
type Server struct {
	mu   sync.Mutex
	adp  *fakeAdapter
	Sent chan string
}

// NewDialer returns a transport.Dialer whose single Dial call returns an
// Adapter wired to the returned Server. A second Dial call produces a
// fresh, independent pair (simulating a reconnect to a fresh socket).
func NewDialer() (transport.Dialer, *DialerState) {
	state := &DialerState{}
	dialer := transport.DialerFunc(func(ctx context.Context, url string) (transport.Adapter, error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.nextErr != nil {
			err := state.nextErr
			state.nextErr = nil
			return nil, err
		}
		srv := &Server{Sent: make(chan string, 64)}
		a := &fakeAdapter{server: srv}
		srv.adp = a
		state.dials = append(state.dials, srv)
		state.lastURL = url
		return a, nil
	})
	return dialer, state
}

// DialerState records every dial the test-side Dialer has produced, so a
// test can drive reconnects by grabbing state.Last() after each dial.
type DialerState struct {
	mu      sync.Mutex
	dials   []*Server
	lastURL string
	nextErr error
}

// FailNextDial makes the next Dial call return err instead of connecting.
func (s *DialerState) FailNextDial(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextErr = err
}

// Last returns the most recently created Server, or nil if none yet.
func (s *DialerState) Last() *Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dials) == 0 {
		return nil
	}
	return s.dials[len(s.dials)-1]
}

// LastURL returns the URL passed to the most recent Dial call.
func (s *DialerState) LastURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURL
}

// Count returns how many times Dial has succeeded.
func (s *DialerState) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dials)
}

// Push delivers frame to the adapter's OnMessage callback, as if the
// server had sent it.
func (s *Server) Push(frame string) {
	s.mu.Lock()
	a := s.adp
	s.mu.Unlock()
	a.deliver(frame)
}

// CloseFromServer simulates the server closing the connection.
func (s *Server) CloseFromServer(code int, reason string) {
	s.mu.Lock()
	a := s.adp
	s.mu.Unlock()
	a.serverClose(code, reason)
}

type fakeAdapter struct {
	server *Server

	mu      sync.Mutex
	closed  bool
	onOpen  func()
	onMsg   func(string)
	onClose func(int, string)
	onErr   func(error)
}

var _ transport.Adapter = (*fakeAdapter)(nil)

func (a *fakeAdapter) OnOpen(fn func()) {
	a.mu.Lock()
	a.onOpen = fn
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (a *fakeAdapter) OnMessage(fn func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMsg = fn
}

func (a *fakeAdapter) OnClose(fn func(int, string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClose = fn
}

func (a *fakeAdapter) OnError(fn func(error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onErr = fn
}

func (a *fakeAdapter) Send(frame string) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return transport.ErrAdapterClosed
	}
	a.server.Sent <- frame
	return nil
}

func (a *fakeAdapter) Close(code int, reason string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	fn := a.onClose
	a.mu.Unlock()
	if fn != nil {
		fn(code, reason)
	}
	return nil
}

func (a *fakeAdapter) deliver(frame string) {
	a.mu.Lock()
	fn := a.onMsg
	closed := a.closed
	a.mu.Unlock()
	if !closed && fn != nil {
		fn(frame)
	}
}

func (a *fakeAdapter) serverClose(code int, reason string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	fn := a.onClose
	a.mu.Unlock()
	if fn != nil {
		fn(code, reason)
	}
}
