package rtchannel

import (
	"context"
	"testing"
	"time"

	"rtchannel/internal/clock"
	"rtchannel/internal/clock/clocktest"
	"rtchannel/internal/transport/wstest"
)

func newTestOpts(fc *clocktest.FakeClock) (Options, *wstest.DialerState) {
	dialer, state := wstest.NewDialer()
	opts := DefaultOptions()
	opts.Clock = fc
	opts.Dialer = dialer
	opts.Scheduler = clock.NewScheduler(64)
	opts.RetryIntervalMin = time.Second
	opts.RetryIntervalMax = 4 * time.Second
	opts.RetryIntervalIncrease = time.Second
	opts.RequestTimeout = time.Second
	opts.fillDefaults()
	return opts, state
}

func staticResolver(url string) AddressResolver {
	return func(ctx context.Context, httpDomain, account, site, jwt string) (string, error) {
		return url, nil
	}
}

// authServer drives a freshly dialed server through the raw-JWT handshake.
func authServer(t *testing.T, srv *wstest.Server, issued, expiration int64) {
	t.Helper()
	go func() {
		select {
		case <-srv.Sent:
		case <-time.After(time.Second):
		}
		srv.Push(`{"uniqueId":"authSuccess","payload":{"tokenIssued":` +
			itoa(issued) + `,"tokenExpiration":` + itoa(expiration) + `}}`)
	}()
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestConnectAuthenticatesAndReturnsAuthPayload(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(0, 0))
	opts, state := newTestOpts(fc)
	r := NewRobustChannel("http.example", "acct", "site", staticResolver("ws://x"), opts)

	done := make(chan struct{})
	var auth authSuccessPayload
	var connErr error
	go func() {
		auth, connErr = r.Connect(context.Background(), "jwt-1")
		close(done)
	}()

	waitForDial(t, state)
	authServer(t, state.Last(), 1000, 2000)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Connect did not return")
	}
	if connErr != nil {
		t.Fatalf("Connect: %v", connErr)
	}
	if auth.TokenIssued != 1000 || auth.TokenExpiration != 2000 {
		t.Fatalf("unexpected auth payload: %+v", auth)
	}
	if got := r.GetConnectionState().State; got != StateConnected {
		t.Fatalf("expected StateConnected, got %v", got)
	}
}

func waitForDial(t *testing.T, state *wstest.DialerState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state.Last() != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("dial never happened")
}

func TestConnectRejectsEmptyJWT(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(0, 0))
	opts, _ := newTestOpts(fc)
	r := NewRobustChannel("http.example", "acct", "site", staticResolver("ws://x"), opts)

	if _, err := r.Connect(context.Background(), ""); err == nil {
		t.Fatal("expected an error for an empty jwt")
	}
}

func TestUnexpectedCloseReconnectsAfterRetryIntervalMin(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(0, 0))
	opts, state := newTestOpts(fc)
	r := NewRobustChannel("http.example", "acct", "site", staticResolver("ws://x"), opts)

	connDone := make(chan struct{})
	go func() {
		r.Connect(context.Background(), "jwt-1")
		close(connDone)
	}()
	waitForDial(t, state)
	authServer(t, state.Last(), 1000, 2000)
	<-connDone

	first := state.Last()

	// Unexpected close: the reconnect timer should arm at RetryIntervalMin.
	first.CloseFromServer(1006, "abnormal")
	waitForState(t, r, StateReconnecting)

	fc.Advance(time.Second) // RetryIntervalMin
	waitForDialCount(t, state, 2)
	authServer(t, state.Last(), 1000, 2000)
	waitForState(t, r, StateConnected)

	if state.Count() != 2 {
		t.Fatalf("expected exactly one reconnect dial, got %d total dials", state.Count())
	}
}

func TestReconnectBackoffEscalatesOnRepeatedFailure(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(0, 0))
	opts, state := newTestOpts(fc)
	r := NewRobustChannel("http.example", "acct", "site", staticResolver("ws://x"), opts)

	connDone := make(chan struct{})
	go func() {
		r.Connect(context.Background(), "jwt-1")
		close(connDone)
	}()
	waitForDial(t, state)
	authServer(t, state.Last(), 1000, 2000)
	<-connDone

	state.Last().CloseFromServer(1006, "abnormal")
	waitForState(t, r, StateReconnecting)

	// First reconnect attempt fails (dial error).
	state.FailNextDial(errDial)
	fc.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	waitForState(t, r, StateReconnecting)

	// Backoff must have escalated to RetryIntervalMin + RetryIntervalIncrease = 2s.
	fc.Advance(time.Second) // only 1s elapsed since failure; must not reconnect yet
	time.Sleep(20 * time.Millisecond)
	if state.Count() != 1 {
		t.Fatalf("expected no successful dial yet, got %d", state.Count())
	}

	fc.Advance(time.Second) // total 2s since failure
	waitForDialCount(t, state, 2)
	authServer(t, state.Last(), 1000, 2000)
	waitForState(t, r, StateConnected)
}

func waitForState(t *testing.T, r *RobustChannel, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.GetConnectionState().State == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never reached state %v, last was %v", want, r.GetConnectionState().State)
}

func waitForDialCount(t *testing.T, state *wstest.DialerState, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if state.Count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("dial count never reached %d, was %d", n, state.Count())
}

func TestCloseInstallsClosureCallbackBeforeTeardown(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(0, 0))
	opts, state := newTestOpts(fc)

	closeNotified := make(chan int, 1)
	opts.OnClose = func(code int, reason string) { closeNotified <- code }

	r := NewRobustChannel("http.example", "acct", "site", staticResolver("ws://x"), opts)

	connDone := make(chan struct{})
	go func() {
		r.Connect(context.Background(), "jwt-1")
		close(connDone)
	}()
	waitForDial(t, state)
	authServer(t, state.Last(), 1000, 2000)
	<-connDone

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.GetConnectionState().State != StateDisconnected {
		t.Fatalf("expected StateDisconnected after Close, got %v", r.GetConnectionState().State)
	}

	select {
	case code := <-closeNotified:
		if code != 1000 {
			t.Fatalf("expected close code 1000, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClose was not invoked after Close")
	}

	// A user-initiated close must not trigger a reconnect even though
	// ReopenBrokenConnection is true by default.
	time.Sleep(50 * time.Millisecond)
	if state.Count() != 1 {
		t.Fatalf("Close must not trigger reconnection, got %d dials", state.Count())
	}
}

var errDial = &CloseError{Code: 1006, Reason: "dial failed"}
