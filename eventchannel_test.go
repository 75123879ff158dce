package rtchannel

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"rtchannel/internal/clock/clocktest"
	"rtchannel/internal/filters"
	"rtchannel/internal/transport/wstest"
)

func newConnectedEventChannel(t *testing.T, fc *clocktest.FakeClock) (*EventChannel, *wstest.DialerState) {
	t.Helper()
	dialer, state := wstest.NewDialer()
	opts := DefaultOptions()
	opts.Clock = fc
	opts.Dialer = dialer
	opts.RequestTimeout = time.Second
	opts.RetryIntervalMin = time.Second
	opts.RetryIntervalMax = 4 * time.Second
	opts.RetryIntervalIncrease = time.Second
	opts.WaitForFailedReRegistration = time.Second
	opts.AutomaticTokenRenewal = false

	ec := NewEventChannel("http.example", "acct", "site", staticResolver("ws://x"),
		func(ctx context.Context, authDomain string) (string, error) { return "jwt-1", nil },
		"auth.example", opts)

	connDone := make(chan struct{})
	go func() {
		ec.Connect(context.Background(), "jwt-1")
		close(connDone)
	}()
	waitForDial(t, state)
	authServer(t, state.Last(), 1000, 2000)
	<-connDone

	return ec, state
}

func TestGetSiteHappyPath(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	ec, state := newConnectedEventChannel(t, fc)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := ec.GetSite(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- out
	}()

	select {
	case frame := <-state.Last().Sent:
		var out outboundRequest
		if err := json.Unmarshal([]byte(frame), &out); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if out.Action != "getSite" {
			t.Fatalf("expected action %q, got %q", "getSite", out.Action)
		}
		state.Last().Push(`{"uniqueId":"` + out.UniqueID + `","status":"ok","payload":{"name":"X"}}`)
	case <-time.After(time.Second):
		t.Fatal("getSite request was not sent")
	}

	select {
	case out := <-resultCh:
		if string(out) != `{"name":"X"}` {
			t.Fatalf("unexpected payload: %s", out)
		}
	case err := <-errCh:
		t.Fatalf("GetSite failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("GetSite did not return")
	}
}

func TestRegisterLocationUpdateFiltersAndDropsEmptyResult(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	ec, state := newConnectedEventChannel(t, fc)

	delivered := make(chan json.RawMessage, 4)
	regDone := make(chan struct {
		id  string
		err error
	}, 1)
	go func() {
		id, err := ec.RegisterLocationUpdate(func(p json.RawMessage) { delivered <- p }, []string{"7", "8"})
		regDone <- struct {
			id  string
			err error
		}{id, err}
	}()

	var correlationID string
	select {
	case frame := <-state.Last().Sent:
		var out outboundRequest
		json.Unmarshal([]byte(frame), &out)
		if out.Action != "registerTagLocation" {
			t.Fatalf("expected action %q, got %q", "registerTagLocation", out.Action)
		}
		correlationID = out.UniqueID
		state.Last().Push(`{"uniqueId":"` + correlationID + `","status":"ok","payload":null}`)
	case <-time.After(time.Second):
		t.Fatal("register request was not sent")
	}

	res := <-regDone
	if res.err != nil {
		t.Fatalf("RegisterLocationUpdate: %v", res.err)
	}
	if res.id != correlationID {
		t.Fatalf("expected returned correlation id %q, got %q", correlationID, res.id)
	}

	// Server pushes a locationUpdate containing both an admitted device (7)
	// and a non-admitted one (5); only device 7 should be delivered.
	state.Last().Push(`{"action":"locationUpdate","status":"ok","payload":{"5":{"x":1,"y":1},"7":{"x":2,"y":2}}}`)

	select {
	case payload := <-delivered:
		var m map[string]json.RawMessage
		json.Unmarshal(payload, &m)
		if len(m) != 1 {
			t.Fatalf("expected exactly one surviving device, got %v", m)
		}
		if _, ok := m["7"]; !ok {
			t.Fatalf("expected device 7 to survive filtering, got %v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered locationUpdate was not delivered")
	}

	// A locationUpdate with only non-admitted devices must drop entirely
	// (no callback invocation).
	state.Last().Push(`{"action":"locationUpdate","status":"ok","payload":{"5":{"x":9,"y":9}}}`)
	select {
	case payload := <-delivered:
		t.Fatalf("expected no delivery for an all-filtered-out update, got %s", payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegisterTimesOutWhenServerNeverResponds(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	dialer, state := wstest.NewDialer()
	opts := DefaultOptions()
	opts.Clock = fc
	opts.Dialer = dialer
	opts.RequestTimeout = 10 * time.Second
	opts.AutomaticTokenRenewal = false

	ec := NewEventChannel("http.example", "acct", "site", staticResolver("ws://x"),
		func(ctx context.Context, authDomain string) (string, error) { return "jwt-1", nil },
		"auth.example", opts)

	connDone := make(chan struct{})
	go func() {
		ec.Connect(context.Background(), "jwt-1")
		close(connDone)
	}()
	waitForDial(t, state)
	authServer(t, state.Last(), 1000, 2000)
	<-connDone

	errCh := make(chan error, 1)
	go func() {
		_, err := ec.RegisterLocationUpdate(func(json.RawMessage) {}, nil)
		errCh <- err
	}()

	<-state.Last().Sent // the register request, never answered

	fc.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	fc.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	fc.Advance(5 * time.Second)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("Register did not time out")
	}
}

func TestUnregisterRemovesLocalStateAndSendsUnsubscribe(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	ec, state := newConnectedEventChannel(t, fc)

	regDone := make(chan string, 1)
	go func() {
		id, _ := ec.RegisterLocationUpdate(func(json.RawMessage) {}, nil)
		regDone <- id
	}()

	var correlationID string
	select {
	case frame := <-state.Last().Sent:
		var out outboundRequest
		json.Unmarshal([]byte(frame), &out)
		correlationID = out.UniqueID
		state.Last().Push(`{"uniqueId":"` + correlationID + `","status":"ok","payload":null}`)
	case <-time.After(time.Second):
		t.Fatal("register request was not sent")
	}
	id := <-regDone

	if !ec.Unregister(id) {
		t.Fatal("expected Unregister to report the descriptor existed")
	}
	if ec.Unregister(id) {
		t.Fatal("expected a second Unregister of the same id to report false")
	}

	select {
	case frame := <-state.Last().Sent:
		var out outboundRequest
		json.Unmarshal([]byte(frame), &out)
		if out.Action != "unregisterTagLocation" {
			t.Fatalf("expected unsubscribe action %q, got %q", "unregisterTagLocation", out.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("unregister request was not sent")
	}
}

func TestReconnectReRegistersSubscriptionsWithOriginalCorrelationID(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	ec, state := newConnectedEventChannel(t, fc)

	regDone := make(chan string, 1)
	go func() {
		id, _ := ec.RegisterLocationUpdate(func(json.RawMessage) {}, nil)
		regDone <- id
	}()

	var correlationID string
	select {
	case frame := <-state.Last().Sent:
		var out outboundRequest
		json.Unmarshal([]byte(frame), &out)
		correlationID = out.UniqueID
		state.Last().Push(`{"uniqueId":"` + correlationID + `","status":"ok","payload":null}`)
	case <-time.After(time.Second):
		t.Fatal("register request was not sent")
	}
	<-regDone

	firstServer := state.Last()
	firstServer.CloseFromServer(1006, "abnormal")

	fc.Advance(time.Second) // RetryIntervalMin
	waitForDialCount(t, state, 2)
	authServer(t, state.Last(), 1000, 2000)

	select {
	case frame := <-state.Last().Sent:
		var out outboundRequest
		json.Unmarshal([]byte(frame), &out)
		if out.Action != "registerTagLocation" {
			t.Fatalf("expected re-registration action %q, got %q", "registerTagLocation", out.Action)
		}
		if out.UniqueID != correlationID {
			t.Fatalf("expected re-registration to keep correlation id %q, got %q", correlationID, out.UniqueID)
		}
		state.Last().Push(`{"uniqueId":"` + out.UniqueID + `","status":"ok","payload":null}`)
	case <-time.After(time.Second):
		t.Fatal("re-registration request was not sent after reconnect")
	}
}

func TestRegisterRejectsUnknownFilterKey(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	ec, _ := newConnectedEventChannel(t, fc)

	_, err := ec.Register(filters.EventLocationUpdate, map[string]interface{}{"bogus": true}, func(json.RawMessage) {}, "")
	if err == nil {
		t.Fatal("expected an error for a disallowed filter key")
	}
}

func TestRegisterRejectsNilCallback(t *testing.T) {
	fc := clocktest.NewFakeClock(time.Unix(1000, 0))
	ec, _ := newConnectedEventChannel(t, fc)

	_, err := ec.Register(filters.EventLocationUpdate, nil, nil, "")
	if err == nil {
		t.Fatal("expected an error for a nil callback")
	}
}
