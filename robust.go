package rtchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rtchannel/internal/clock"
	"rtchannel/internal/metrics"
	"rtchannel/internal/transport"
)

// AddressResolver resolves an account/site pair to a direct WebSocket URL.
// The HTTP call itself is an external collaborator; the core
// only consumes this narrow interface.
type AddressResolver func(ctx context.Context, httpDomain, account, site, jwt string) (string, error)

// RobustChannel owns the socket lifecycle: connect, authenticate, install
// a Request Handler; on unexpected close, schedule a backed-off reconnect;
// on successful reconnect, notify the upper layer.
//
// Grounded on relay_pool.go's dial-then-read-loop lifecycle and on
// SubscriptionAggregator.subscriptionLoop's retry-with-delay pattern in
// subscription_aggregator.go, generalized from "keep a timeline warm" to
// "keep one authenticated session alive".
type RobustChannel struct {
	httpDomain string
	account    string
	site       string
	resolver   AddressResolver

	opts Options
	log  *slog.Logger

	mu            sync.Mutex
	state         ConnState
	lastErr       error
	retryCount    int
	connected     bool
	userClosing   bool
	handler       *RequestHandler
	socket        transport.Adapter
	lastJWT       string
	retryInterval time.Duration
	retryTimer    clock.Timer
	lastAuth      authSuccessPayload

	// onConnected fires after every successful authentication (initial
	// connect and every reconnect); the Authenticated Channel uses it to
	// (re)schedule token refresh.
	onConnected func(authSuccessPayload)
	// onReconnect fires only after a *successful reconnect* (never the
	// initial connect); the Event Channel uses it to re-drive
	// subscriptions.
	onReconnect func()
}

// NewRobustChannel constructs a channel for a single account/site, talking
// to httpDomain for address resolution unless opts.GetWsAddress overrides
// it. opts should already have fillDefaults applied by the caller (the
// Event Channel constructor does this). options layers functional
// overrides (WithClock, WithDialer, ...) on top of opts before it is used.
func NewRobustChannel(httpDomain, account, site string, resolver AddressResolver, opts Options, options ...Option) *RobustChannel {
	for _, o := range options {
		o(&opts)
	}
	return &RobustChannel{
		httpDomain:    httpDomain,
		account:       account,
		site:          site,
		resolver:      resolver,
		opts:          opts,
		log:           opts.Logger,
		state:         StateDisconnected,
		retryInterval: opts.RetryIntervalMin,
	}
}

// SetOnConnected registers the hook fired after every successful
// authentication (initial or reconnect).
func (r *RobustChannel) SetOnConnected(fn func(authSuccessPayload)) {
	r.mu.Lock()
	r.onConnected = fn
	r.mu.Unlock()
}

// SetOnReconnect registers the hook fired only after a successful
// reconnect (not the initial connect).
func (r *RobustChannel) SetOnReconnect(fn func()) {
	r.mu.Lock()
	r.onReconnect = fn
	r.mu.Unlock()
}

// Connect resolves the WebSocket address, dials, and authenticates.
func (r *RobustChannel) Connect(ctx context.Context, jwt string) (authSuccessPayload, error) {
	if jwt == "" {
		return authSuccessPayload{}, fmt.Errorf("%w: jwt must not be empty", ErrInvalidArgument)
	}

	r.mu.Lock()
	if r.connected {
		auth := r.lastAuth
		r.mu.Unlock()
		return auth, nil
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.state = StateConnecting
	r.mu.Unlock()

	resolve := r.resolver
	if r.opts.GetWsAddress != nil {
		resolve = r.opts.GetWsAddress
	}

	url, err := resolve(ctx, r.httpDomain, r.account, r.site, jwt)
	if err != nil {
		r.setDisconnected(err)
		return authSuccessPayload{}, fmt.Errorf("rtchannel: resolve address: %w", err)
	}

	dialed, err := r.opts.Dialer.Dial(ctx, url)
	if err != nil {
		r.setDisconnected(err)
		return authSuccessPayload{}, fmt.Errorf("rtchannel: dial: %w", err)
	}
	adapter := newConnRelay(dialed)

	if err := waitForOpen(ctx, adapter); err != nil {
		r.setDisconnected(err)
		return authSuccessPayload{}, err
	}

	auth, err := authenticate(ctx, adapter, jwt)
	if err != nil {
		_ = adapter.Close(1002, "auth failed")
		r.setDisconnected(err)
		return authSuccessPayload{}, err
	}

	handler := NewRequestHandler(adapter, RequestHandlerOptions{
		DefaultTimeout:    r.opts.RequestTimeout,
		Logger:            r.opts.Logger,
		Clock:             r.opts.Clock,
		Scheduler:         r.opts.Scheduler,
		LogRawMessages:    r.opts.LogRawMessages,
		OnUnexpectedClose: r.handleUnexpectedClose,
	})

	r.mu.Lock()
	r.handler = handler
	r.socket = adapter
	r.lastJWT = jwt
	r.retryInterval = r.opts.RetryIntervalMin
	r.retryCount = 0
	r.connected = true
	r.userClosing = false
	r.state = StateConnected
	r.lastAuth = auth
	r.lastErr = nil
	onConnected := r.onConnected
	r.mu.Unlock()

	if onConnected != nil {
		r.opts.Scheduler.Post(func() { onConnected(auth) })
	}
	if r.opts.OnConnect != nil {
		r.opts.Scheduler.Post(r.opts.OnConnect)
	}

	return auth, nil
}

// handleUnexpectedClose is the Request Handler's reconnect callback: it
// fires only when the close was not user-initiated (SetClosureCallback
// took the other branch in that case).
func (r *RobustChannel) handleUnexpectedClose() {
	r.mu.Lock()
	r.handler = nil
	r.socket = nil
	r.connected = false
	jwt := r.lastJWT
	userClosing := r.userClosing
	r.mu.Unlock()

	if userClosing {
		return
	}

	r.setDisconnected(ErrSocketClosed)
	if r.opts.OnClose != nil {
		r.opts.Scheduler.Post(func() { r.opts.OnClose(0, "") })
	}

	if !r.opts.ReopenBrokenConnection {
		return
	}
	r.scheduleReconnect(jwt)
}

func (r *RobustChannel) scheduleReconnect(jwt string) {
	r.mu.Lock()
	r.state = StateReconnecting
	interval := r.retryInterval
	if interval <= 0 {
		interval = r.opts.RetryIntervalMin
	}
	r.retryCount++
	attempt := r.retryCount
	r.mu.Unlock()

	if r.opts.OnReconnecting != nil {
		r.opts.Scheduler.Post(func() { r.opts.OnReconnecting(attempt, interval) })
	}

	timer := r.opts.Clock.AfterFunc(interval, func() { r.attemptReconnect(jwt) })

	r.mu.Lock()
	r.retryTimer = timer
	r.mu.Unlock()
}

func (r *RobustChannel) attemptReconnect(jwt string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	defer cancel()

	metrics.ReconnectAttemptsTotal.Add(1)
	_, err := r.Connect(ctx, jwt)
	if err != nil {
		r.log.Info("reconnect attempt failed", "error", err)

		r.mu.Lock()
		next := r.retryInterval + r.opts.RetryIntervalIncrease
		if next > r.opts.RetryIntervalMax {
			next = r.opts.RetryIntervalMax
		}
		r.retryInterval = next
		r.mu.Unlock()

		r.scheduleReconnect(jwt)
		return
	}

	r.log.Info("reconnected")
	metrics.ReconnectSuccessTotal.Add(1)

	r.mu.Lock()
	onReconnect := r.onReconnect
	r.mu.Unlock()

	if onReconnect != nil {
		r.opts.Scheduler.Post(onReconnect)
	}
}

// Close marks the handler's closure callback so reconnection will not
// fire, cancels any retry timer, closes the socket, and blocks until the
// handler's close callback confirms teardown.
func (r *RobustChannel) Close() error {
	r.mu.Lock()
	r.userClosing = true
	handler := r.handler
	socket := r.socket
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	r.mu.Unlock()

	if handler == nil || socket == nil {
		r.setDisconnected(nil)
		return nil
	}

	done := make(chan struct{})
	handler.SetClosureCallback(func() {
		r.mu.Lock()
		r.connected = false
		r.handler = nil
		r.socket = nil
		r.state = StateDisconnected
		r.mu.Unlock()

		if r.opts.OnClose != nil {
			r.opts.Scheduler.Post(func() { r.opts.OnClose(1000, "closed by client") })
		}
		close(done)
	})

	if err := socket.Close(1000, "closed by client"); err != nil {
		return err
	}
	<-done
	return nil
}

// SendMessageRaw generates a fresh correlation id, builds
// {uniqueId, action, payload}, and delegates to the current Request
// Handler. Fails with ErrNotConnected if no socket is open.
func (r *RobustChannel) SendMessageRaw(action string, payload interface{}) (*Future, error) {
	h := r.CurrentHandler()
	if h == nil {
		return nil, ErrNotConnected
	}
	return h.SendRequest(Message{UniqueID: uuid.NewString(), Action: action, Payload: payload}, 0, "")
}

// CurrentHandler returns the live Request Handler, or nil if disconnected.
func (r *RobustChannel) CurrentHandler() *RequestHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

// GetConnectionState returns a read-only snapshot of the channel's
// lifecycle state (SPEC_FULL §9 supplemented feature).
func (r *RobustChannel) GetConnectionState() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ConnectionState{State: r.state, LastError: r.lastErr, RetryCount: r.retryCount}
}

func (r *RobustChannel) setDisconnected(err error) {
	r.mu.Lock()
	r.connected = false
	r.state = StateDisconnected
	r.lastErr = err
	r.mu.Unlock()
}

// connRelay wraps a freshly dialed transport.Adapter and installs its
// lifecycle callbacks on the underlying adapter exactly once, at wrap time,
// before Connect's handshake (waitForOpen -> authenticate -> NewRequestHandler)
// gets a chance to call Send or register anything. Each of those stages
// still calls OnOpen/OnMessage/OnClose/OnError as if registering directly
// on the adapter; connRelay only ever swaps which function an event is
// forwarded to and replays anything that arrived before a consumer was
// installed, so there is never a window where the underlying adapter has
// no OnMessage/OnClose installed and silently drops a frame.
type connRelay struct {
	transport.Adapter

	mu      sync.Mutex
	onOpen  func()
	onMsg   func(string)
	onClose func(int, string)
	onErr   func(error)

	opened  bool
	backlog []string

	closed      bool
	closeCode   int
	closeReason string
}

var _ transport.Adapter = (*connRelay)(nil)

func newConnRelay(underlying transport.Adapter) *connRelay {
	r := &connRelay{Adapter: underlying}
	underlying.OnOpen(r.fireOpen)
	underlying.OnMessage(r.fireMessage)
	underlying.OnClose(r.fireClose)
	underlying.OnError(r.fireError)
	return r
}

func (r *connRelay) OnOpen(fn func()) {
	r.mu.Lock()
	opened := r.opened
	r.onOpen = fn
	r.mu.Unlock()
	if opened && fn != nil {
		fn()
	}
}

// OnMessage installs fn as the current frame consumer, first replaying, in
// arrival order, any frames that arrived while no consumer (or the
// previous one) was installed.
func (r *connRelay) OnMessage(fn func(string)) {
	r.mu.Lock()
	backlog := r.backlog
	r.backlog = nil
	r.onMsg = fn
	r.mu.Unlock()

	if fn == nil {
		return
	}
	for _, frame := range backlog {
		fn(frame)
	}
}

func (r *connRelay) OnClose(fn func(int, string)) {
	r.mu.Lock()
	closed, code, reason := r.closed, r.closeCode, r.closeReason
	r.onClose = fn
	r.mu.Unlock()
	if closed && fn != nil {
		fn(code, reason)
	}
}

func (r *connRelay) OnError(fn func(error)) {
	r.mu.Lock()
	r.onErr = fn
	r.mu.Unlock()
}

func (r *connRelay) fireOpen() {
	r.mu.Lock()
	r.opened = true
	fn := r.onOpen
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (r *connRelay) fireMessage(frame string) {
	r.mu.Lock()
	fn := r.onMsg
	if fn == nil {
		r.backlog = append(r.backlog, frame)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn(frame)
}

func (r *connRelay) fireClose(code int, reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeCode, r.closeReason = code, reason
	fn := r.onClose
	r.mu.Unlock()
	if fn != nil {
		fn(code, reason)
	}
}

func (r *connRelay) fireError(err error) {
	r.mu.Lock()
	fn := r.onErr
	r.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// waitForOpen blocks until the adapter reports open, error, or an early
// close, or ctx is cancelled.
func waitForOpen(ctx context.Context, adapter transport.Adapter) error {
	openCh := make(chan struct{}, 1)
	errCh := make(chan error, 1)

	adapter.OnOpen(func() {
		select {
		case openCh <- struct{}{}:
		default:
		}
	})
	adapter.OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	adapter.OnClose(func(code int, reason string) {
		select {
		case errCh <- &CloseError{Code: code, Reason: reason}:
		default:
		}
	})

	select {
	case <-openCh:
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authenticate awaits the authSuccess envelope as the first inbound frame,
// sent in response to the raw JWT sent as the first outbound text frame.
// The listeners are installed before Send so a server that replies before
// the call stack unwinds back to the caller is never missed.
func authenticate(ctx context.Context, adapter transport.Adapter, jwt string) (authSuccessPayload, error) {
	frameCh := make(chan string, 1)
	closeCh := make(chan *CloseError, 1)

	adapter.OnMessage(func(frame string) {
		select {
		case frameCh <- frame:
		default:
		}
	})
	adapter.OnClose(func(code int, reason string) {
		select {
		case closeCh <- &CloseError{Code: code, Reason: reason}:
		default:
		}
	})

	if err := adapter.Send(jwt); err != nil {
		return authSuccessPayload{}, fmt.Errorf("rtchannel: send auth frame: %w", err)
	}

	select {
	case frame := <-frameCh:
		var env Envelope
		if err := json.Unmarshal([]byte(frame), &env); err != nil || env.UniqueID != uniqueIDAuthSuccess {
			return authSuccessPayload{}, ErrInvalidToken
		}
		var payload authSuccessPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return authSuccessPayload{}, ErrInvalidToken
		}
		return payload, nil
	case ce := <-closeCh:
		return authSuccessPayload{}, fmt.Errorf("%w: %v", ErrInvalidToken, ce)
	case <-ctx.Done():
		return authSuccessPayload{}, ctx.Err()
	}
}
