package rtchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rtchannel/internal/clock"
	"rtchannel/internal/metrics"
	"rtchannel/internal/transport"
)

// Message is an outbound request: a correlation id, the server verb, and a
// payload to be JSON-encoded.
type Message struct {
	UniqueID string
	Action   string
	Payload  interface{}
}

// ServerCallback is invoked once per server-pushed message delivered under
// a registered action/correlation id pair.
type ServerCallback func(payload json.RawMessage)

type trackedRequest struct {
	uniqueID string
	sentAt   time.Time
	timeout  time.Duration
	result   chan requestResult
	done     bool
}

type requestResult struct {
	env Envelope
	err error
}

// Future is the result of a SendRequest call. Exactly one of the values
// Wait returns will be set: an Envelope on success, or an error
// (ErrTimeout, ErrSocketClosed, or *ServerRejectionError).
type Future struct {
	ch chan requestResult
}

// Wait blocks until the request resolves, the timeout elapses, the socket
// closes, or ctx is cancelled, whichever comes first.
func (f *Future) Wait(ctx context.Context) (Envelope, error) {
	select {
	case r := <-f.ch:
		return r.env, r.err
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

type serverListener struct {
	correlationID string
	callback      ServerCallback
}

// RequestHandler multiplexes request/response RPCs and long-lived
// server-push subscriptions over a single transport.Adapter. It is bound
// to exactly one Adapter for its lifetime: once that Adapter closes, the
// handler is discarded.
//
// Routing table shape and the mu/writeMu-free single-mutex discipline are
// grounded on RelayConn in relay_pool.go; the periodic timeout sweep is
// grounded on RelayPool.cleanupLoop in the same file.
type RequestHandler struct {
	adapter transport.Adapter
	sched   *clock.Scheduler
	clk     clock.Clock
	log     *slog.Logger

	defaultTimeout time.Duration
	logRaw         bool

	mu        sync.Mutex
	tracked   map[string]*trackedRequest
	listeners map[string][]serverListener
	alive     bool

	sweepTimer clock.Timer

	closureMu sync.Mutex
	closureFn func()

	reconnectFn func()
}

// RequestHandlerOptions configures a new RequestHandler.
type RequestHandlerOptions struct {
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Clock          clock.Clock
	Scheduler      *clock.Scheduler
	LogRawMessages bool
	// OnUnexpectedClose is invoked when the socket closes and no closure
	// callback was set via SetClosureCallback (i.e. the close was not
	// user-initiated). The Robust Channel uses this to drive reconnection.
	OnUnexpectedClose func()
}

// NewRequestHandler constructs a handler bound to adapter and registers
// the adapter's OnMessage/OnClose callbacks. The handler starts its
// timeout sweep immediately.
func NewRequestHandler(adapter transport.Adapter, opts RequestHandlerOptions) *RequestHandler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.NewScheduler(256)
	}

	h := &RequestHandler{
		adapter:        adapter,
		sched:          opts.Scheduler,
		clk:            opts.Clock,
		log:            opts.Logger,
		defaultTimeout: opts.DefaultTimeout,
		logRaw:         opts.LogRawMessages,
		tracked:        make(map[string]*trackedRequest),
		listeners:      make(map[string][]serverListener),
		alive:          true,
		reconnectFn:    opts.OnUnexpectedClose,
	}

	adapter.OnMessage(h.onFrame)
	adapter.OnClose(func(code int, reason string) { h.onClose(code, reason) })

	h.scheduleSweep()
	return h
}

// sweepInterval is max(defaultTimeout/2, 5s).
func (h *RequestHandler) sweepInterval() time.Duration {
	half := h.defaultTimeout / 2
	if half < 5*time.Second {
		return 5 * time.Second
	}
	return half
}

func (h *RequestHandler) scheduleSweep() {
	h.mu.Lock()
	if !h.alive {
		h.mu.Unlock()
		return
	}
	h.sweepTimer = h.clk.AfterFunc(h.sweepInterval(), h.sweep)
	h.mu.Unlock()
}

func (h *RequestHandler) sweep() {
	now := h.clk.Now()

	h.mu.Lock()
	if !h.alive {
		h.mu.Unlock()
		return
	}
	var expired []*trackedRequest
	for id, tr := range h.tracked {
		if now.Sub(tr.sentAt) > tr.timeout {
			expired = append(expired, tr)
			delete(h.tracked, id)
		}
	}
	h.mu.Unlock()

	for _, tr := range expired {
		metrics.RequestsTimedOutTotal.Add(1)
		h.resolve(tr, requestResult{err: ErrTimeout})
	}

	h.scheduleSweep()
}

// SendRequest serializes msg to JSON and writes it to the socket, tracking
// a response keyed by expectedResponseCorrelationID if given, else by
// msg.UniqueID. timeout <= 0 uses the handler's default.
func (h *RequestHandler) SendRequest(msg Message, timeout time.Duration, expectedResponseCorrelationID string) (*Future, error) {
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}
	key := msg.UniqueID
	if expectedResponseCorrelationID != "" {
		key = expectedResponseCorrelationID
	}

	tr := &trackedRequest{
		uniqueID: key,
		sentAt:   h.clk.Now(),
		timeout:  timeout,
		result:   make(chan requestResult, 1),
	}

	h.mu.Lock()
	if !h.alive {
		h.mu.Unlock()
		return nil, ErrSocketClosed
	}
	h.tracked[key] = tr
	h.mu.Unlock()

	body, err := json.Marshal(outboundRequest{UniqueID: msg.UniqueID, Action: msg.Action, Payload: msg.Payload})
	if err != nil {
		h.mu.Lock()
		delete(h.tracked, key)
		h.mu.Unlock()
		return nil, fmt.Errorf("rtchannel: encode request %q: %w", msg.UniqueID, err)
	}

	if h.logRaw {
		h.log.Debug("sending frame", "uniqueId", msg.UniqueID, "action", msg.Action, "frame", string(body))
	}

	if err := h.adapter.Send(string(body)); err != nil {
		h.mu.Lock()
		delete(h.tracked, key)
		h.mu.Unlock()
		return nil, fmt.Errorf("rtchannel: send request %q: %w", msg.UniqueID, err)
	}

	metrics.RequestsSentTotal.Add(1)
	return &Future{ch: tr.result}, nil
}

// RegisterServerCallback appends a server listener under (action,
// correlationID). Fails if either is empty.
func (h *RequestHandler) RegisterServerCallback(action, correlationID string, cb ServerCallback) error {
	if action == "" || correlationID == "" {
		return fmt.Errorf("%w: action and correlationID must be non-empty", ErrInvalidArgument)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.alive {
		return ErrSocketClosed
	}
	h.listeners[action] = append(h.listeners[action], serverListener{correlationID: correlationID, callback: cb})
	return nil
}

// RemoveServerCallback removes listeners matching (action, correlationID).
// If none remain for action, the action entry is dropped.
func (h *RequestHandler) RemoveServerCallback(action, correlationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	existing := h.listeners[action]
	if len(existing) == 0 {
		return
	}
	kept := existing[:0]
	for _, l := range existing {
		if l.correlationID != correlationID {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(h.listeners, action)
	} else {
		h.listeners[action] = kept
	}
}

// SetClosureCallback marks the next close as user-initiated: fn is invoked
// instead of the reconnect callback, and reconnection is not triggered.
func (h *RequestHandler) SetClosureCallback(fn func()) {
	h.closureMu.Lock()
	h.closureFn = fn
	h.closureMu.Unlock()
}

// onFrame routes one inbound frame to a tracked request or a server listener.
func (h *RequestHandler) onFrame(frame string) {
	if h.logRaw {
		h.log.Debug("received frame", "frame", frame)
	}

	if frame == pingFrame {
		if err := h.adapter.Send(pongFrame); err != nil {
			h.log.Warn("failed to reply to ping", "error", err)
		}
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(frame), &env); err != nil {
		h.log.Warn("dropping unparseable frame", "error", err)
		return
	}

	ok := env.OK()

	// Special-case rewrites, reproduced verbatim for wire compatibility
	// (see DESIGN.md's Open Question — do not "clean up").
	skipRouting := false
	switch {
	case env.UniqueID == uniqueIDGetInitialTagState && !ok:
		env.UniqueID = uniqueIDInitialTagState
	case env.UniqueID == uniqueIDGetInitialTagState && ok:
		skipRouting = true
	case env.Action != nil && *env.Action == actionInitialTagState && ok:
		env.UniqueID = *env.Action
		env.Action = nil
	}
	if skipRouting {
		return
	}

	h.mu.Lock()
	tr, found := h.tracked[env.UniqueID]
	if found {
		delete(h.tracked, env.UniqueID)
	}
	h.mu.Unlock()

	if found {
		if ok {
			h.resolve(tr, requestResult{env: env})
		} else {
			metrics.ServerRejectionsTotal.Add(1)
			h.resolve(tr, requestResult{err: &ServerRejectionError{UniqueID: env.UniqueID, Status: env.Status}})
		}
		return
	}

	if env.Action != nil {
		h.mu.Lock()
		ls := append([]serverListener(nil), h.listeners[*env.Action]...)
		h.mu.Unlock()

		if len(ls) > 0 {
			payload := env.Payload
			for _, l := range ls {
				cb := l.callback
				h.sched.Post(func() {
					defer func() {
						if r := recover(); r != nil {
							h.log.Error("server listener panicked", "panic", r)
						}
					}()
					cb(payload)
				})
			}
			return
		}
	}

	h.log.Debug(ErrNoHandler.Error(), "uniqueId", env.UniqueID, "action", env.Action)
}

// resolve delivers r to tr's waiter on the scheduler, never inline, so a
// caller blocked in Future.Wait that immediately issues another request
// cannot re-enter onFrame's call stack.
func (h *RequestHandler) resolve(tr *trackedRequest, r requestResult) {
	h.sched.Post(func() {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error("request resolution panicked", "panic", rec)
			}
		}()
		tr.result <- r
	})
}

// onClose rejects every in-flight request, clears both tables, cancels the
// sweep, then either invokes the user-initiated closure callback or the
// reconnect callback.
func (h *RequestHandler) onClose(code int, reason string) {
	h.mu.Lock()
	if !h.alive {
		h.mu.Unlock()
		return
	}
	h.alive = false
	tracked := h.tracked
	h.tracked = make(map[string]*trackedRequest)
	h.listeners = make(map[string][]serverListener)
	if h.sweepTimer != nil {
		h.sweepTimer.Stop()
	}
	h.mu.Unlock()

	for _, tr := range tracked {
		h.resolve(tr, requestResult{err: ErrSocketClosed})
	}

	h.closureMu.Lock()
	closureFn := h.closureFn
	h.closureMu.Unlock()

	if closureFn != nil {
		closureFn()
		return
	}

	if h.reconnectFn != nil {
		h.reconnectFn()
	}
}
