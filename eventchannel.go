package rtchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"rtchannel/internal/filters"
	"rtchannel/internal/metrics"
)

// Callback receives one delivered payload: a streaming push (already
// narrowed by the event type's filter), a one-shot initial-state
// snapshot, or a raw server message.
type Callback func(payload json.RawMessage)

// Descriptor is a recorded subscription: enough to re-issue the exact
// same register call after a reconnect.
type Descriptor struct {
	EventType         filters.EventType
	FilterArgs        map[string]interface{}
	Callback          Callback
	CorrelationID     string
	UnsubscribeAction string
	FailedAttempts    int
}

// EventChannel is the public, typed surface of the package: the
// component applications construct directly. It owns the subscription
// table and re-drives it after every reconnect.
//
// Grounded on RelayPool's subscriptions map generalized from per-relay
// filter subscriptions to a single session's typed event registrations,
// with re-registration fanned out via errgroup.Group the way
// subscription_aggregator.go fans per-relay work out with a
// sync.WaitGroup.
type EventChannel struct {
	auth *AuthenticatedChannel
	opts Options
	log  *slog.Logger

	fetchGroup singleflight.Group

	mu           sync.Mutex
	subs         map[string]*Descriptor
	rawListeners map[string]string // action -> correlationID
}

// NewEventChannel wires a Robust Channel and Authenticated Channel
// together behind the typed Event Channel surface. opts.fillDefaults is
// applied here so callers may pass a zero-value Options (or
// DefaultOptions with overrides) directly; options layers functional
// overrides (WithClock, WithDialer, ...) on top, for callers that prefer
// injecting a single dependency over building a whole Options value.
func NewEventChannel(httpDomain, account, site string, resolver AddressResolver, tokenGetter TokenGetter, authDomain string, opts Options, options ...Option) *EventChannel {
	for _, o := range options {
		o(&opts)
	}
	opts.fillDefaults()

	robust := NewRobustChannel(httpDomain, account, site, resolver, opts)
	auth := NewAuthenticatedChannel(robust, tokenGetter, authDomain, opts)

	ec := &EventChannel{
		auth:         auth,
		opts:         opts,
		log:          opts.Logger,
		subs:         make(map[string]*Descriptor),
		rawListeners: make(map[string]string),
	}
	auth.SetOnReconnect(ec.reregisterEvents)
	return ec
}

// Connect authenticates with an already-obtained jwt.
func (ec *EventChannel) Connect(ctx context.Context, jwt string) error {
	_, err := ec.auth.Connect(ctx, jwt)
	return err
}

// ConnectPersistent fetches a token via the configured token getter,
// connects, and arms automatic refresh.
func (ec *EventChannel) ConnectPersistent(ctx context.Context) error {
	_, err := ec.auth.ConnectPersistent(ctx)
	return err
}

// Close clears the subscription table and closes the underlying channel.
func (ec *EventChannel) Close() error {
	ec.mu.Lock()
	ec.subs = make(map[string]*Descriptor)
	ec.rawListeners = make(map[string]string)
	ec.mu.Unlock()
	metrics.SubscriptionsActive.Store(0)
	return ec.auth.Close()
}

// GetConnectionState returns a read-only snapshot of the channel's
// connection lifecycle.
func (ec *EventChannel) GetConnectionState() ConnectionState {
	return ec.auth.GetConnectionState()
}

// Register validates and installs a subscription or one-shot fetch for
// any event type known to the Filter Registry. correlationID may be
// empty to request a fresh one.
func (ec *EventChannel) Register(eventType filters.EventType, filterArgs map[string]interface{}, cb Callback, correlationID string) (string, error) {
	if cb == nil {
		return "", fmt.Errorf("%w: callback must not be nil", ErrInvalidArgument)
	}
	if ec.auth.CurrentHandler() == nil {
		return "", ErrNotConnected
	}

	entry, ok := filters.Lookup(eventType)
	if !ok {
		return "", fmt.Errorf("%w: unknown event type %q", ErrInvalidArgument, eventType)
	}
	if badKey, ok := entry.ValidateKeys(filterArgs); !ok {
		return "", fmt.Errorf("%w: filter key %q is not allowed for event type %q", ErrInvalidArgument, badKey, eventType)
	}

	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	ec.warnIfDuplicate(eventType, filterArgs, correlationID)

	ctx, cancel := context.WithTimeout(context.Background(), ec.opts.RequestTimeout)
	defer cancel()

	d := &Descriptor{EventType: eventType, FilterArgs: filterArgs, Callback: cb, CorrelationID: correlationID}
	if _, err := ec.registerDescriptor(ctx, entry, d); err != nil {
		return "", err
	}

	ec.mu.Lock()
	ec.subs[correlationID] = d
	ec.mu.Unlock()
	metrics.SubscriptionsActive.Add(1)

	return correlationID, nil
}

func (ec *EventChannel) warnIfDuplicate(eventType filters.EventType, filterArgs map[string]interface{}, correlationID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for id, existing := range ec.subs {
		if id == correlationID {
			continue
		}
		if existing.EventType == eventType && reflect.DeepEqual(existing.FilterArgs, filterArgs) {
			ec.log.Warn("duplicate subscription: server cannot distinguish these by filter",
				"eventType", string(eventType), "existingCorrelationId", id, "newCorrelationId", correlationID)
		}
	}
}

// registerDescriptor performs the wire-level half of register: install
// the streaming listener and send the subscribe request, or invoke the
// one-shot fetcher, per entry.Kind. It does not touch ec.subs.
func (ec *EventChannel) registerDescriptor(ctx context.Context, entry filters.Entry, d *Descriptor) (json.RawMessage, error) {
	h := ec.auth.CurrentHandler()
	if h == nil {
		return nil, ErrNotConnected
	}

	if entry.Kind == filters.KindStreaming {
		cb := d.Callback
		filterArgs := d.FilterArgs
		filterFn := entry.Filter
		if err := h.RegisterServerCallback(entry.ResponseAction, d.CorrelationID, func(payload json.RawMessage) {
			out, ok := filterFn(filterArgs, payload)
			if !ok {
				return
			}
			cb(out)
		}); err != nil {
			return nil, err
		}

		future, err := h.SendRequest(Message{UniqueID: d.CorrelationID, Action: entry.SubscribeAction, Payload: filterArgs}, 0, "")
		if err != nil {
			h.RemoveServerCallback(entry.ResponseAction, d.CorrelationID)
			return nil, err
		}
		if _, err := future.Wait(ctx); err != nil {
			h.RemoveServerCallback(entry.ResponseAction, d.CorrelationID)
			return nil, err
		}

		d.UnsubscribeAction = entry.UnsubscribeAction
		return nil, nil
	}

	out, err := ec.fetchOneShot(ctx, entry, d.FilterArgs)
	if err != nil {
		return nil, err
	}
	if out != nil {
		ec.opts.Scheduler.Post(func() { d.Callback(out) })
	}
	return out, nil
}

// Unregister sends the subscription's stored unregister request (best
// effort; local bookkeeping is removed regardless of the server's
// response) and removes the listener. Returns whether a descriptor
// existed for correlationID.
func (ec *EventChannel) Unregister(correlationID string) bool {
	ec.mu.Lock()
	d, found := ec.subs[correlationID]
	if found {
		delete(ec.subs, correlationID)
	}
	ec.mu.Unlock()

	if !found {
		return false
	}
	metrics.SubscriptionsActive.Add(-1)

	h := ec.auth.CurrentHandler()
	if h == nil {
		return true
	}

	entry, ok := filters.Lookup(d.EventType)
	if ok && entry.Kind == filters.KindStreaming {
		h.RemoveServerCallback(entry.ResponseAction, correlationID)
		if d.UnsubscribeAction != "" {
			if _, err := h.SendRequest(Message{UniqueID: uuid.NewString(), Action: d.UnsubscribeAction, Payload: d.FilterArgs}, 0, ""); err != nil {
				ec.log.Warn("unregister: send failed", "correlationId", correlationID, "error", err)
			}
		}
	}
	return true
}

// RegisterToServerMessageRaw installs a direct listener on the current
// Request Handler, bypassing the subscription table: it is not
// re-installed across reconnects.
func (ec *EventChannel) RegisterToServerMessageRaw(action string, cb Callback) error {
	h := ec.auth.CurrentHandler()
	if h == nil {
		return ErrNotConnected
	}
	id := uuid.NewString()
	if err := h.RegisterServerCallback(action, id, func(payload json.RawMessage) { cb(payload) }); err != nil {
		return err
	}
	ec.mu.Lock()
	ec.rawListeners[action] = id
	ec.mu.Unlock()
	return nil
}

// UnregisterServerMessageRaw removes a listener installed by
// RegisterToServerMessageRaw.
func (ec *EventChannel) UnregisterServerMessageRaw(action string) {
	ec.mu.Lock()
	id, ok := ec.rawListeners[action]
	if ok {
		delete(ec.rawListeners, action)
	}
	ec.mu.Unlock()
	if !ok {
		return
	}
	if h := ec.auth.CurrentHandler(); h != nil {
		h.RemoveServerCallback(action, id)
	}
}

func deviceFilterArgs(deviceIDs []string) map[string]interface{} {
	if deviceIDs == nil {
		return map[string]interface{}{}
	}
	return map[string]interface{}{"deviceIds": deviceIDs}
}

// RegisterLocationUpdate subscribes to tag location updates, optionally
// narrowed to deviceIDs (nil means every device).
func (ec *EventChannel) RegisterLocationUpdate(cb Callback, deviceIDs []string) (string, error) {
	return ec.Register(filters.EventLocationUpdate, deviceFilterArgs(deviceIDs), cb, "")
}

// RegisterTagDiffStream subscribes to tag attribute diffs.
func (ec *EventChannel) RegisterTagDiffStream(cb Callback, deviceIDs []string) (string, error) {
	return ec.Register(filters.EventTagDiffStream, deviceFilterArgs(deviceIDs), cb, "")
}

// RegisterP2PDistanceStream subscribes to peer-to-peer distance updates.
func (ec *EventChannel) RegisterP2PDistanceStream(cb Callback, deviceIDs []string) (string, error) {
	return ec.Register(filters.EventP2PDistanceStream, deviceFilterArgs(deviceIDs), cb, "")
}

// RegisterAlertDiffStream subscribes to alert attribute diffs.
func (ec *EventChannel) RegisterAlertDiffStream(cb Callback, deviceIDs []string) (string, error) {
	return ec.Register(filters.EventAlertDiffStream, deviceFilterArgs(deviceIDs), cb, "")
}

// RegisterTwrStream subscribes to time-of-arrival ranging updates,
// independently narrowed by tag and beacon device id sets (either nil
// means wildcard for that side).
func (ec *EventChannel) RegisterTwrStream(cb Callback, tagDeviceIDs, beaconDeviceIDs []string) (string, error) {
	args := map[string]interface{}{}
	if tagDeviceIDs != nil {
		args["tagDeviceIds"] = tagDeviceIDs
	}
	if beaconDeviceIDs != nil {
		args["beaconDeviceIds"] = beaconDeviceIDs
	}
	return ec.Register(filters.EventTwrStream, args, cb, "")
}

// RegisterContactTracingStream subscribes to contact tracing updates.
func (ec *EventChannel) RegisterContactTracingStream(cb Callback, deviceIDs []string) (string, error) {
	return ec.Register(filters.EventContactTracingStream, deviceFilterArgs(deviceIDs), cb, "")
}

// fetchOneShot issues a one-shot RPC for a KindOneShot registry entry,
// deduplicating concurrent identical fetches with singleflight since
// these event types share a single fixed outbound uniqueId and would
// otherwise collide in the Request Handler's tracked-request table.
func (ec *EventChannel) fetchOneShot(ctx context.Context, entry filters.Entry, filterArgs map[string]interface{}) (json.RawMessage, error) {
	h := ec.auth.CurrentHandler()
	if h == nil {
		return nil, ErrNotConnected
	}

	result, err, _ := ec.fetchGroup.Do(entry.FetchUniqueID, func() (interface{}, error) {
		future, err := h.SendRequest(Message{UniqueID: entry.FetchUniqueID, Action: entry.FetchAction, Payload: filterArgs}, 0, entry.ResponseUniqueID)
		if err != nil {
			return Envelope{}, err
		}
		return future.Wait(ctx)
	})
	if err != nil {
		return nil, err
	}

	env := result.(Envelope)
	out, ok := entry.Filter(filterArgs, env.Payload)
	if !ok {
		return nil, nil
	}
	return out, nil
}

// GetTagState fetches the current tag initial-state snapshot, optionally
// narrowed to deviceIDs.
func (ec *EventChannel) GetTagState(ctx context.Context, deviceIDs []string) (json.RawMessage, error) {
	entry, _ := filters.Lookup(filters.EventTagState)
	return ec.fetchOneShot(ctx, entry, deviceFilterArgs(deviceIDs))
}

// GetAlertState fetches the current alert initial-state snapshot,
// optionally narrowed to deviceIDs.
func (ec *EventChannel) GetAlertState(ctx context.Context, deviceIDs []string) (json.RawMessage, error) {
	entry, _ := filters.Lookup(filters.EventAlertState)
	return ec.fetchOneShot(ctx, entry, deviceFilterArgs(deviceIDs))
}

// GetSite fetches site metadata.
func (ec *EventChannel) GetSite(ctx context.Context) (json.RawMessage, error) {
	entry, _ := filters.Lookup(filters.EventSite)
	return ec.fetchOneShot(ctx, entry, map[string]interface{}{})
}

// GetContactTracingHistory fetches a bounded window of contact-tracing
// history. This is a one-shot RPC, not a subscription: it is not part of
// the Filter Registry and is not re-issued on reconnect.
func (ec *EventChannel) GetContactTracingHistory(ctx context.Context, since, until time.Time) (json.RawMessage, error) {
	h := ec.auth.CurrentHandler()
	if h == nil {
		return nil, ErrNotConnected
	}
	payload := map[string]interface{}{"since": since.Unix(), "until": until.Unix()}
	future, err := h.SendRequest(Message{UniqueID: uuid.NewString(), Action: "initialContactTracingState", Payload: payload}, 0, "")
	if err != nil {
		return nil, err
	}
	env, err := future.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return env.Payload, nil
}

// reregisterEvents is the Robust Channel's post-reconnect hook. It
// returns immediately, handing the actual (blocking, multi-RPC) work to
// its own goroutine so the scheduler's single dispatcher goroutine stays
// free to deliver the very RPC resolutions this work depends on.
func (ec *EventChannel) reregisterEvents() {
	ec.mu.Lock()
	work := make([]*Descriptor, 0, len(ec.subs))
	for _, d := range ec.subs {
		work = append(work, d)
	}
	ec.subs = make(map[string]*Descriptor)
	ec.mu.Unlock()

	go ec.reregisterPass(work)
}

// reregisterPass re-sends one pass of descriptors concurrently (bounded
// fan-out), requeues failures under the retry budget for a later pass,
// and restores every descriptor that re-registers successfully into
// ec.subs. Descriptors awaiting a retry pass are not in ec.subs until
// that pass succeeds.
func (ec *EventChannel) reregisterPass(work []*Descriptor) {
	if len(work) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(8)

	var mu sync.Mutex
	var retry []*Descriptor

	for _, d := range work {
		d := d
		g.Go(func() error {
			entry, ok := filters.Lookup(d.EventType)
			if !ok {
				return nil
			}

			reqCtx, cancel := context.WithTimeout(ctx, ec.opts.RequestTimeout)
			_, err := ec.registerDescriptor(reqCtx, entry, d)
			cancel()

			if err == nil {
				ec.mu.Lock()
				ec.subs[d.CorrelationID] = d
				ec.mu.Unlock()
				return nil
			}

			ec.log.Warn("re-registration failed", "correlationId", d.CorrelationID, "eventType", string(d.EventType), "error", err)
			d.FailedAttempts++
			if d.FailedAttempts < ec.opts.RegistrationAttemptsUntilIgnored {
				mu.Lock()
				retry = append(retry, d)
				mu.Unlock()
			} else {
				metrics.ReregistrationFailures.Add(1)
				ec.log.Error("giving up on re-registration", "correlationId", d.CorrelationID, "eventType", string(d.EventType))
			}
			return nil
		})
	}
	_ = g.Wait()

	ec.mu.Lock()
	active := len(ec.subs)
	ec.mu.Unlock()
	metrics.SubscriptionsActive.Store(int64(active))

	if len(retry) == 0 {
		return
	}
	ec.opts.Clock.AfterFunc(ec.opts.WaitForFailedReRegistration, func() { ec.reregisterPass(retry) })
}
