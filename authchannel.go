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
)

// TokenGetter fetches a fresh JWT for authDomain. The HTTP call itself is
// an external collaborator; the core only consumes this narrow
// interface.
type TokenGetter func(ctx context.Context, authDomain string) (string, error)

// AuthenticatedChannel extends a Robust Channel with proactive token
// refresh: a single armed timer that fires halfway through the current
// token's life and re-authenticates without dropping the socket.
//
// The single-timer discipline (stop-then-replace, never two in flight) is
// grounded on SubscriptionAggregator's single consumer goroutine owning
// every timing decision in subscription_aggregator.go, generalized from
// "retry a dropped subscription" to "refresh a token before it expires".
type AuthenticatedChannel struct {
	robust      *RobustChannel
	tokenGetter TokenGetter
	authDomain  string
	opts        Options
	log         *slog.Logger

	mu           sync.Mutex
	refreshTimer clock.Timer
	clockDiff    time.Duration
	clockDiffSet bool
}

// NewAuthenticatedChannel wraps robust with refresh scheduling. It hooks
// robust's onConnected callback, so every successful authentication
// (initial connect and every reconnect) re-arms the refresh timer. options
// layers functional overrides (WithLogger, ...) on top of opts before it
// is stored; robust itself is configured separately by its own caller.
func NewAuthenticatedChannel(robust *RobustChannel, tokenGetter TokenGetter, authDomain string, opts Options, options ...Option) *AuthenticatedChannel {
	for _, o := range options {
		o(&opts)
	}
	ac := &AuthenticatedChannel{
		robust:      robust,
		tokenGetter: tokenGetter,
		authDomain:  authDomain,
		opts:        opts,
		log:         opts.Logger,
	}
	robust.SetOnConnected(ac.handleConnected)
	return ac
}

// Connect authenticates with an already-obtained jwt.
func (ac *AuthenticatedChannel) Connect(ctx context.Context, jwt string) (authSuccessPayload, error) {
	return ac.robust.Connect(ctx, jwt)
}

// ConnectPersistent fetches a token via tokenGetter, then connects.
// handleConnected schedules the first refresh on success.
func (ac *AuthenticatedChannel) ConnectPersistent(ctx context.Context) (authSuccessPayload, error) {
	jwt, err := ac.tokenGetter(ctx, ac.authDomain)
	if err != nil {
		return authSuccessPayload{}, fmt.Errorf("rtchannel: fetch token: %w", err)
	}
	return ac.robust.Connect(ctx, jwt)
}

// Close disarms the refresh timer before tearing down the socket.
func (ac *AuthenticatedChannel) Close() error {
	ac.mu.Lock()
	if ac.refreshTimer != nil {
		ac.refreshTimer.Stop()
		ac.refreshTimer = nil
	}
	ac.mu.Unlock()
	return ac.robust.Close()
}

// SendMessageRaw delegates to the underlying Robust Channel.
func (ac *AuthenticatedChannel) SendMessageRaw(action string, payload interface{}) (*Future, error) {
	return ac.robust.SendMessageRaw(action, payload)
}

// CurrentHandler delegates to the underlying Robust Channel.
func (ac *AuthenticatedChannel) CurrentHandler() *RequestHandler {
	return ac.robust.CurrentHandler()
}

// GetConnectionState delegates to the underlying Robust Channel.
func (ac *AuthenticatedChannel) GetConnectionState() ConnectionState {
	return ac.robust.GetConnectionState()
}

// SetOnReconnect exposes the underlying Robust Channel's reconnect hook so
// an Event Channel can drive subscription re-registration without reaching
// into the Robust Channel directly.
func (ac *AuthenticatedChannel) SetOnReconnect(fn func()) {
	ac.robust.SetOnReconnect(fn)
}

// handleConnected arms the first refresh after a successful authentication.
func (ac *AuthenticatedChannel) handleConnected(auth authSuccessPayload) {
	if !ac.opts.AutomaticTokenRenewal {
		return
	}

	ac.mu.Lock()
	if !ac.clockDiffSet {
		issuedLocal := time.Unix(auth.TokenIssued, 0)
		ac.clockDiff = ac.opts.Clock.Now().Sub(issuedLocal)
		ac.clockDiffSet = true
	}
	clockDiff := ac.clockDiff
	ac.mu.Unlock()

	ac.scheduleRefresh(auth.TokenIssued, auth.TokenExpiration, clockDiff)
}

// scheduleRefresh computes refreshAt as halfway through the token's
// server-side lifetime, translated to local wall time via clockDiff,
// falling back to expiration-60s, falling back to 1s.
func (ac *AuthenticatedChannel) scheduleRefresh(issued, expiration int64, clockDiff time.Duration) {
	span := expiration - issued
	refreshAtServer := issued + span/2
	refreshAtLocal := time.Unix(refreshAtServer, 0).Add(clockDiff)

	now := ac.opts.Clock.Now()
	delay := refreshAtLocal.Sub(now)
	if delay <= 0 {
		fallback := time.Unix(expiration, 0).Add(clockDiff).Add(-60 * time.Second)
		delay = fallback.Sub(now)
		if delay < 0 {
			delay = time.Second
		}
	}

	ac.armRefresh(delay, clockDiff)
}

// armRefresh stops any previously armed timer before installing the new
// one, maintaining the at-most-one-refresh-timer invariant.
func (ac *AuthenticatedChannel) armRefresh(delay time.Duration, clockDiff time.Duration) {
	ac.mu.Lock()
	if ac.refreshTimer != nil {
		ac.refreshTimer.Stop()
	}
	ac.refreshTimer = ac.opts.Clock.AfterFunc(delay, func() { ac.doRefresh(clockDiff) })
	ac.mu.Unlock()
}

func (ac *AuthenticatedChannel) doRefresh(clockDiff time.Duration) {
	handler := ac.robust.CurrentHandler()
	if handler == nil {
		// No live session; the next successful connect re-arms refresh.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ac.opts.RequestTimeout)
	defer cancel()

	newToken, err := ac.tokenGetter(ctx, ac.authDomain)
	if err != nil {
		ac.log.Warn("token refresh: fetch token failed", "error", err)
		metrics.TokenRefreshFailureTotal.Add(1)
		ac.armRefresh(ac.opts.TokenRefreshFailureRetryTimeout, clockDiff)
		return
	}

	future, err := ac.robust.SendMessageRaw(actionRefreshToken, refreshTokenPayload{Token: newToken})
	if err != nil {
		ac.log.Warn("token refresh: send failed", "error", err)
		metrics.TokenRefreshFailureTotal.Add(1)
		ac.armRefresh(ac.opts.TokenRefreshFailureRetryTimeout, clockDiff)
		return
	}

	env, err := future.Wait(ctx)
	if err != nil {
		ac.log.Warn("token refresh: request failed", "error", err)
		metrics.TokenRefreshFailureTotal.Add(1)
		ac.armRefresh(ac.opts.TokenRefreshFailureRetryTimeout, clockDiff)
		return
	}

	var p authSuccessPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ac.log.Warn("token refresh: decode response failed", "error", err)
		metrics.TokenRefreshFailureTotal.Add(1)
		ac.armRefresh(ac.opts.TokenRefreshFailureRetryTimeout, clockDiff)
		return
	}

	ac.log.Info("token refreshed", "tokenIssued", p.TokenIssued, "tokenExpiration", p.TokenExpiration)
	metrics.TokenRefreshSuccessTotal.Add(1)
	ac.scheduleRefresh(p.TokenIssued, p.TokenExpiration, clockDiff)
}
