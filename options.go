package rtchannel

import (
	"log/slog"
	"time"

	"rtchannel/internal/clock"
	"rtchannel/internal/transport"
	"rtchannel/internal/transport/wsadapter"
)

// Options holds every recognized configuration field.
// Mirrors the CacheConfig/DefaultCacheConfig pattern in
// cache_interface.go: a plain struct plus a constructor of sane defaults,
// rather than a builder.
type Options struct {
	// ReopenBrokenConnection: whether unexpected closes trigger reconnect.
	ReopenBrokenConnection bool

	// RetryIntervalMin/Max/Increase: backoff envelope in ms terms,
	// expressed as time.Duration.
	RetryIntervalMin      time.Duration
	RetryIntervalMax      time.Duration
	RetryIntervalIncrease time.Duration

	// RequestTimeout is the default per-RPC timeout.
	RequestTimeout time.Duration

	// AutomaticTokenRenewal: whether to schedule refresh after auth.
	AutomaticTokenRenewal bool

	// TokenRefreshFailureRetryTimeout: backoff for a failed refresh.
	TokenRefreshFailureRetryTimeout time.Duration

	// RegistrationAttemptsUntilIgnored / WaitForFailedReRegistration:
	// re-subscription retry policy on reconnect.
	RegistrationAttemptsUntilIgnored int
	WaitForFailedReRegistration      time.Duration

	// LogRawMessages: debug logging of every inbound/outbound frame.
	LogRawMessages bool

	// OnConnect/OnClose/OnError/OnReconnecting: user lifecycle hooks.
	OnConnect      func()
	OnClose        func(code int, reason string)
	OnError        func(err error)
	OnReconnecting func(attempt int, delay time.Duration)

	// GetWsAddress overrides the default address resolver.
	GetWsAddress AddressResolver

	Logger    *slog.Logger
	Clock     clock.Clock
	Dialer    transport.Dialer
	Scheduler *clock.Scheduler
}

// DefaultOptions returns the recommended defaults for production use.
func DefaultOptions() Options {
	return Options{
		ReopenBrokenConnection:           true,
		RetryIntervalMin:                 1 * time.Second,
		RetryIntervalMax:                 30 * time.Second,
		RetryIntervalIncrease:            2 * time.Second,
		RequestTimeout:                   10 * time.Second,
		AutomaticTokenRenewal:            true,
		TokenRefreshFailureRetryTimeout:  15 * time.Second,
		RegistrationAttemptsUntilIgnored: 5,
		WaitForFailedReRegistration:      2 * time.Second,
		LogRawMessages:                   false,
	}
}

// Option mutates an Options value. NewRobustChannel, NewAuthenticatedChannel,
// and NewEventChannel each accept a trailing ...Option, applied to opts
// before use, for callers that prefer injecting a single dependency
// (logger, clock, dialer) over building a whole Options value.
type Option func(*Options)

// WithLogger overrides the default *slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClock overrides the production clock.Clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithDialer overrides the production transport.Dialer, for tests or to
// plug in a different WebSocket implementation.
func WithDialer(d transport.Dialer) Option {
	return func(o *Options) { o.Dialer = d }
}

// WithScheduler overrides the dispatcher used for deferred delivery.
func WithScheduler(s *clock.Scheduler) Option {
	return func(o *Options) { o.Scheduler = s }
}

func (o *Options) fillDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.Real
	}
	if o.Dialer == nil {
		o.Dialer = &wsadapter.Dialer{}
	}
	if o.Scheduler == nil {
		o.Scheduler = clock.NewScheduler(256)
	}
	if o.RetryIntervalMin <= 0 {
		o.RetryIntervalMin = time.Second
	}
	if o.RetryIntervalMax <= 0 {
		o.RetryIntervalMax = 30 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.RegistrationAttemptsUntilIgnored <= 0 {
		o.RegistrationAttemptsUntilIgnored = 5
	}
}
