// Package rtchannel implements the connection-robustness and
// request-correlation engine for a real-time telemetry event channel: a
// Request Handler that multiplexes RPCs and server-push subscriptions over
// one WebSocket, a Robust Channel that owns the socket and reconnects with
// backoff, an Authenticated Channel that schedules proactive token refresh,
// and an Event Channel that is the public, typed surface applications use.
package rtchannel
