// Package metrics holds process-wide atomic counters describing channel
// health, exposed in Prometheus text format. Grounded on metrics.go:
// atomic.Int64 counters plus a single handler function that writes
// "# HELP"/"# TYPE" blocks, generalized from relay/cache counters to
// reconnect/request/refresh counters.
package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
)

var (
	ReconnectAttemptsTotal   atomic.Int64
	ReconnectSuccessTotal    atomic.Int64
	RequestsSentTotal        atomic.Int64
	RequestsTimedOutTotal    atomic.Int64
	ServerRejectionsTotal    atomic.Int64
	TokenRefreshFailureTotal atomic.Int64
	TokenRefreshSuccessTotal atomic.Int64
	ReregistrationFailures   atomic.Int64
	SubscriptionsActive      atomic.Int64
)

// WriteProm writes every counter in Prometheus text-exposition format to
// w, mirroring metricsHandler's "# HELP"/"# TYPE" block shape in the
// teacher's metrics.go.
func WriteProm(w io.Writer) {
	fmt.Fprintf(w, "# HELP rtchannel_reconnect_attempts_total Reconnection attempts made\n")
	fmt.Fprintf(w, "# TYPE rtchannel_reconnect_attempts_total counter\n")
	fmt.Fprintf(w, "rtchannel_reconnect_attempts_total %d\n\n", ReconnectAttemptsTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_reconnect_success_total Reconnection attempts that succeeded\n")
	fmt.Fprintf(w, "# TYPE rtchannel_reconnect_success_total counter\n")
	fmt.Fprintf(w, "rtchannel_reconnect_success_total %d\n\n", ReconnectSuccessTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_requests_sent_total RPCs sent over the Request Handler\n")
	fmt.Fprintf(w, "# TYPE rtchannel_requests_sent_total counter\n")
	fmt.Fprintf(w, "rtchannel_requests_sent_total %d\n\n", RequestsSentTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_requests_timed_out_total RPCs rejected by the timeout sweep\n")
	fmt.Fprintf(w, "# TYPE rtchannel_requests_timed_out_total counter\n")
	fmt.Fprintf(w, "rtchannel_requests_timed_out_total %d\n\n", RequestsTimedOutTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_server_rejections_total RPCs rejected by a non-ok server status\n")
	fmt.Fprintf(w, "# TYPE rtchannel_server_rejections_total counter\n")
	fmt.Fprintf(w, "rtchannel_server_rejections_total %d\n\n", ServerRejectionsTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_token_refresh_failure_total Failed token refresh attempts\n")
	fmt.Fprintf(w, "# TYPE rtchannel_token_refresh_failure_total counter\n")
	fmt.Fprintf(w, "rtchannel_token_refresh_failure_total %d\n\n", TokenRefreshFailureTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_token_refresh_success_total Successful token refreshes\n")
	fmt.Fprintf(w, "# TYPE rtchannel_token_refresh_success_total counter\n")
	fmt.Fprintf(w, "rtchannel_token_refresh_success_total %d\n\n", TokenRefreshSuccessTotal.Load())

	fmt.Fprintf(w, "# HELP rtchannel_reregistration_failures_total Subscriptions given up on after reconnect\n")
	fmt.Fprintf(w, "# TYPE rtchannel_reregistration_failures_total counter\n")
	fmt.Fprintf(w, "rtchannel_reregistration_failures_total %d\n\n", ReregistrationFailures.Load())

	fmt.Fprintf(w, "# HELP rtchannel_subscriptions_active Live subscription descriptors\n")
	fmt.Fprintf(w, "# TYPE rtchannel_subscriptions_active gauge\n")
	fmt.Fprintf(w, "rtchannel_subscriptions_active %d\n", SubscriptionsActive.Load())
}
