// Demo client for the real-time event channel core.
// Connects to a backend, subscribes to a handful of streams, and prints
// deliveries to stdout until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rtchannel"
	"rtchannel/internal/resolver"
)

func main() {
	var (
		httpDomain   = flag.String("http-domain", "", "HTTP domain used to resolve the WebSocket address")
		authDomain   = flag.String("auth-domain", "", "HTTP domain used to fetch/refresh JWTs")
		account      = flag.String("account", "", "account id")
		site         = flag.String("site", "", "site id")
		clientID     = flag.String("client-id", "", "OAuth2 client id for connectPersistent")
		clientSecret = flag.String("client-secret", "", "OAuth2 client secret for connectPersistent")
		deviceIDs    = flag.String("device-ids", "", "comma-separated device ids to narrow subscriptions to (empty means all)")
		rawLog       = flag.Bool("log-raw", false, "log every inbound/outbound frame")
	)
	flag.Parse()

	if *httpDomain == "" || *authDomain == "" || *account == "" || *site == "" {
		fmt.Fprintln(os.Stderr, "usage: rtchannel-demo -http-domain=... -auth-domain=... -account=... -site=... -client-id=... -client-secret=...")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	opts := rtchannel.DefaultOptions()
	opts.Logger = logger
	opts.LogRawMessages = *rawLog
	opts.OnConnect = func() { logger.Info("connected") }
	opts.OnClose = func(code int, reason string) { logger.Warn("closed", "code", code, "reason", reason) }
	opts.OnReconnecting = func(attempt int, delay time.Duration) {
		logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	}

	addressResolver := resolver.HTTPAddressResolver(nil, opts.RequestTimeout)
	tokenGetter := resolver.OAuth2TokenGetter(nil, *clientID, *clientSecret, opts.RequestTimeout)

	ec := rtchannel.NewEventChannel(*httpDomain, *account, *site, addressResolver, tokenGetter, *authDomain, opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ec.ConnectPersistent(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	defer ec.Close()

	ids := splitDeviceIDs(*deviceIDs)

	if _, err := ec.RegisterLocationUpdate(printer("locationUpdate"), ids); err != nil {
		logger.Error("register locationUpdate failed", "error", err)
	}
	if _, err := ec.RegisterAlertDiffStream(printer("alertDiffUpdate"), ids); err != nil {
		logger.Error("register alertDiffUpdate failed", "error", err)
	}

	if snapshot, err := ec.GetTagState(ctx, ids); err != nil {
		logger.Error("getTagState failed", "error", err)
	} else {
		fmt.Printf("initial tag state: %s\n", snapshot)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

func printer(label string) rtchannel.Callback {
	return func(payload json.RawMessage) {
		fmt.Printf("%s: %s\n", label, payload)
	}
}

func splitDeviceIDs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
