// Package resolver provides the default net/http-backed implementations
// of the two external HTTP collaborators deliberately kept out
// of the core's scope: resolving an account/site pair to a direct
// WebSocket URL, and fetching an OAuth2 access token. Both follow the
// context-bounded single-request pattern relay.go uses throughout for
// its own short-lived HTTP/relay round trips.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPAddressResolver resolves (httpDomain, account, site, jwt) to a
// direct WebSocket URL via a single GET against httpDomain's
// node-discovery endpoint.
func HTTPAddressResolver(client *http.Client, timeout time.Duration) func(ctx context.Context, httpDomain, account, site, jwt string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, httpDomain, account, site, jwt string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		u := fmt.Sprintf("https://%s/api/resolve?account=%s&site=%s",
			httpDomain, url.QueryEscape(account), url.QueryEscape(site))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", fmt.Errorf("resolver: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+jwt)

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("resolver: resolve address: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("resolver: resolve address: unexpected status %d", resp.StatusCode)
		}

		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("resolver: decode response: %w", err)
		}
		if body.URL == "" {
			return "", fmt.Errorf("resolver: empty url in response")
		}
		return body.URL, nil
	}
}

// StaticTokenGetter returns a TokenGetter-shaped function that always
// yields the same pre-fetched token, for callers that manage token
// lifecycle themselves.
func StaticTokenGetter(token string) func(ctx context.Context, authDomain string) (string, error) {
	return func(ctx context.Context, authDomain string) (string, error) {
		return token, nil
	}
}

// OAuth2TokenGetter fetches a token via a single client-credentials POST
// to authDomain, the default token getter used by connectPersistent.
func OAuth2TokenGetter(client *http.Client, clientID, clientSecret string, timeout time.Duration) func(ctx context.Context, authDomain string) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, authDomain string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", clientID)
		form.Set("client_secret", clientSecret)

		endpoint := fmt.Sprintf("https://%s/oauth/token", authDomain)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return "", fmt.Errorf("resolver: build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("resolver: fetch token: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return "", fmt.Errorf("resolver: fetch token: unexpected status %d: %s", resp.StatusCode, string(raw))
		}

		var body struct {
			AccessToken string `json:"access_token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("resolver: decode token response: %w", err)
		}
		if body.AccessToken == "" {
			return "", fmt.Errorf("resolver: empty access_token in response")
		}
		return body.AccessToken, nil
	}
}
