// Package webhook talks to the webhook worker that owns repository
// metadata. Every call is authenticated with the internal shared secret.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// InternalHeader marks requests as coming from tunnelkeeper.
	InternalHeader = "X-Tunnelkeeper-Internal"

	DefaultTimeout = 5 * time.Second

	maxErrorBody = 512
)

// ErrDisabled is returned when no webhook URL is configured.
var ErrDisabled = errors.New("webhook worker not configured")

// RepoUpdate is the body of PATCH /repo/{url}.
type RepoUpdate struct {
	ClientID     string `json:"clientId"`
	GRPCEndpoint string `json:"grpcEndpoint,omitempty"`
	TunnelURL    string `json:"tunnelUrl,omitempty"`
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client calls the webhook worker. A nil *Client is valid and returns
// ErrDisabled from every call.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for baseURL, or nil when baseURL is empty.
func New(baseURL, secret string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret, TokenType: "Bearer"}),
				Base:   internalTransport{base: http.DefaultTransport},
			},
		},
	}
}

type internalTransport struct {
	base http.RoundTripper
}

func (t internalTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(InternalHeader, "1")
	return t.base.RoundTrip(req)
}

// SyncRepo sends PATCH /repo/{repoURL} with the client's current endpoints.
func (c *Client) SyncRepo(ctx context.Context, repoURL string, update RepoUpdate) error {
	if c == nil {
		return ErrDisabled
	}
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal repo update: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPatch, "/repo/"+url.PathEscape(repoURL), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection goes back to the pool.
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ListRepos calls GET /repos and returns the response body unchanged.
func (c *Client) ListRepos(ctx context.Context) (json.RawMessage, error) {
	if c == nil {
		return nil, ErrDisabled
	}
	resp, err := c.do(ctx, http.MethodGet, "/repos", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read repo list: %w", err)
	}
	if !json.Valid(raw) {
		return nil, errors.New("repo list is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}
