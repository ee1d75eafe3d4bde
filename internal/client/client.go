// Package client is the HTTP side of the tunnelkeeper CLI.
package client

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
)

const internalSecretHeader = "X-Internal-Secret"

// APIError is a non-200 answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client calls a tunnelkeeper server.
type Client struct {
	baseURL string
	http    *http.Client
	// InternalSecret, when set, is sent as X-Internal-Secret.
	InternalSecret string
}

// New returns a Client for serverURL. Plain HTTP is refused unless
// allowInsecure is set.
func New(serverURL string, allowInsecure bool) (*Client, error) {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if serverURL == "" {
		return nil, errors.New("server URL is required")
	}
	if !strings.HasPrefix(serverURL, "https://") {
		if !allowInsecure {
			return nil, fmt.Errorf("server URL %q is not HTTPS; use --insecure to allow plaintext HTTP", serverURL)
		}
		fmt.Fprintf(os.Stderr, "tunnelkeeper: WARNING: communicating over plaintext HTTP (%s)\n", serverURL)
	}
	return &Client{baseURL: serverURL, http: &http.Client{Timeout: 20 * time.Second}}, nil
}

// ChallengeResponse is the body returned by POST /challenge.
type ChallengeResponse struct {
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	ClientID        string `json:"clientId"`
	Challenge       string `json:"challenge"`
	Signature       string `json:"signature"`
	RepoURL         string `json:"repoUrl,omitempty"`
	GRPCEndpoint    string `json:"grpcEndpoint,omitempty"`
	TunnelURL       string `json:"tunnelUrl,omitempty"`
	IncludeRepoList bool   `json:"includeRepoList,omitempty"`
}

// Session is what a successful login yields.
type Session struct {
	Token       string            `json:"token"`
	AccessToken string            `json:"accessToken"`
	SecretData  map[string]string `json:"secretData"`
	RepoList    json.RawMessage   `json:"repoList,omitempty"`
}

// Tunnel is a registry record as the server returns it.
type Tunnel struct {
	ClientID  string    `json:"clientId"`
	TunnelURL string    `json:"tunnelUrl"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LoginOptions are the optional parts of a verify request.
type LoginOptions struct {
	TunnelURL       string
	RepoURL         string
	GRPCEndpoint    string
	IncludeRepoList bool
}

// Challenge asks the server for a challenge for clientID.
func (c *Client) Challenge(ctx context.Context, clientID string) (*ChallengeResponse, error) {
	var out ChallengeResponse
	if err := c.call(ctx, http.MethodPost, "/challenge", "", map[string]string{"clientId": clientID}, &out); err != nil {
		return nil, err
	}
	if out.Challenge == "" {
		return nil, errors.New("challenge response missing challenge")
	}
	return &out, nil
}

// Verify submits a signed challenge.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*Session, error) {
	var out Session
	if err := c.call(ctx, http.MethodPost, "/verify", "", req, &out); err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, errors.New("verify response missing accessToken")
	}
	return &out, nil
}

// Login runs the full challenge, sign, verify exchange.
func (c *Client) Login(ctx context.Context, clientID string, key *rsa.PrivateKey, opts LoginOptions) (*Session, error) {
	ch, err := c.Challenge(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("request challenge: %w", err)
	}
	logx.Debugf("challenge received client=%q expires=%s", clientID, ch.ExpiresAt)

	sig, err := crypto.SignChallenge(key, ch.Challenge)
	if err != nil {
		return nil, err
	}
	sess, err := c.Verify(ctx, VerifyRequest{
		ClientID:        clientID,
		Challenge:       ch.Challenge,
		Signature:       sig,
		RepoURL:         opts.RepoURL,
		GRPCEndpoint:    opts.GRPCEndpoint,
		TunnelURL:       opts.TunnelURL,
		IncludeRepoList: opts.IncludeRepoList,
	})
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}
	return sess, nil
}

// RegisterTunnel points clientID's record at tunnelURL.
func (c *Client) RegisterTunnel(ctx context.Context, clientID, tunnelURL, accessToken string) (*Tunnel, error) {
	var out struct {
		Data Tunnel `json:"data"`
	}
	body := map[string]string{"clientId": clientID, "tunnelUrl": tunnelURL, "token": accessToken}
	if err := c.call(ctx, http.MethodPost, "/tunnel/register", "", body, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetTunnel fetches one record. accessToken may be empty when the client
// has an InternalSecret.
func (c *Client) GetTunnel(ctx context.Context, clientID, accessToken string) (*Tunnel, error) {
	var out struct {
		Data Tunnel `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/tunnel/"+url.PathEscape(clientID), accessToken, nil, &out); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// ListTunnels fetches every record. Requires InternalSecret.
func (c *Client) ListTunnels(ctx context.Context) ([]Tunnel, error) {
	var out struct {
		Data  []Tunnel `json:"data"`
		Count int      `json:"count"`
	}
	if err := c.call(ctx, http.MethodGet, "/tunnels", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if c.InternalSecret != "" {
		req.Header.Set(internalSecretHeader, c.InternalSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
