// Package authflow runs the challenge/verify protocol and the tunnel
// registry operations on top of the storage and crypto packages.
package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/aspect-build/tunnelkeeper/internal/challenge"
	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/keyring"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
	"github.com/aspect-build/tunnelkeeper/internal/tunnel"
	"github.com/aspect-build/tunnelkeeper/internal/webhook"
)

const maxClientIDLen = 128

// Caller describes who is making a registry read.
type Caller struct {
	// Internal is set for requests carrying the internal shared secret.
	Internal bool
	// BearerToken is the access token from the Authorization header.
	BearerToken string
}

// Deps are the collaborators a Service needs. Webhook may be nil.
type Deps struct {
	Keys    *keyring.Ring
	Ledger  *challenge.Ledger
	Tunnels *tunnel.Registry
	Compact *crypto.CompactIssuer
	Webhook *webhook.Client
	// Secrets is the resolved SecretBundle handed to verified clients.
	Secrets map[string]string
}

type Service struct {
	keys    *keyring.Ring
	ledger  *challenge.Ledger
	tunnels *tunnel.Registry
	compact *crypto.CompactIssuer
	webhook *webhook.Client
	secrets map[string]string

	newToken func() (string, error)
}

func New(d Deps) *Service {
	return &Service{
		keys:     d.Keys,
		ledger:   d.Ledger,
		tunnels:  d.Tunnels,
		compact:  d.Compact,
		webhook:  d.Webhook,
		secrets:  maps.Clone(d.Secrets),
		newToken: crypto.OpaqueToken,
	}
}

// ChallengeRequest is the body of POST /challenge.
type ChallengeRequest struct {
	ClientID string `json:"clientId"`
}

// Challenge issues a fresh challenge for a known client.
func (s *Service) Challenge(ctx context.Context, req ChallengeRequest) (challenge.Challenge, error) {
	const op = "challenge"
	if err := checkClientID(req.ClientID); err != nil {
		return challenge.Challenge{}, fail(KindBadRequest, op, err)
	}
	if _, ok := s.keys.Lookup(req.ClientID); !ok {
		return challenge.Challenge{}, fail(KindAuthFailed, op, fmt.Errorf("unknown client %q", req.ClientID))
	}
	c, err := s.ledger.Issue(ctx, req.ClientID)
	if err != nil {
		return challenge.Challenge{}, fail(KindInternal, op, err)
	}
	logx.Debugf("challenge issued client=%q expires=%s", req.ClientID, c.ExpiresAt)
	return c, nil
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

// VerifyResult is returned to a client that proved key possession.
type VerifyResult struct {
	Success     bool              `json:"success"`
	Token       string            `json:"token"`
	AccessToken string            `json:"accessToken"`
	SecretData  map[string]string `json:"secretData"`
	RepoList    json.RawMessage   `json:"repoList,omitempty"`
}

// Verify consumes the client's challenge, checks the signature over it and
// mints credentials. Registry and webhook side effects are best-effort and
// never change the outcome.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	const op = "verify"
	if err := checkClientID(req.ClientID); err != nil {
		return nil, fail(KindBadRequest, op, err)
	}
	if req.Challenge == "" || req.Signature == "" {
		return nil, fail(KindBadRequest, op, errors.New("challenge and signature are required"))
	}
	if req.TunnelURL != "" {
		if err := tunnel.ValidateURL(req.TunnelURL); err != nil {
			return nil, fail(KindBadRequest, op, err)
		}
	}

	if err := s.ledger.Consume(ctx, req.ClientID, req.Challenge); err != nil {
		switch {
		case errors.Is(err, challenge.ErrNotFound),
			errors.Is(err, challenge.ErrExpired),
			errors.Is(err, challenge.ErrMismatch):
			return nil, fail(KindAuthFailed, op, fmt.Errorf("client %q: %w", req.ClientID, err))
		default:
			return nil, fail(KindInternal, op, err)
		}
	}

	pub, ok := s.keys.Lookup(req.ClientID)
	if !ok {
		return nil, fail(KindAuthFailed, op, fmt.Errorf("unknown client %q", req.ClientID))
	}
	if !crypto.VerifyChallenge(pub, req.Challenge, req.Signature) {
		return nil, fail(KindAuthFailed, op, fmt.Errorf("client %q: bad signature", req.ClientID))
	}

	accessToken, err := s.newToken()
	if err != nil {
		return nil, fail(KindInternal, op, err)
	}
	compact, err := s.compact.Issue(req.ClientID)
	if err != nil {
		return nil, fail(KindInternal, op, err)
	}

	res := &VerifyResult{
		Success:     true,
		Token:       compact,
		AccessToken: accessToken,
		SecretData:  s.SecretBundle(),
	}

	if req.TunnelURL != "" {
		if _, err := s.tunnels.Rotate(ctx, req.ClientID, req.TunnelURL, accessToken); err != nil {
			logx.Warnf("verify: client=%q: store tunnel: %v", req.ClientID, err)
		}
	}
	if req.RepoURL != "" {
		update := webhook.RepoUpdate{ClientID: req.ClientID, GRPCEndpoint: req.GRPCEndpoint, TunnelURL: req.TunnelURL}
		if err := s.webhook.SyncRepo(ctx, req.RepoURL, update); err != nil {
			webhookFailed(req.ClientID, "sync repo", err)
		}
	}
	if req.IncludeRepoList {
		repos, err := s.webhook.ListRepos(ctx)
		if err != nil {
			webhookFailed(req.ClientID, "list repos", err)
		} else {
			res.RepoList = repos
		}
	}

	logx.Infof("verify ok client=%q tunnel=%t repo=%t", req.ClientID, req.TunnelURL != "", req.RepoURL != "")
	return res, nil
}

func webhookFailed(clientID, what string, err error) {
	if errors.Is(err, webhook.ErrDisabled) {
		logx.Debugf("verify: client=%q: %s skipped: %v", clientID, what, err)
		return
	}
	logx.Warnf("verify: client=%q: %s: %v", clientID, what, err)
}

// SecretBundle returns a fresh copy of the configured secrets.
func (s *Service) SecretBundle() map[string]string {
	out := maps.Clone(s.secrets)
	if out == nil {
		out = map[string]string{}
	}
	return out
}

// RegisterRequest is the body of POST /tunnel/register.
type RegisterRequest struct {
	ClientID  string `json:"clientId"`
	TunnelURL string `json:"tunnelUrl"`
	Token     string `json:"token"`
}

// RegisterTunnel moves an existing record to a new URL. The caller must
// hold the access token the record was last written with.
func (s *Service) RegisterTunnel(ctx context.Context, req RegisterRequest) (tunnel.Record, error) {
	const op = "register"
	if err := checkClientID(req.ClientID); err != nil {
		return tunnel.Record{}, fail(KindBadRequest, op, err)
	}
	if req.TunnelURL == "" || req.Token == "" {
		return tunnel.Record{}, fail(KindBadRequest, op, errors.New("tunnelUrl and token are required"))
	}

	rec, err := s.tunnels.Update(ctx, req.ClientID, req.TunnelURL, req.Token)
	switch {
	case err == nil:
		logx.Infof("tunnel registered client=%q", req.ClientID)
		return rec, nil
	case errors.Is(err, tunnel.ErrInvalidURL):
		return tunnel.Record{}, fail(KindBadRequest, op, err)
	case errors.Is(err, tunnel.ErrNotFound), errors.Is(err, tunnel.ErrTokenMismatch):
		return tunnel.Record{}, fail(KindAuthFailed, op, fmt.Errorf("client %q: %w", req.ClientID, err))
	default:
		return tunnel.Record{}, fail(KindInternal, op, err)
	}
}

// GetTunnel returns one record. Internal callers may read any record;
// anyone else must present the record's access token. External callers
// get AuthFailed for a missing record too, so they cannot probe which
// client ids exist.
func (s *Service) GetTunnel(ctx context.Context, caller Caller, clientID string) (tunnel.Record, error) {
	const op = "get tunnel"
	if err := checkClientID(clientID); err != nil {
		return tunnel.Record{}, fail(KindBadRequest, op, err)
	}
	if !caller.Internal && caller.BearerToken == "" {
		return tunnel.Record{}, fail(KindAuthFailed, op, errors.New("no credentials"))
	}

	rec, err := s.tunnels.Fetch(ctx, clientID)
	if err != nil {
		if errors.Is(err, tunnel.ErrNotFound) {
			kind := KindNotFound
			if !caller.Internal {
				kind = KindAuthFailed
			}
			return tunnel.Record{}, fail(kind, op, fmt.Errorf("client %q: %w", clientID, err))
		}
		return tunnel.Record{}, fail(KindInternal, op, err)
	}
	if !caller.Internal && !rec.TokenMatches(caller.BearerToken) {
		return tunnel.Record{}, fail(KindAuthFailed, op, fmt.Errorf("client %q: token mismatch", clientID))
	}
	return rec, nil
}

// ListTunnels returns every record. Internal callers only.
func (s *Service) ListTunnels(ctx context.Context, caller Caller) ([]tunnel.Record, error) {
	const op = "list tunnels"
	if !caller.Internal {
		return nil, fail(KindAuthFailed, op, errors.New("internal callers only"))
	}
	records, err := s.tunnels.List(ctx)
	if err != nil {
		return nil, fail(KindInternal, op, err)
	}
	return records, nil
}

func checkClientID(id string) error {
	switch {
	case id == "":
		return errors.New("clientId is required")
	case len(id) > maxClientIDLen:
		return fmt.Errorf("clientId longer than %d bytes", maxClientIDLen)
	}
	return nil
}
