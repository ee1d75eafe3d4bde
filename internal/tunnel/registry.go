// Package tunnel keeps the clientId → tunnel URL records in a single
// global partition.
package tunnel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/partition"
)

var (
	ErrNotFound      = errors.New("tunnel record not found")
	ErrTokenMismatch = errors.New("tunnel token mismatch")
	ErrInvalidURL    = errors.New("invalid tunnel url")
)

// PartitionKey is the partition every record lives in.
const PartitionKey = "tunnels"

// Record binds a client to its advertised endpoint. Token is the bearer
// credential that authorizes writes and is never serialized to callers.
type Record struct {
	ClientID    string    `json:"clientId"`
	EndpointURL string    `json:"tunnelUrl"`
	Token       string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// stored is the persisted form; unlike Record it keeps the token.
type stored struct {
	ClientID    string    `json:"clientId"`
	EndpointURL string    `json:"tunnelUrl"`
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Registry reads and writes tunnel records.
type Registry struct {
	store *partition.Store
	now   func() time.Time
}

func NewRegistry(store *partition.Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Store upserts the record for clientID. If a record exists its token
// must equal token, otherwise ErrTokenMismatch is returned and nothing
// changes.
func (r *Registry) Store(ctx context.Context, clientID, endpointURL, token string) (Record, error) {
	return r.write(ctx, clientID, endpointURL, token, func(cur *stored) error {
		if cur != nil && !tokensEqual(cur.Token, token) {
			return ErrTokenMismatch
		}
		return nil
	})
}

// Rotate upserts the record for clientID and replaces its token without
// checking the old one. Only call it after the client proved key possession.
func (r *Registry) Rotate(ctx context.Context, clientID, endpointURL, newToken string) (Record, error) {
	return r.write(ctx, clientID, endpointURL, newToken, func(*stored) error { return nil })
}

// Update rewrites the URL of an existing record. The record must exist
// and token must match it.
func (r *Registry) Update(ctx context.Context, clientID, endpointURL, token string) (Record, error) {
	return r.write(ctx, clientID, endpointURL, token, func(cur *stored) error {
		if cur == nil {
			return ErrNotFound
		}
		if !tokensEqual(cur.Token, token) {
			return ErrTokenMismatch
		}
		return nil
	})
}

func (r *Registry) write(ctx context.Context, clientID, endpointURL, token string, check func(*stored) error) (Record, error) {
	if err := ValidateURL(endpointURL); err != nil {
		return Record{}, err
	}
	var out Record
	err := r.store.Do(ctx, PartitionKey, func(tx *partition.Tx) error {
		cur, err := load(tx, clientID)
		if err != nil {
			return err
		}
		if err := check(cur); err != nil {
			return err
		}

		now := r.now().UTC()
		next := stored{ClientID: clientID, EndpointURL: endpointURL, Token: token, CreatedAt: now, UpdatedAt: now}
		if cur != nil {
			next.CreatedAt = cur.CreatedAt
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode tunnel record: %w", err)
		}
		if err := tx.Put(clientID, raw); err != nil {
			return err
		}
		out = next.record()
		return nil
	})
	return out, err
}

// Fetch returns the record for clientID, token included.
func (r *Registry) Fetch(ctx context.Context, clientID string) (Record, error) {
	var out Record
	err := r.store.Do(ctx, PartitionKey, func(tx *partition.Tx) error {
		cur, err := load(tx, clientID)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrNotFound
		}
		out = cur.record()
		return nil
	})
	return out, err
}

// List returns every record ordered by client id.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	values, err := r.store.List(ctx, PartitionKey)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(values))
	for _, raw := range values {
		var s stored
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode tunnel record: %w", err)
		}
		records = append(records, s.record())
	}
	return records, nil
}

// Delete removes the record for clientID.
func (r *Registry) Delete(ctx context.Context, clientID string) error {
	deleted, err := r.store.Delete(ctx, PartitionKey, clientID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// ValidateURL accepts absolute http, https, ws and wss URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

// TokenMatches reports whether presented equals the record's token.
func (rec Record) TokenMatches(presented string) bool {
	return tokensEqual(rec.Token, presented)
}

func tokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func load(tx *partition.Tx, clientID string) (*stored, error) {
	raw, found, err := tx.Get(clientID)
	if err != nil || !found {
		return nil, err
	}
	var s stored
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode tunnel record %q: %w", clientID, err)
	}
	return &s, nil
}

func (s stored) record() Record {
	return Record{
		ClientID:    s.ClientID,
		EndpointURL: s.EndpointURL,
		Token:       s.Token,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}
