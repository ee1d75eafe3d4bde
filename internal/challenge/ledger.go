// Package challenge keeps one outstanding single-use challenge per client
// identity on top of a partition.Store.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/partition"
)

var (
	ErrNotFound = errors.New("no outstanding challenge")
	ErrExpired  = errors.New("challenge expired")
	ErrMismatch = errors.New("challenge mismatch")
)

const (
	// DefaultTTL is how long an issued challenge stays valid.
	DefaultTTL = 5 * time.Minute

	nonceLen = 32
	entryID  = "challenge"
)

// Challenge is the nonce a client must sign.
type Challenge struct {
	Value     string    `json:"challenge"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options configures a Ledger. Zero fields take defaults.
type Options struct {
	TTL  time.Duration
	Now  func() time.Time
	Rand io.Reader
}

// Ledger issues and consumes challenges.
type Ledger struct {
	store *partition.Store
	ttl   time.Duration
	now   func() time.Time
	rand  io.Reader
}

func NewLedger(store *partition.Store, opts Options) *Ledger {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Ledger{store: store, ttl: opts.TTL, now: opts.Now, rand: opts.Rand}
}

// TTL returns the configured challenge lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Issue creates a fresh challenge for clientID, replacing any earlier one.
func (l *Ledger) Issue(ctx context.Context, clientID string) (Challenge, error) {
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(l.rand, nonce); err != nil {
		return Challenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	c := Challenge{
		Value:     base64.StdEncoding.EncodeToString(nonce),
		ClientID:  clientID,
		ExpiresAt: l.now().Add(l.ttl).UTC(),
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return Challenge{}, fmt.Errorf("encode challenge: %w", err)
	}
	if err := l.store.Put(ctx, partitionKey(clientID), entryID, raw); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

// Consume checks presented against the outstanding challenge for clientID.
//
// A matching unexpired challenge is deleted and nil returned. An expired
// challenge is deleted and ErrExpired returned whatever was presented. A
// wrong value leaves the challenge in place and returns ErrMismatch.
func (l *Ledger) Consume(ctx context.Context, clientID, presented string) error {
	return l.store.Do(ctx, partitionKey(clientID), func(tx *partition.Tx) error {
		raw, found, err := tx.Get(entryID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		var c Challenge
		if err := json.Unmarshal(raw, &c); err != nil {
			// Unreadable entries are dropped so the client can start over.
			if _, derr := tx.Delete(entryID); derr != nil {
				return derr
			}
			return fmt.Errorf("%w: decode stored challenge: %v", ErrNotFound, err)
		}

		if l.now().After(c.ExpiresAt) {
			if _, err := tx.Delete(entryID); err != nil {
				return err
			}
			return ErrExpired
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(c.Value)) != 1 {
			return ErrMismatch
		}
		_, err = tx.Delete(entryID)
		return err
	})
}

func partitionKey(clientID string) string {
	return "challenge:" + clientID
}
