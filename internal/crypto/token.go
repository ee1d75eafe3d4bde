package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	opaqueTokenLen = 32

	// DefaultCompactTTL is the lifetime written into compact tokens.
	DefaultCompactTTL = time.Hour
)

// OpaqueToken returns 32 random bytes, base64 encoded.
func OpaqueToken() (string, error) {
	b := make([]byte, opaqueTokenLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// CompactClaims is the payload of a compact token.
type CompactClaims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// CompactIssuer signs HS256 compact tokens. Nothing in the server reads
// them back; they are handed out for older clients.
type CompactIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCompactIssuer(secret []byte, ttl time.Duration) (*CompactIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("compact token secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultCompactTTL
	}
	return &CompactIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for clientID.
func (i *CompactIssuer) Issue(clientID string) (string, error) {
	now := i.now().Truncate(time.Second)
	claims := CompactClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign compact token: %w", err)
	}
	return signed, nil
}
