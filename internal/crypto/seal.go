package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	ivLen      = 12
	gcmTagLen  = 16
	minSealLen = ivLen + gcmTagLen
)

// ErrSealedTooShort is returned when a sealed blob cannot even hold an IV and tag.
var ErrSealedTooShort = errors.New("sealed value too short")

// Sealer encrypts values at rest with AES-256-GCM under a master key.
// Sealed format: iv(12) || ciphertext+tag
type Sealer struct {
	aead cipher.AEAD
}

// ParseMasterKey decodes a 64-hex-character master key.
func ParseMasterKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("master key must be hex: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("master key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// NewSealer returns a Sealer for the given master key.
func NewSealer(masterKey [32]byte) (*Sealer, error) {
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext. aad binds the ciphertext to where it is
// stored, so a sealed value copied under another key fails to open.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	out := make([]byte, 0, ivLen+len(plaintext)+gcmTagLen)
	out = append(out, iv...)
	return s.aead.Seal(out, iv, plaintext, aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < minSealLen {
		return nil, ErrSealedTooShort
	}
	plaintext, err := s.aead.Open(nil, sealed[:ivLen], sealed[ivLen:], aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
