package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrKeyFormat is returned for key material that is not a usable RSA key.
var ErrKeyFormat = errors.New("unsupported key format")

// ImportPublicKey parses an RSA public key. Accepted forms are a PEM
// "PUBLIC KEY" (SubjectPublicKeyInfo) block, a PEM "RSA PUBLIC KEY"
// (PKCS#1) block, and a single OpenSSH authorized_keys line ("ssh-rsa ...").
func ImportPublicKey(text string) (*rsa.PublicKey, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "ssh-") {
		return importAuthorizedKey(trimmed)
	}

	block, _ := pem.Decode([]byte(trimmed))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKeyFormat)
	}

	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrKeyFormat, pub)
		}
		return rsaPub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrKeyFormat, block.Type)
	}
}

func importAuthorizedKey(line string) (*rsa.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
	}
	ck, ok := key.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: ssh key type %s", ErrKeyFormat, key.Type())
	}
	rsaPub, ok := ck.CryptoPublicKey().(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: ssh key type %s", ErrKeyFormat, key.Type())
	}
	return rsaPub, nil
}

// VerifyChallenge reports whether signatureB64 is a PKCS#1 v1.5 SHA-256
// signature by pub over the bytes of the challenge string as sent.
// Malformed input yields false.
func VerifyChallenge(pub *rsa.PublicKey, challenge, signatureB64 string) bool {
	if pub == nil || challenge == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(challenge))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// SignChallenge produces the base64 signature VerifyChallenge accepts.
func SignChallenge(priv *rsa.PrivateKey, challenge string) (string, error) {
	digest := sha256.Sum256([]byte(challenge))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// LoadPrivateKey parses a PEM RSA private key in PKCS#1 or PKCS#8 form.
func LoadPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKeyFormat)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		return k, nil
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyFormat, err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrKeyFormat, k)
		}
		return rk, nil
	default:
		return nil, fmt.Errorf("%w: PEM type %q", ErrKeyFormat, block.Type)
	}
}

// EncodePublicKey returns pub as a PEM "PUBLIC KEY" block.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKey returns priv as a PEM "PRIVATE KEY" (PKCS#8) block.
func EncodePrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
