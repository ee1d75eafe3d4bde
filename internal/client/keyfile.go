package client

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
)

// LoadKeyFile reads the client's RSA private key from a PEM file.
func LoadKeyFile(path string) (*rsa.PrivateKey, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		logx.Warnf("key file %s is accessible by other users (mode %04o)", path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	key, err := crypto.LoadPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	return key, nil
}
