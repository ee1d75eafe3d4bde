// Package keyring loads the static clientId → RSA public key mapping that
// decides which identities may authenticate.
package keyring

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"gopkg.in/yaml.v3"
)

// ErrEmpty is returned for a keys file that names no clients.
var ErrEmpty = errors.New("keys file defines no clients")

// file is the on-disk schema:
//
//	clients:
//	  c1: |
//	    -----BEGIN PUBLIC KEY-----
//	    ...
type file struct {
	Clients map[string]string `json:"clients" yaml:"clients" toml:"clients"`
}

// Ring is an immutable set of client public keys.
type Ring struct {
	keys map[string]*rsa.PublicKey
}

// Load reads and parses a keys file. The format follows the extension:
// .yaml/.yml, .toml, or .json.
func Load(path string) (*Ring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes keys file contents in the format named by ext.
func Parse(data []byte, ext string) (*Ring, error) {
	var f file
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse yaml keys file: %w", err)
		}
	case ".toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
			return nil, fmt.Errorf("parse toml keys file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse json keys file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported keys file extension %q", ext)
	}
	return New(f.Clients)
}

// New builds a Ring from clientId → public key text.
func New(clients map[string]string) (*Ring, error) {
	if len(clients) == 0 {
		return nil, ErrEmpty
	}
	r := &Ring{keys: make(map[string]*rsa.PublicKey, len(clients))}
	for id, text := range clients {
		if strings.TrimSpace(id) == "" {
			return nil, errors.New("keys file has an empty client id")
		}
		pub, err := crypto.ImportPublicKey(text)
		if err != nil {
			return nil, fmt.Errorf("client %q: %w", id, err)
		}
		r.keys[id] = pub
	}
	return r, nil
}

// Lookup returns the public key for clientID.
func (r *Ring) Lookup(clientID string) (*rsa.PublicKey, bool) {
	pub, ok := r.keys[clientID]
	return pub, ok
}

// Len returns the number of known clients.
func (r *Ring) Len() int { return len(r.keys) }

// IDs returns the known client ids, sorted.
func (r *Ring) IDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
