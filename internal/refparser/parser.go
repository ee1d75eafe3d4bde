// Package refparser parses tunnelkeeper:// references, which let an env
// file bind a variable to a secret of the login bundle under another name.
package refparser

import (
	"fmt"
	"strings"
)

const refPrefix = "tunnelkeeper://"

// SecretRef represents a parsed tunnelkeeper:// reference.
//
//	tunnelkeeper://<secret_name>
type SecretRef struct {
	Name string
	Raw  string
}

// IsRef returns true if value starts with "tunnelkeeper://".
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// Parse parses a tunnelkeeper://<secret_name> reference. The name must
// be a valid environment variable name, since bundle secrets are
// exported under their own names too.
func Parse(ref string) (SecretRef, error) {
	if !IsRef(ref) {
		return SecretRef{}, fmt.Errorf("not a tunnelkeeper reference: %q", ref)
	}

	name := strings.TrimPrefix(ref, refPrefix)
	if !validName(name) {
		return SecretRef{}, fmt.Errorf("invalid tunnelkeeper reference %q: expected tunnelkeeper://<secret_name>", ref)
	}
	return SecretRef{Name: name, Raw: ref}, nil
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
