package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aspect-build/tunnelkeeper/internal/refparser"
)

// BuildEnv assembles a child environment. Later layers win: base (usually
// os.Environ()), then the env file, then the secret bundle. Variables
// keep the position they first appeared at; new secret names are appended
// in sorted order.
//
// An env file value of the form tunnelkeeper://NAME is replaced by the
// bundle secret NAME; a reference to a secret the bundle lacks is an error.
func BuildEnv(base []string, file []EnvEntry, secrets map[string]string) ([]string, error) {
	values := make(map[string]string)
	var keys []string
	set := func(k, v string) {
		if _, ok := values[k]; !ok {
			keys = append(keys, k)
		}
		values[k] = v
	}

	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if k != "" {
			set(k, v)
		}
	}
	for _, e := range file {
		v := e.Value
		if refparser.IsRef(v) {
			ref, err := refparser.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Key, err)
			}
			secret, ok := secrets[ref.Name]
			if !ok {
				return nil, fmt.Errorf("%s: secret %q is not in the login bundle", e.Key, ref.Name)
			}
			v = secret
		}
		set(e.Key, v)
	}

	names := make([]string, 0, len(secrets))
	for k := range secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		set(k, secrets[k])
	}

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+values[k])
	}
	return env, nil
}

// SecretValues returns the values of the bundle, for output masking.
func SecretValues(secrets map[string]string) []string {
	out := make([]string, 0, len(secrets))
	for _, v := range secrets {
		out = append(out, v)
	}
	return out
}
