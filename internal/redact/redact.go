// Package redact hides known secret values in text before it leaves the
// process: server log lines, and the stdout/stderr of commands launched
// by the client with a secret bundle in their environment.
package redact

import (
	aho "github.com/petar-dambovaliev/aho-corasick"
)

// Placeholder replaces every secret occurrence.
const Placeholder = "[REDACTED]"

// Redactor matches a fixed set of secret values with a single
// Aho-Corasick automaton. The zero value and a Redactor built from no
// non-empty values pass text through unchanged.
type Redactor struct {
	matcher aho.AhoCorasick
	maxLen  int
	enabled bool
}

// New builds a Redactor for the given values. Empty strings are ignored;
// they would match everywhere.
func New(values []string) *Redactor {
	var patterns []string
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		patterns = append(patterns, v)
	}

	r := &Redactor{}
	if len(patterns) == 0 {
		return r
	}
	for _, p := range patterns {
		if len(p) > r.maxLen {
			r.maxLen = len(p)
		}
	}
	builder := aho.NewAhoCorasickBuilder(aho.Opts{})
	r.matcher = builder.Build(patterns)
	r.enabled = true
	return r
}

// Enabled reports whether any value is being redacted.
func (r *Redactor) Enabled() bool {
	return r != nil && r.enabled
}

// String returns s with every secret value replaced by Placeholder.
func (r *Redactor) String(s string) string {
	if !r.Enabled() {
		return s
	}
	out, _ := r.replace([]byte(s), len(s))
	return string(out)
}

// replace rewrites buf[:limit] and returns the rewritten bytes plus the
// offset in buf up to which input was consumed. A match that starts
// before limit but ends after it is consumed whole, so consumed can be
// larger than limit.
func (r *Redactor) replace(buf []byte, limit int) ([]byte, int) {
	matches := r.matcher.FindAll(string(buf))

	var out []byte
	pos := 0
	consumed := limit
	for _, m := range matches {
		start, end := m.Start(), m.End()
		if start < pos {
			continue
		}
		if start >= limit {
			break
		}
		out = append(out, buf[pos:start]...)
		out = append(out, Placeholder...)
		pos = end
		if end > consumed {
			consumed = end
		}
	}
	if pos < limit {
		out = append(out, buf[pos:limit]...)
	}
	return out, consumed
}
