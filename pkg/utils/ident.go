package utils

import "strings"

const maxIdentLen = 32

// SanitizeIdent converts an arbitrary principal identifier into a safe
// sandbox account name: lowercase, [a-z0-9_] only, starting with a letter,
// at most 32 characters. The mapping is deterministic so repeated calls for
// the same principal yield the same identity.
func SanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || !(out[0] >= 'a' && out[0] <= 'z') {
		out = "u_" + out
	}
	if len(out) > maxIdentLen {
		out = out[:maxIdentLen]
	}
	return strings.TrimRight(out, "_")
}
