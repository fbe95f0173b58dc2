package utils

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func TestSanitizeIdent(t *testing.T) {
	cases := map[string]string{
		"alice":     "alice",
		"Alice":     "alice",
		"a-b.c":     "a_b_c",
		"42degrees": "u_42degrees",
		"___":       "u",
	}
	for in, want := range cases {
		require.Equal(t, want, SanitizeIdent(in), "input %q", in)
	}
}

func TestSanitizeIdentIsDeterministicAndSafe(t *testing.T) {
	inputs := []string{
		"8f14e45f-ceea-467f-a1d4-91f1f0a8d1b2",
		"user@example.com",
		"UPPER CASE NAME",
		"日本語",
	}
	for _, in := range inputs {
		first := SanitizeIdent(in)
		require.Equal(t, first, SanitizeIdent(in))
		require.LessOrEqual(t, len(first), 32)
		require.Regexp(t, identRe, first)
	}
}
