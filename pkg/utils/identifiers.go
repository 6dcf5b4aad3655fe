package utils

import "strings"

// SanitizeIdentifier makes an identifier safe for container and volume names, which must match
// [a-zA-Z0-9][a-zA-Z0-9_.-]*. Disallowed characters become dashes; a leading non-alphanumeric
// character is prefixed with "x".
func SanitizeIdentifier(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := b.String()
	if out == "" {
		return "x"
	}
	if c := out[0]; !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
		out = "x" + out
	}
	return out
}
