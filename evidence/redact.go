// Package evidence implements the bounding discipline every collector must
// apply before a payload crosses the object-store boundary: secret
// redaction, row/byte budgeting, and time-window clamping.
package evidence

import "regexp"

// secretPatterns match substrings that look like credentials. Grounded on
// common.MaskSecret's masking intent (common/utils.go) but operating on
// arbitrary free-form strings rather than a single known secret value, the
// way the original collectors' redact step scrubs query result rows before
// they are sized and persisted.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]{10,}`),
	regexp.MustCompile(`(?i)\bapi[_-]?key["'=:\s]+[a-z0-9._~+/=-]{10,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\baws_secret_access_key["'=:\s]+[a-z0-9/+=]{20,}`),
	regexp.MustCompile(`(?i)\bpassword["'=:\s]+\S{4,}`),
	regexp.MustCompile(`(?i)\b\w+://[^:\s]+:[^@\s]+@[^\s]+`), // user:pass@host connection strings
}

const redactedMarker = "[REDACTED]"

// Redact scrubs every secret-shaped substring out of s.
func Redact(s string) string {
	out := s
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, redactedMarker)
	}
	return out
}

// RedactFields applies Redact to every string value in a shallow map,
// leaving non-string values untouched. Collectors call this on each row of
// a section before sizing.
func RedactFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

// RedactStrings applies Redact to every element of a string slice.
func RedactStrings(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Redact(s)
	}
	return out
}
