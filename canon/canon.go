// Package canon implements the single canonical-serialization routine every
// content-addressed write in the pipeline goes through: stable key order,
// compact separators, UTF-8, and a fixed control-character strip so that
// sha256(canonical(x)) is reproducible across processes and languages.
//
// No third-party canonical-JSON library fits this need, so this is a
// deliberate stdlib implementation: encoding/json's map key sorting plus a
// controlled re-encode gives us the stability we need without inventing a
// dependency that doesn't otherwise exist here.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// stripControlChars removes 0x00-0x08, 0x0B, 0x0C, 0x0E-0x1F from a string,
// preserving tab (0x09), LF (0x0A) and CR (0x0D).
func stripControlChars(s string) string {
	var b strings.Builder
	changed := false
	for _, r := range s {
		if r == 0x09 || r == 0x0A || r == 0x0D {
			b.WriteRune(r)
			continue
		}
		if r <= 0x1F {
			changed = true
			continue
		}
		b.WriteRune(r)
	}
	if !changed {
		return s
	}
	return b.String()
}

// normalize walks a decoded JSON value, stripping control characters from
// every string and sorting map keys (sort.Strings order, which matches
// encoding/json's own map-key sort so this step is mostly documentation of
// intent, kept explicit so the behavior never depends on encoding/json's
// internals changing).
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return stripControlChars(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = normalize(t[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

// Marshal produces the canonical JSON encoding of v: v is first marshaled
// and unmarshaled through encoding/json's generic representation so that
// struct field order never leaks into the result, then re-encoded with
// sorted keys and compact separators.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	normalized := normalize(generic)
	out, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	return compact(out), nil
}

// compact removes the whitespace encoding/json leaves around object/array
// separators so that two semantically-equal values serialize byte-for-byte
// identically regardless of how they were originally produced.
func compact(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}

// SHA256Hex returns the lowercase hex sha256 digest of the canonical
// serialization of v.
func SHA256Hex(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
