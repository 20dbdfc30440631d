package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshal_StableKeyOrder(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	b := map[string]interface{}{"c": 3, "a": 2, "b": 1}

	outA, err := Marshal(a)
	require.NoError(t, err)
	outB, err := Marshal(b)
	require.NoError(t, err)

	require.Equal(t, outA, outB)
	require.Equal(t, `{"a":2,"b":1,"c":3}`, string(outA))
}

func TestMarshal_StripsControlCharsPreservesWhitespace(t *testing.T) {
	v := map[string]interface{}{"msg": "line1\n\x01line2\ttab\rcr"}
	out, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, "{\"msg\":\"line1\\nline2\\ttab\\rcr\"}", string(out))
}

func TestSHA256Hex_RoundTrip(t *testing.T) {
	v := map[string]interface{}{"x": 1}
	digest, err := SHA256Hex(v)
	require.NoError(t, err)

	raw, err := Marshal(v)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	require.Equal(t, hex.EncodeToString(sum[:]), digest)
}

func TestMarshal_Deterministic(t *testing.T) {
	v := map[string]interface{}{
		"nested": map[string]interface{}{"z": 1, "y": 2},
		"list":   []interface{}{3, 2, 1},
	}
	out1, err := Marshal(v)
	require.NoError(t, err)
	out2, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}
