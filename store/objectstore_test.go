package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	B int `json:"b"`
	A int `json:"a"`
}

func TestObjectStore_PutThenGet(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	os := NewObjectStore(client, "evidence-bucket")

	require.NoError(t, os.EnsureBucket(ctx))

	sha, size, err := os.PutJSON(ctx, "incidents/i-1/evidence/run-1/logs.json", sample{A: 1, B: 2})
	require.NoError(t, err)
	require.NotEmpty(t, sha)
	require.Greater(t, size, 0)

	var out sample
	require.NoError(t, os.GetJSON(ctx, "incidents/i-1/evidence/run-1/logs.json", &out))
	require.Equal(t, sample{A: 1, B: 2}, out)
}

func TestObjectStore_Exists(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	os := NewObjectStore(client, "evidence-bucket")

	exists, err := os.Exists(ctx, "missing.json")
	require.NoError(t, err)
	require.False(t, exists)

	_, _, err = os.PutJSON(ctx, "present.json", sample{A: 1})
	require.NoError(t, err)

	exists, err = os.Exists(ctx, "present.json")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPutJSON_SameInputSameHash(t *testing.T) {
	ctx := context.Background()
	client := NewMockS3Client()
	os := NewObjectStore(client, "b")

	sha1, _, err := os.PutJSON(ctx, "k1", sample{A: 1, B: 2})
	require.NoError(t, err)
	sha2, _, err := os.PutJSON(ctx, "k2", sample{B: 2, A: 1})
	require.NoError(t, err)
	require.Equal(t, sha1, sha2)
}

func TestEvidenceKey_SnapshotKey_PacketKey(t *testing.T) {
	require.Equal(t, "incidents/i-1/evidence/run-1/logs.json", EvidenceKey("i-1", "run-1", "logs"))
	require.Equal(t, "incidents/i-1/snapshots/run-1.json", SnapshotKey("i-1", "run-1"))
	require.Equal(t, "incidents/i-1/packets/run-1.json", PacketKey("i-1", "run-1"))
}
