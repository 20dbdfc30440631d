// Package store holds the three durable backends the pipeline depends on:
// an S3-compatible object store for evidence blobs and packets, a
// Postgres-backed single-table record store for incident/run/webhook state,
// and a Redis cache for idempotency keys, locks, and pause flags.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rajawajahat/opsrunbook-copilot/canon"
	eve "github.com/rajawajahat/opsrunbook-copilot/common"
)

// S3Client is the subset of the AWS S3 SDK the object store depends on. It
// exists so tests can substitute MockS3Client instead of a live bucket.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// ObjectStore persists evidence blobs, snapshots, and incident packets as
// content-addressed JSON objects in a single bucket.
type ObjectStore struct {
	client S3Client
	bucket string
}

// NewObjectStore wraps an already-configured S3 client bound to bucket.
func NewObjectStore(client S3Client, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

// Bucket returns the bucket this store writes to, used to populate
// EvidenceRef.Bucket on every write.
func (o *ObjectStore) Bucket() string {
	return o.bucket
}

// EnsureBucket creates the bucket if it does not already exist.
func (o *ObjectStore) EnsureBucket(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	if err == nil {
		return nil
	}
	_, err = o.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(o.bucket)})
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", o.bucket, err)
	}
	return nil
}

// PutJSON canonically serializes v, uploads it under key, and returns the
// sha256 hex digest of the canonical bytes together with their length —
// the (sha256, byte_size) pair every EvidenceRef and PacketHashes carries.
func (o *ObjectStore) PutJSON(ctx context.Context, key string, v interface{}) (sha256Hex string, byteSize int, err error) {
	body, err := canon.Marshal(v)
	if err != nil {
		return "", 0, fmt.Errorf("canon marshal for %s: %w", key, err)
	}
	sha256Hex, err = canon.SHA256Hex(v)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", key, err)
	}
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(o.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", 0, fmt.Errorf("put object %s: %w", key, err)
	}
	eve.Logger.WithField("key", key).WithField("bucket", o.bucket).Debug("wrote evidence object")
	return sha256Hex, len(body), nil
}

// GetJSON downloads key and unmarshals it into out.
func (o *ObjectStore) GetJSON(ctx context.Context, key string, out interface{}) error {
	resp, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("unmarshal object %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is already present, used by the analyzer's
// idempotency check before recomputing a snapshot or packet.
func (o *ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := o.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", key, err)
	}
	return true, nil
}

// EvidenceKey builds the deterministic object key for one collector run's
// evidence blob.
func EvidenceKey(incidentID, collectorRunID, collectorType string) string {
	return fmt.Sprintf("incidents/%s/evidence/%s/%s.json", incidentID, collectorRunID, collectorType)
}

// SnapshotKey builds the deterministic object key for a snapshot.
func SnapshotKey(incidentID, collectorRunID string) string {
	return fmt.Sprintf("incidents/%s/snapshots/%s.json", incidentID, collectorRunID)
}

// PacketKey builds the deterministic object key for an incident packet.
func PacketKey(incidentID, runID string) string {
	return fmt.Sprintf("incidents/%s/packets/%s.json", incidentID, runID)
}

// ReviewPacketKey builds the deterministic object key for one PR review
// cycle's normalized packet.
func ReviewPacketKey(repoFullName string, prNumber int, deliveryID string) string {
	return fmt.Sprintf("reviews/%s/%d/%s.json", repoFullName, prNumber, deliveryID)
}

// WebhookRawKey builds the deterministic object key a raw inbound delivery
// is persisted under before filtering and dispatch.
func WebhookRawKey(deliveryID string) string {
	return fmt.Sprintf("webhooks/raw/%s.json", deliveryID)
}
