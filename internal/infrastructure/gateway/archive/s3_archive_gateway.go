package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/compasshq/journeyd/internal/application/port/output"
)

// S3ArchiveGateway implements output.ArchiveGateway against S3.
// Key layout: <prefix>/snapshots/<scope>/<instanceID>/<snapshotID>.json
// The snapshot ID is content-addressed, so re-archiving an identical bundle
// overwrites the same key instead of duplicating it.
type S3ArchiveGateway struct {
	client S3API
	bucket string
	prefix string
}

// Config holds S3 archive gateway configuration
type Config struct {
	Bucket string // S3 bucket name
	Prefix string // Optional key prefix (e.g. "journeyd/prod")
	Region string // AWS region; empty uses the default chain
}

// NewS3ArchiveGateway creates a gateway using the default AWS credential chain
func NewS3ArchiveGateway(ctx context.Context, cfg Config) (*S3ArchiveGateway, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	return NewS3ArchiveGatewayWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveGatewayWithClient creates a gateway with an injected client,
// used by tests
func NewS3ArchiveGatewayWithClient(client S3API, bucket, prefix string) *S3ArchiveGateway {
	return &S3ArchiveGateway{client: client, bucket: bucket, prefix: prefix}
}

// SaveSnapshot stores one snapshot and returns its metadata
func (g *S3ArchiveGateway) SaveSnapshot(ctx context.Context, req output.SaveSnapshotRequest) (*output.SnapshotMetadata, error) {
	snapshotID := snapshotIDFor(req.Payload)
	key := g.buildKey(req.Scope, req.InstanceID, snapshotID+".json")

	s3Metadata := map[string]string{
		"snapshot-id": snapshotID,
		"instance-id": req.InstanceID,
		"archived-at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range req.Metadata {
		s3Metadata[k] = v
	}

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(req.Payload),
		ContentType: aws.String("application/json"),
		Metadata:    s3Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}

	return &output.SnapshotMetadata{
		SnapshotID: snapshotID,
		Key:        key,
		Size:       int64(len(req.Payload)),
		StoredAt:   time.Now().UTC(),
	}, nil
}

// LoadSnapshot retrieves a stored snapshot payload by key
func (g *S3ArchiveGateway) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("download snapshot %s: %w", key, err)
	}
	defer obj.Body.Close()

	payload, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	return payload, nil
}

// ListSnapshots lists stored snapshot keys for an instance
func (g *S3ArchiveGateway) ListSnapshots(ctx context.Context, scope, instanceID string) ([]string, error) {
	prefix := g.buildKey(scope, instanceID) + "/"

	var keys []string
	var continuation *string
	for {
		out, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(g.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return keys, nil
}

// buildKey joins key parts under the configured prefix
func (g *S3ArchiveGateway) buildKey(parts ...string) string {
	all := make([]string, 0, len(parts)+2)
	if g.prefix != "" {
		all = append(all, strings.Trim(g.prefix, "/"))
	}
	all = append(all, "snapshots")
	all = append(all, parts...)
	return strings.Join(all, "/")
}

// snapshotIDFor derives a content-addressed snapshot ID
func snapshotIDFor(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}
