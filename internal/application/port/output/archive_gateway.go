package output

import (
	"context"
	"time"
)

// SaveSnapshotRequest carries one terminal instance's exported audit bundle
type SaveSnapshotRequest struct {
	Scope      string
	InstanceID string
	Payload    []byte // JSON bundle of instance, history, and traces
	Metadata   map[string]string
}

// SnapshotMetadata describes a stored snapshot
type SnapshotMetadata struct {
	SnapshotID string
	Key        string
	Size       int64
	StoredAt   time.Time
}

// ArchiveGateway exports audit snapshots of terminal instances to durable
// object storage for offline inspection
type ArchiveGateway interface {
	// SaveSnapshot stores one snapshot and returns its metadata
	SaveSnapshot(ctx context.Context, req SaveSnapshotRequest) (*SnapshotMetadata, error)

	// LoadSnapshot retrieves a stored snapshot payload by key
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)

	// ListSnapshots lists stored snapshot keys for an instance
	ListSnapshots(ctx context.Context, scope, instanceID string) ([]string, error)
}
