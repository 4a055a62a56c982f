// Package backup periodically snapshots the metadata and analytics
// stores into timestamped local sets and optionally uploads them to an
// S3 bucket.
package backup

import (
	"context"
	"time"
)

// Config controls periodic store backups.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Snapshotter writes a consistent single-file copy of a store. Both the
// metadata and the analytics store implement this.
type Snapshotter interface {
	// SnapshotName is the file name the store contributes to a set.
	SnapshotName() string
	// SnapshotTo writes the snapshot to dstPath.
	SnapshotTo(dstPath string) error
}

// Uploader uploads one backup artifact under the given object key.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, objectKey string) error
}
