package storage

import (
	"context"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions conveys snapshot destination metadata.
type UploadOptions struct {
	Bucket    string
	KeyPrefix string
}

// Service archives note export snapshots in remote object storage.
type Service interface {
	UploadSnapshot(ctx context.Context, userID int64, data []byte, opts UploadOptions) (string, error)
	ListSnapshots(ctx context.Context, bucket, keyPrefix string, userID int64) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}
