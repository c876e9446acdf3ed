// Package storage fetches large additional-files archives from S3
// compatible object storage, so clients can reference an uploaded object
// key instead of inlining megabytes of base64.
package storage

import (
	"context"
	"io"
)

// ObjectStorage is the minimal object-store contract the engine needs.
type ObjectStorage interface {
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)
}
