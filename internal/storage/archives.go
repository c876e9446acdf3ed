package storage

import (
	"context"
	"io"

	appErr "runbox/pkg/errors"
)

// maxArchiveObjectBytes bounds how much archive data one submission may pull
// from object storage.
const maxArchiveObjectBytes = 64 * 1024 * 1024

// ArchiveStore resolves additional_files object keys against one bucket.
// It implements the executor's ArchiveFetcher.
type ArchiveStore struct {
	storage ObjectStorage
	bucket  string
}

// NewArchiveStore binds an object storage client to a bucket.
func NewArchiveStore(storage ObjectStorage, bucket string) *ArchiveStore {
	return &ArchiveStore{storage: storage, bucket: bucket}
}

// FetchArchive downloads the archive bytes for the given key.
func (s *ArchiveStore) FetchArchive(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, appErr.ValidationError("additional_files_key", "required")
	}
	obj, err := s.storage.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ObjectStorageUnavailable, "fetch archive %s failed", key)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxArchiveObjectBytes+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ObjectStorageUnavailable, "read archive %s failed", key)
	}
	if len(data) > maxArchiveObjectBytes {
		return nil, appErr.New(appErr.PayloadTooLarge).WithMessage("additional files archive exceeds size limit")
	}
	return data, nil
}
