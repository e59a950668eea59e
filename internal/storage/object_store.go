package storage

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	// GetObject returns ErrObjectNotFound if the key does not exist.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// DownloadObject writes the object to filename. It returns ErrObjectNotFound if the key does not exist.
	DownloadObject(ctx context.Context, bucket, key, filename string) error

	DeleteObject(ctx context.Context, bucket, key string) error

	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// UploadDir uploads every file under src as prefix + its path relative to src, and returns the keys.
	UploadDir(ctx context.Context, bucket, prefix, src string) ([]string, error)
}
