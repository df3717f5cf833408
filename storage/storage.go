// Package storage provides read access to image payloads kept on the local
// filesystem, in memory or in an S3 compatible bucket. Keys are slash
// separated paths relative to the store root.
package storage

import (
	"context"
	"errors"
	"io"
)

// Driver identifies a concrete store implementation.
type Driver string

const (
	// DriverFilesystem reads keys from a local directory tree.
	DriverFilesystem Driver = "fs"
	// DriverS3 reads keys from an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps payloads in process memory (tests).
	DriverMemory Driver = "memory"
)

// ErrNotExist is returned (wrapped) when a key has no payload.
var ErrNotExist = errors.New("storage: key does not exist")

// Store is the read surface the datasets need from an image source.
type Store interface {
	// Open returns the payload stored under key. A missing key yields an
	// error wrapping ErrNotExist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// List returns every key under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	Driver() Driver
}

// ReadAll opens key and reads the whole payload.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
