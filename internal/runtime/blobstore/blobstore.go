// Package blobstore is the object storage used by the workers: a flat
// namespace of named byte blobs with a content type.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an object or bucket does not exist.
var ErrNotFound = errors.New("objectbridge: object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Name         string
	Size         int64
	LastModified time.Time
	// ContentType may be empty in List results; Stat always fills it.
	ContentType string
}

// Object is a stored object together with its content.
type Object struct {
	ObjectInfo
	Data []byte
}

// Store is implemented by S3Store and MemoryStore. Implementations are bound
// to a single bucket.
type Store interface {
	Put(ctx context.Context, name string, data []byte, contentType string) error
	Get(ctx context.Context, name string) (*Object, error)
	Stat(ctx context.Context, name string) (ObjectInfo, error)
	// List returns every object whose name starts with prefix, ordered by name.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	BucketExists(ctx context.Context) (bool, error)
	CreateBucket(ctx context.Context) error
}

// EnsureBucket creates the store's bucket unless it already exists.
func EnsureBucket(ctx context.Context, store Store) error {
	exists, err := store.BucketExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return store.CreateBucket(ctx)
}
