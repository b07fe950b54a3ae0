// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"strconv"
)

// ObjectStorage is where dataset files are fetched from.
type ObjectStorage interface {
	// List returns the dataset files in the storage.
	List(ctx context.Context) ([]StorageObject, error)

	// Download copies the object key to the local file dest.
	Download(ctx context.Context, key string, dest string) error
}

// StorageObject describes a dataset file in storage.
type StorageObject struct {
	Key          string // Object key, relative to the configured prefix
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash, when the backend provides one
}

// Version identifies the object's content for change detection: the ETag
// when known, size and modification time otherwise.
func (o StorageObject) Version() string {
	if o.ETag != "" {
		return o.ETag
	}
	return strconv.FormatInt(o.Size, 10) + "@" + strconv.FormatInt(o.LastModified, 10)
}

// StorageType names a storage backend.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeMinIO StorageType = "minio"
)
