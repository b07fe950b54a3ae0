package storage

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

var _ output.ObjectStorage = (*MinIOStorage)(nil)

// MinIOStorage serves datasets from MinIO or another S3-compatible server
// that the AWS SDK does not talk to well.
type MinIOStorage struct {
	client *minio.Client
	bucket string
	prefix string
}

// MinIOConfig holds MinIO configuration.
type MinIOConfig struct {
	Endpoint        string // host:port, without scheme
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// NewMinIOStorage creates a new MinIO storage adapter.
func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, wrap("connect", cfg.Endpoint, err)
	}

	return &MinIOStorage{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// List returns all dataset objects in the bucket below the prefix.
func (s *MinIOStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, wrap("list", s.bucket, obj.Err)
		}
		if !domain.IsDatasetFile(obj.Key) {
			continue
		}

		objects = append(objects, output.StorageObject{
			Key:          relativeKey(s.prefix, obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified.Unix(),
			ETag:         obj.ETag,
		})
	}

	return objects, nil
}

// Download fetches an object into dest.
func (s *MinIOStorage) Download(ctx context.Context, key string, dest string) error {
	body, err := s.open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	return wrap("download", key, writeFile(dest, body))
}

// open returns a reader for the given object.
func (s *MinIOStorage) open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, joinKey(s.prefix, key), minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("download", key, err)
	}
	return obj, nil
}

