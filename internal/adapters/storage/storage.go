// Package storage provides the object storages datasets are fetched from.
package storage

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/jobrunner/vicinus/internal/domain"
)

// writeFile streams body into dest through a temporary file in the same
// directory, so readers never observe a partial dataset.
func writeFile(dest string, body io.Reader) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// relativeKey strips the storage prefix from an object key.
func relativeKey(prefix, key string) string {
	rel := strings.TrimPrefix(key, prefix)
	return strings.TrimPrefix(rel, "/")
}

// joinKey prepends the storage prefix to a key.
func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// wrap attaches the operation and key to a storage failure.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.StorageError{Operation: op, Key: key, Err: err}
}
