package storage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

var _ output.ObjectStorage = (*HTTPStorage)(nil)

// HTTPStorage serves datasets from a web server. The server publishes an
// index file listing one dataset per line:
//
//	<key> [size] [etag]
//
// Blank lines and lines starting with # are ignored.
type HTTPStorage struct {
	client    *http.Client
	baseURL   string
	indexFile string
	username  string
	password  string
}

// HTTPConfig holds HTTP storage configuration.
type HTTPConfig struct {
	BaseURL   string
	IndexFile string // default: index.txt
	Timeout   time.Duration
	Username  string
	Password  string
}

// NewHTTPStorage creates a new HTTP storage adapter.
func NewHTTPStorage(cfg HTTPConfig) *HTTPStorage {
	if cfg.IndexFile == "" {
		cfg.IndexFile = "index.txt"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &HTTPStorage{
		client:    &http.Client{Timeout: cfg.Timeout},
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		indexFile: cfg.IndexFile,
		username:  cfg.Username,
		password:  cfg.Password,
	}
}

// List returns the datasets named in the index file.
func (s *HTTPStorage) List(ctx context.Context) ([]output.StorageObject, error) {
	resp, err := s.get(ctx, s.indexFile)
	if err != nil {
		return nil, wrap("list", s.indexFile, err)
	}
	defer func() { _ = resp.Body.Close() }()

	objects, err := parseIndex(resp.Body)
	if err != nil {
		return nil, wrap("list", s.indexFile, err)
	}
	return objects, nil
}

func parseIndex(r io.Reader) ([]output.StorageObject, error) {
	var objects []output.StorageObject

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if !domain.IsDatasetFile(fields[0]) {
			continue
		}

		obj := output.StorageObject{Key: strings.TrimPrefix(fields[0], "/")}
		if len(fields) > 1 {
			if size, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				obj.Size = size
			}
		}
		if len(fields) > 2 {
			obj.ETag = fields[2]
		}
		objects = append(objects, obj)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading index file: %w", err)
	}
	return objects, nil
}

// Download fetches a file into dest.
func (s *HTTPStorage) Download(ctx context.Context, key string, dest string) error {
	body, err := s.open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	return wrap("download", key, writeFile(dest, body))
}

// open returns a reader for the given file.
func (s *HTTPStorage) open(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.get(ctx, key)
	if err != nil {
		return nil, wrap("download", key, err)
	}
	return resp.Body, nil
}

// get requests key below the base URL and fails on any status but 200.
func (s *HTTPStorage) get(ctx context.Context, key string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+strings.TrimPrefix(key, "/"), nil)
	if err != nil {
		return nil, err
	}
	if s.username != "" && s.password != "" {
		req.SetBasicAuth(s.username, s.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d for %s", resp.StatusCode, key)
	}
	return resp, nil
}
