// Package dataset decodes dataset files into spatial items.
package dataset

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

var _ output.DatasetReader = (*Reader)(nil)

// Reader reads GeoJSON and GeoPackage datasets.
type Reader struct {
	defaultRefSys string
	geopackage    *GeoPackageReader
	logger        *slog.Logger
}

// New creates a reader. Items without a reference system get defaultRefSys.
// A nil gpkg disables GeoPackage support.
func New(defaultRefSys string, gpkg *GeoPackageReader, logger *slog.Logger) *Reader {
	if defaultRefSys == "" {
		defaultRefSys = domain.DefaultRefSys
	}
	return &Reader{
		defaultRefSys: defaultRefSys,
		geopackage:    gpkg,
		logger:        logger,
	}
}

// Read implements output.DatasetReader.
func (r *Reader) Read(ctx context.Context, path string) ([]domain.SpatialItem, int, error) {
	if !domain.IsDatasetFile(path) {
		return nil, 0, &domain.ValidationError{
			Field:      "path",
			Value:      path,
			Constraint: "dataset extension",
			Message:    "not a dataset file",
		}
	}

	base, compression := domain.SplitDatasetName(filepath.Base(path))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if strings.EqualFold(filepath.Ext(base), ".gpkg") {
		if r.geopackage == nil {
			return nil, 0, fmt.Errorf("%s: GeoPackage support disabled: %w", path, domain.ErrInvalidInput)
		}
		return r.geopackage.Read(ctx, path, r.defaultRefSys)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	src, err := decompress(f, compression)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	defer src.Close()

	items, skipped, err := readGeoJSON(ctx, src, stem, r.defaultRefSys)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	r.logger.Debug("geojson decoded", "path", path, "items", len(items), "skipped", skipped)
	return items, skipped, nil
}

func decompress(rd io.Reader, compression string) (io.ReadCloser, error) {
	switch compression {
	case ".gz":
		return gzip.NewReader(rd)
	case ".zst":
		dec, err := zstd.NewReader(rd)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(rd), nil
	}
}
