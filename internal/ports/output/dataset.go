package output

import (
	"context"

	"github.com/jobrunner/vicinus/internal/domain"
)

// DatasetReader defines the secondary port for decoding dataset files.
type DatasetReader interface {
	// Read decodes the file at path into spatial items.
	// Features that cannot be converted are counted in skipped.
	Read(ctx context.Context, path string) (items []domain.SpatialItem, skipped int, err error)
}
