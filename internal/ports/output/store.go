package output

import (
	"context"

	"github.com/paulmach/orb"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
)

// GeometryStore defines the secondary port the search engine queries.
type GeometryStore interface {
	// ResolveGeometry returns the geometry of an item.
	// It returns domain.ErrItemNotFound if the item does not exist.
	ResolveGeometry(ctx context.Context, id domain.ItemID, layer, refSys string) (orb.Geometry, error)

	// Query returns every item matching the predicate, in no particular order.
	Query(ctx context.Context, pred filter.Expr) ([]domain.Candidate, error)
}

// ItemWriter defines the secondary port used to populate a store.
type ItemWriter interface {
	// PutItems inserts or replaces items, tagging them with the dataset.
	PutItems(ctx context.Context, dataset string, items []domain.SpatialItem) error

	// ReplaceDataset removes the dataset's items and writes items in their
	// place. Stores with transactions do both in one.
	ReplaceDataset(ctx context.Context, dataset string, items []domain.SpatialItem) error

	// DeleteDataset removes every item that was written with the dataset.
	DeleteDataset(ctx context.Context, dataset string) error

	// Datasets returns the names of the datasets that own stored items,
	// sorted.
	Datasets(ctx context.Context) ([]string, error)

	// Count returns the number of stored items.
	Count(ctx context.Context) (int, error)
}

// Store is a geometry store that can also be written to.
type Store interface {
	GeometryStore
	ItemWriter

	// Close releases the store's resources.
	Close() error
}
