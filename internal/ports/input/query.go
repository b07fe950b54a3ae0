// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/vicinus/internal/domain"
)

// NeighborSearch defines the primary port for neighbor queries.
type NeighborSearch interface {
	// FindNeighbors returns the ids of all items whose distance to the
	// reference lies in [MinDistance, MaxDistance] (native units).
	FindNeighbors(ctx context.Context, q domain.NeighborQuery) (domain.ItemSet, error)

	// FindNeighborsWithinKm is FindNeighbors with a maximum distance in
	// kilometres and no minimum. The conversion is a flat approximation.
	FindNeighborsWithinKm(ctx context.Context, ref domain.Reference, refSys string, layers []string, maxKm float64) (domain.ItemSet, error)

	// FindKNearest returns at most K items ranked by ascending geodesic distance.
	FindKNearest(ctx context.Context, q domain.KNNQuery) ([]domain.RankedNeighbor, error)

	// FindKNearestGeometries returns the ranked (id, geometry) pairs of FindKNearest.
	FindKNearestGeometries(ctx context.Context, q domain.KNNQuery) ([]domain.Candidate, error)
}

// DatasetRegistry defines the primary port for dataset management.
type DatasetRegistry interface {
	// ListDatasets returns all registered datasets.
	ListDatasets(ctx context.Context) ([]domain.Dataset, error)

	// GetDataset returns a specific dataset by ID.
	GetDataset(ctx context.Context, id string) (*domain.Dataset, error)

	// GetDatasetStatus returns the status of a dataset.
	GetDatasetStatus(ctx context.Context, id string) (domain.DatasetStatus, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy        bool              // Overall health status
	Ready          bool              // Ready to accept requests
	DatasetsLoaded int               // Number of registered datasets
	DatasetsReady  int               // Number of ready datasets
	ItemCount      int               // Number of items in the store
	Components     map[string]string // Component statuses
}
