package application

import (
	"context"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/ports/input"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

// HealthService provides health check functionality.
type HealthService struct {
	registry *DatasetRegistry
	store    output.ItemWriter
}

// pinger is implemented by stores behind a network or file connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthService creates a new health service.
func NewHealthService(registry *DatasetRegistry, store output.ItemWriter) *HealthService {
	return &HealthService{
		registry: registry,
		store:    store,
	}
}

// IsHealthy returns true if the store answers.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	_, err := s.check(ctx)
	return err == nil
}

// check pings the store when it supports it and counts its items.
func (s *HealthService) check(ctx context.Context) (int, error) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return 0, err
		}
	}
	return s.store.Count(ctx)
}

// IsReady returns true if the store answers and no dataset failed to load.
func (s *HealthService) IsReady(ctx context.Context) bool {
	if !s.IsHealthy(ctx) {
		return false
	}
	_, _, failed := s.registry.Counts()
	return failed == 0
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	total, ready, failed := s.registry.Counts()

	components := map[string]string{
		"store":    "ok",
		"datasets": "ok",
	}

	items, err := s.check(ctx)
	if err != nil {
		components["store"] = err.Error()
	}
	if failed > 0 {
		components["datasets"] = "degraded"
	}

	return input.HealthDetails{
		Healthy:        err == nil,
		Ready:          err == nil && failed == 0,
		DatasetsLoaded: total,
		DatasetsReady:  ready,
		ItemCount:      items,
		Components:     components,
	}
}

// DatasetHealth contains health info for a single dataset.
type DatasetHealth struct {
	ID     string
	Status domain.DatasetStatus
	Ready  bool
}

// GetDatasetHealth returns health info for all datasets.
func (s *HealthService) GetDatasetHealth(ctx context.Context) []DatasetHealth {
	datasets, _ := s.registry.ListDatasets(ctx)

	health := make([]DatasetHealth, len(datasets))
	for i, ds := range datasets {
		status, _ := s.registry.GetDatasetStatus(ctx, ds.ID)
		health[i] = DatasetHealth{
			ID:     ds.ID,
			Status: status,
			Ready:  status == domain.StatusReady,
		}
	}

	return health
}
