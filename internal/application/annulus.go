package application

import (
	"context"
	"math"
	"time"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
)

// FindNeighbors returns the ids of all items in the accepted layers and
// reference system whose distance to the reference lies in
// [MinDistance, MaxDistance]. Distances are in the store's native unit
// (degrees). The store is not touched when the query is invalid.
func (s *NeighborService) FindNeighbors(ctx context.Context, q domain.NeighborQuery) (ids domain.ItemSet, err error) {
	start := time.Now()
	defer func() { s.observe(kindAnnulus, start, err) }()

	if err := q.Validate(); err != nil {
		return nil, err
	}

	ref, err := s.resolve(ctx, q.Reference, q.RefSys)
	if err != nil {
		return nil, err
	}

	pred, err := filter.Neighbors(ref, q.RefSys, q.Layers, q.MinDistance, q.MaxDistance)
	if err != nil {
		return nil, err
	}

	candidates, err := s.query(ctx, pred)
	if err != nil {
		return nil, err
	}

	ids = make(domain.ItemSet, len(candidates))
	for _, c := range candidates {
		ids.Add(c.ID)
	}

	s.metrics.ObserveCandidates(kindAnnulus, len(candidates))
	s.logger.Debug("annulus search",
		"reference", q.Reference.String(),
		"layers", q.Layers,
		"min", q.MinDistance,
		"max", q.MaxDistance,
		"found", ids.Len(),
	)
	return ids, nil
}

// FindNeighborsWithinKm returns the items within maxKm kilometres of the
// reference.
//
// Kilometres are converted to degrees by dividing by a fixed 112 km per
// degree. This matches a degree of latitude anywhere and a degree of
// longitude only near the equator; at high latitudes it overestimates the
// east-west reach. Callers that need geodesic accuracy should convert the
// distance themselves and call FindNeighbors.
func (s *NeighborService) FindNeighborsWithinKm(
	ctx context.Context,
	ref domain.Reference,
	refSys string,
	layers []string,
	maxKm float64,
) (domain.ItemSet, error) {
	if maxKm < 0 || math.IsNaN(maxKm) {
		return nil, &domain.ValidationError{
			Field:      "max_km",
			Value:      maxKm,
			Constraint: ">= 0",
			Message:    "distance must be a non-negative number",
		}
	}

	return s.FindNeighbors(ctx, domain.NeighborQuery{
		Reference:   ref,
		RefSys:      refSys,
		Layers:      layers,
		MinDistance: 0,
		MaxDistance: s.KmToDegrees(maxKm),
	})
}

// KmToDegrees converts kilometres into the store's angular unit using the
// configured flat approximation.
func (s *NeighborService) KmToDegrees(km float64) float64 {
	return km / s.kmPerDegree
}
