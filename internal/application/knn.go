package application

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/geodesic"
)

// FindKNearest returns at most K items of q.Layer ranked by ascending
// geodesic distance to the reference. Ties are broken by ascending id.
//
// The store only answers "within radius r" queries, so the search grows r
// until it holds at least K candidates or reaches the maximum radius. The
// first radius is InitialGuess*K degrees. While fewer than half of the
// wanted items have been found, r grows by 1.3*sqrt(K/count); otherwise it
// doubles. The candidates of the final round are then ranked by true
// distance. If the layer holds fewer than K items, all of them are
// returned.
func (s *NeighborService) FindKNearest(ctx context.Context, q domain.KNNQuery) (ranked []domain.RankedNeighbor, err error) {
	start := time.Now()
	defer func() { s.observe(kindKNN, start, err) }()

	if err := q.Validate(); err != nil {
		return nil, err
	}
	if s.maxK > 0 && q.K > s.maxK {
		return nil, &domain.ValidationError{
			Field:      "k",
			Value:      q.K,
			Constraint: fmt.Sprintf("<= %d", s.maxK),
			Message:    "k exceeds the configured maximum",
		}
	}

	ref, err := s.resolve(ctx, q.Reference, q.RefSys)
	if err != nil {
		return nil, err
	}

	radius := math.Min(s.initialGuess*float64(q.K), s.maxRadius)
	candidates, err := s.nearestWithin(ctx, q, ref, radius)
	if err != nil {
		return nil, err
	}
	rounds := 1

	for len(candidates) < q.K && radius < s.maxRadius {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		radius = s.grow(radius, q.K, len(candidates))
		candidates, err = s.nearestWithin(ctx, q, ref, radius)
		if err != nil {
			return nil, err
		}
		rounds++
	}

	s.metrics.ObserveExpansionRounds(rounds)
	s.metrics.ObserveCandidates(kindKNN, len(candidates))

	ranked = make([]domain.RankedNeighbor, len(candidates))
	for i, c := range candidates {
		ranked[i] = domain.RankedNeighbor{
			ID:       c.ID,
			Geometry: c.Geometry,
			Distance: geodesic.Between(ref, c.Geometry),
		}
	}
	slices.SortStableFunc(ranked, compareRanked)

	if len(ranked) > q.K {
		ranked = ranked[:q.K]
	}

	s.logger.Debug("knn search",
		"reference", q.Reference.String(),
		"layer", q.Layer,
		"k", q.K,
		"rounds", rounds,
		"radius", radius,
		"candidates", len(candidates),
		"returned", len(ranked),
	)
	return ranked, nil
}

// FindKNearestGeometries is FindKNearest without the distances.
func (s *NeighborService) FindKNearestGeometries(ctx context.Context, q domain.KNNQuery) ([]domain.Candidate, error) {
	ranked, err := s.FindKNearest(ctx, q)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Candidate, len(ranked))
	for i, r := range ranked {
		out[i] = domain.Candidate{ID: r.ID, Geometry: r.Geometry}
	}
	return out, nil
}

func (s *NeighborService) nearestWithin(
	ctx context.Context,
	q domain.KNNQuery,
	ref orb.Geometry,
	radius float64,
) ([]domain.Candidate, error) {
	pred, err := filter.Nearest(ref, q.RefSys, q.Layer, radius)
	if err != nil {
		return nil, err
	}
	return s.query(ctx, pred)
}

// grow returns the next search radius. An empty result counts as one
// candidate so the ratio stays finite.
func (s *NeighborService) grow(radius float64, k, count int) float64 {
	ratio := float64(k) / float64(max(count, 1))
	if ratio > 2 {
		radius *= 1.3 * math.Sqrt(ratio)
	} else {
		radius *= 2
	}
	return math.Min(radius, s.maxRadius)
}

// compareRanked orders by distance, then id. It is a strict weak ordering,
// so equal inputs always produce the same ranking.
func compareRanked(a, b domain.RankedNeighbor) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
