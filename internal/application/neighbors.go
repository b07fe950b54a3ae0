package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/ports/input"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

// Search defaults.
const (
	// DefaultInitialGuess is the per-neighbor starting radius of a KNN
	// search, in degrees. The first radius is DefaultInitialGuess * K.
	DefaultInitialGuess = 0.01

	// DefaultMaxRadius bounds the KNN expansion. 180 degrees is the largest
	// meaningful angular distance on the sphere.
	DefaultMaxRadius = 180.0

	// DefaultKmPerDegree converts kilometres to degrees for
	// FindNeighborsWithinKm. The value is only accurate near the equator.
	DefaultKmPerDegree = 112.0
)

// Search kinds used as metric labels.
const (
	kindAnnulus = "annulus"
	kindKNN     = "knn"
)

var _ input.NeighborSearch = (*NeighborService)(nil)

// NeighborService answers annulus and k-nearest-neighbor queries against a
// geometry store that only evaluates distance-range predicates.
// It keeps no state between calls and is safe for concurrent use as long as
// the store is.
type NeighborService struct {
	store        output.GeometryStore
	metrics      output.MetricsCollector
	logger       *slog.Logger
	initialGuess float64
	maxRadius    float64
	kmPerDegree  float64
	maxK         int
}

// NeighborServiceConfig holds configuration for the neighbor service.
type NeighborServiceConfig struct {
	InitialGuess float64 // degrees per requested neighbor
	MaxRadius    float64 // degrees
	KmPerDegree  float64
	MaxK         int // 0 = unlimited
}

// NewNeighborService creates a new neighbor service.
func NewNeighborService(
	store output.GeometryStore,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg NeighborServiceConfig,
) *NeighborService {
	if cfg.InitialGuess <= 0 {
		cfg.InitialGuess = DefaultInitialGuess
	}
	if cfg.MaxRadius <= 0 {
		cfg.MaxRadius = DefaultMaxRadius
	}
	if cfg.KmPerDegree <= 0 {
		cfg.KmPerDegree = DefaultKmPerDegree
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}

	return &NeighborService{
		store:        store,
		metrics:      metrics,
		logger:       logger,
		initialGuess: cfg.InitialGuess,
		maxRadius:    cfg.MaxRadius,
		kmPerDegree:  cfg.KmPerDegree,
		maxK:         cfg.MaxK,
	}
}

// resolve turns a reference into a geometry, looking it up in the store
// when it was given by id. A missing item is reported, never defaulted.
func (s *NeighborService) resolve(ctx context.Context, ref domain.Reference, refSys string) (orb.Geometry, error) {
	if !ref.ByID() {
		return ref.Geometry, nil
	}

	g, err := s.store.ResolveGeometry(ctx, ref.ItemID, ref.Layer, refSys)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, storeError("resolve", err)
	}
	if g == nil {
		return nil, domain.ErrItemNotFound
	}
	return g, nil
}

// query runs one predicate against the store.
func (s *NeighborService) query(ctx context.Context, pred filter.Expr) ([]domain.Candidate, error) {
	candidates, err := s.store.Query(ctx, pred)
	s.metrics.IncStoreQueries(err == nil)
	if err != nil {
		return nil, storeError("query", err)
	}
	return candidates, nil
}

// observe records the outcome of a search.
func (s *NeighborService) observe(kind string, start time.Time, err error) {
	s.metrics.IncSearchCount(kind, err == nil)
	s.metrics.ObserveSearchDuration(kind, time.Since(start))
}

// storeError wraps a store failure unless it already carries a typed error.
func storeError(op string, err error) error {
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.StoreError{Operation: op, Err: err}
}
