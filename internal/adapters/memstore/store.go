// Package memstore provides an in-memory geometry store backed by an R-tree.
//
// Distances are planar and measured in coordinate units, which for lon/lat
// data means degrees. Query uses the tightest distance bound of a predicate
// to narrow the candidates through the R-tree and evaluates the full
// predicate on each of them.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

var _ output.Store = (*Store)(nil)

// Store keeps spatial items in memory.
type Store struct {
	mu        sync.RWMutex
	items     map[domain.ItemKey]*entry
	byDataset map[string]map[domain.ItemKey]struct{}
	index     rtree.RTreeG[domain.ItemKey]
	logger    *slog.Logger
	closed    bool
}

type entry struct {
	item    domain.SpatialItem
	dataset string
	bound   orb.Bound
}

// New creates an empty store.
func New(logger *slog.Logger) *Store {
	return &Store{
		items:     make(map[domain.ItemKey]*entry),
		byDataset: make(map[string]map[domain.ItemKey]struct{}),
		logger:    logger,
	}
}

// ResolveGeometry implements output.GeometryStore.
func (s *Store) ResolveGeometry(ctx context.Context, id domain.ItemID, layer, refSys string) (orb.Geometry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	e, ok := s.items[domain.ItemKey{ID: id, Layer: layer, RefSys: refSys}]
	if !ok {
		return nil, fmt.Errorf("%w: id %d in layer %q", domain.ErrItemNotFound, id, layer)
	}
	return e.item.Geometry, nil
}

// Query implements output.GeometryStore. Results are ordered by id.
func (s *Store) Query(ctx context.Context, pred filter.Expr) ([]domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	var out []domain.Candidate
	match := func(e *entry) {
		if filter.Match(pred, e.item, Distance) {
			out = append(out, domain.Candidate{ID: e.item.ID, Geometry: e.item.Geometry})
		}
	}

	if w, ok := filter.SearchRadius(pred); ok && w.Geometry != nil {
		box := w.Geometry.Bound().Pad(w.Distance)
		s.index.Search(box.Min, box.Max, func(_, _ [2]float64, key domain.ItemKey) bool {
			if e, ok := s.items[key]; ok {
				match(e)
			}
			return true
		})
	} else {
		for _, e := range s.items {
			match(e)
		}
	}

	slices.SortFunc(out, func(a, b domain.Candidate) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// PutItems implements output.ItemWriter. An item with the same id, layer and
// reference system as an existing one replaces it.
func (s *Store) PutItems(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", it.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}

	s.put(dataset, items)
	s.logger.Debug("items stored", "dataset", dataset, "count", len(items), "total", len(s.items))
	return nil
}

// ReplaceDataset implements output.ItemWriter. Readers see either the old
// or the new items of the dataset.
func (s *Store) ReplaceDataset(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", it.ID, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}

	removed := s.drop(dataset)
	s.put(dataset, items)
	s.logger.Debug("dataset replaced", "dataset", dataset, "removed", removed, "count", len(items), "total", len(s.items))
	return nil
}

// put indexes items under dataset. The caller holds the write lock.
func (s *Store) put(dataset string, items []domain.SpatialItem) {
	keys, ok := s.byDataset[dataset]
	if !ok {
		keys = make(map[domain.ItemKey]struct{}, len(items))
		s.byDataset[dataset] = keys
	}

	for _, it := range items {
		key := it.Key()
		if old, ok := s.items[key]; ok {
			s.remove(key, old)
		}
		e := &entry{item: it, dataset: dataset, bound: it.Geometry.Bound()}
		s.items[key] = e
		s.index.Insert(e.bound.Min, e.bound.Max, key)
		keys[key] = struct{}{}
	}
}

// DeleteDataset implements output.ItemWriter.
func (s *Store) DeleteDataset(_ context.Context, dataset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ErrStoreClosed
	}

	n := s.drop(dataset)
	s.logger.Debug("dataset deleted", "dataset", dataset, "count", n, "total", len(s.items))
	return nil
}

// drop removes the items of dataset and returns how many there were. The
// caller holds the write lock.
func (s *Store) drop(dataset string) int {
	keys := s.byDataset[dataset]
	n := len(keys)
	for key := range keys {
		if e, ok := s.items[key]; ok {
			s.remove(key, e)
		}
	}
	delete(s.byDataset, dataset)
	return n
}

// Datasets implements output.ItemWriter.
func (s *Store) Datasets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.ErrStoreClosed
	}

	names := make([]string, 0, len(s.byDataset))
	for name, keys := range s.byDataset {
		if len(keys) > 0 {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Count implements output.ItemWriter.
func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, domain.ErrStoreClosed
	}
	return len(s.items), nil
}

// Close releases the items. Further calls fail with domain.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.items = nil
	s.byDataset = nil
	s.index = rtree.RTreeG[domain.ItemKey]{}
	return nil
}

// remove drops an entry from the index and its dataset. The caller holds
// the write lock.
func (s *Store) remove(key domain.ItemKey, e *entry) {
	s.index.Delete(e.bound.Min, e.bound.Max, key)
	delete(s.items, key)
	if keys, ok := s.byDataset[e.dataset]; ok {
		delete(keys, key)
	}
}
