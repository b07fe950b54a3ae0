package application

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type storedItem struct {
	dataset string
	item    domain.SpatialItem
}

// mockStore implements output.Store over a slice of point items using planar
// degree distances. It records every predicate it is asked to evaluate.
type mockStore struct {
	mu       sync.Mutex
	items    []storedItem
	queries  []filter.Expr
	queryErr error
	countErr error
	putErr   error

	// afterQuery runs after every query; tests use it to cancel contexts.
	afterQuery func(n int)
}

func newMockStore(items ...domain.SpatialItem) *mockStore {
	m := &mockStore{}
	for _, it := range items {
		m.items = append(m.items, storedItem{dataset: "test", item: it})
	}
	return m
}

func pointDistance(a, b orb.Geometry) float64 {
	return planar.Distance(geometryPoint(a), geometryPoint(b))
}

func geometryPoint(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	return c
}

func (m *mockStore) ResolveGeometry(_ context.Context, id domain.ItemID, layer, refSys string) (orb.Geometry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.item.ID == id && s.item.Layer == layer && s.item.RefSys == refSys {
			return s.item.Geometry, nil
		}
	}
	return nil, domain.ErrItemNotFound
}

func (m *mockStore) Query(_ context.Context, pred filter.Expr) ([]domain.Candidate, error) {
	m.mu.Lock()
	m.queries = append(m.queries, pred)
	n := len(m.queries)
	var out []domain.Candidate
	if m.queryErr == nil {
		for _, s := range m.items {
			if filter.Match(pred, s.item, pointDistance) {
				out = append(out, domain.Candidate{ID: s.item.ID, Geometry: s.item.Geometry})
			}
		}
	}
	hook := m.afterQuery
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return out, nil
}

func (m *mockStore) PutItems(_ context.Context, dataset string, items []domain.SpatialItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	for _, it := range items {
		m.items = append(m.items, storedItem{dataset: dataset, item: it})
	}
	return nil
}

func (m *mockStore) ReplaceDataset(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	if err := m.DeleteDataset(ctx, dataset); err != nil {
		return err
	}
	return m.PutItems(ctx, dataset, items)
}

func (m *mockStore) DeleteDataset(_ context.Context, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.items[:0]
	for _, s := range m.items {
		if s.dataset != dataset {
			kept = append(kept, s)
		}
	}
	m.items = kept
	return nil
}

func (m *mockStore) Datasets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, s := range m.items {
		if !slices.Contains(names, s.dataset) {
			names = append(names, s.dataset)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (m *mockStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	return len(m.items), nil
}

func (m *mockStore) Close() error { return nil }

func (m *mockStore) queryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queries)
}

// radii returns the search radius of every recorded query.
func (m *mockStore) radii() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, 0, len(m.queries))
	for _, q := range m.queries {
		if w, ok := filter.SearchRadius(q); ok {
			out = append(out, w.Distance)
		}
	}
	return out
}

// mockReader implements output.DatasetReader for testing.
type mockReader struct {
	items   map[string][]domain.SpatialItem // keyed by dataset ID
	skipped int
	readErr error
}

func (m *mockReader) Read(_ context.Context, path string) ([]domain.SpatialItem, int, error) {
	if m.readErr != nil {
		return nil, 0, m.readErr
	}
	return m.items[DatasetID(path)], m.skipped, nil
}

// mockStorage implements output.ObjectStorage for testing. Download writes
// an empty file at the destination.
type mockStorage struct {
	mu          sync.Mutex
	objects     []output.StorageObject
	downloadErr error
	listErr     error
}

func (m *mockStorage) setObjects(objects ...output.StorageObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = objects
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]output.StorageObject(nil), m.objects...), nil
}

func (m *mockStorage) Download(_ context.Context, _, dest string) error {
	if m.downloadErr != nil {
		return m.downloadErr
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte("{}"), 0o600)
}

// mockMetrics records what the services report.
type mockMetrics struct {
	output.NoOpMetrics
	mu       sync.Mutex
	rounds   []int
	searches map[string]int
	failures map[string]int
}

func (m *mockMetrics) ObserveExpansionRounds(rounds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, rounds)
}

func (m *mockMetrics) IncSearchCount(kind string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.searches == nil {
		m.searches = make(map[string]int)
		m.failures = make(map[string]int)
	}
	if success {
		m.searches[kind]++
	} else {
		m.failures[kind]++
	}
}
