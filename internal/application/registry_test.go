package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

func newTestRegistry(t *testing.T, reader *mockReader, store *mockStore, storage *mockStorage) *DatasetRegistry {
	t.Helper()
	if reader == nil {
		reader = &mockReader{}
	}
	if store == nil {
		store = newMockStore()
	}
	if storage == nil {
		storage = &mockStorage{}
	}
	return NewDatasetRegistry(reader, store, storage, &output.NoOpMetrics{}, testLogger(), t.TempDir(), 2)
}

// writeDataset creates an empty dataset file and returns its path.
func writeDataset(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func TestDatasetRegistryLoadUnload(t *testing.T) {
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"cities": {
				point(1, 13.4, 52.5, "city"),
				point(2, 2.35, 48.85, "city"),
				point(3, 2.35, 48.85, "capital"),
			},
		},
		skipped: 1,
	}
	store := newMockStore()
	registry := newTestRegistry(t, reader, store, nil)
	ctx := context.Background()

	path := writeDataset(t, "cities.geojson")
	if err := registry.LoadDataset(ctx, path); err != nil {
		t.Fatalf("LoadDataset failed: %v", err)
	}

	datasets, err := registry.ListDatasets(ctx)
	if err != nil {
		t.Fatalf("ListDatasets failed: %v", err)
	}
	if len(datasets) != 1 {
		t.Fatalf("len(datasets) = %d, want 1", len(datasets))
	}

	ds, err := registry.GetDataset(ctx, "cities")
	if err != nil {
		t.Fatalf("GetDataset failed: %v", err)
	}
	if ds.ItemCount != 3 {
		t.Errorf("ds.ItemCount = %d, want 3", ds.ItemCount)
	}
	if ds.Skipped != 1 {
		t.Errorf("ds.Skipped = %d, want 1", ds.Skipped)
	}
	if ds.LayerCount() != 2 || !ds.HasLayer("capital") || !ds.HasLayer("city") {
		t.Errorf("ds.Layers = %v, want [capital city]", ds.Layers)
	}
	if n, _ := store.Count(ctx); n != 3 {
		t.Errorf("store count = %d, want 3", n)
	}

	status, _ := registry.GetDatasetStatus(ctx, "cities")
	if status != domain.StatusReady {
		t.Errorf("status = %s, want %s", status, domain.StatusReady)
	}

	if err := registry.UnloadDataset(ctx, "cities"); err != nil {
		t.Fatalf("UnloadDataset failed: %v", err)
	}

	datasets, _ = registry.ListDatasets(ctx)
	if len(datasets) != 0 {
		t.Errorf("len(datasets) = %d, want 0", len(datasets))
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("store count = %d, want 0", n)
	}
}

func TestDatasetRegistryReloadReplacesItems(t *testing.T) {
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"poi": {point(1, 0, 0, "poi"), point(2, 1, 1, "poi")},
		},
	}
	store := newMockStore()
	registry := newTestRegistry(t, reader, store, nil)
	ctx := context.Background()
	path := writeDataset(t, "poi.geojson")

	if err := registry.LoadDataset(ctx, path); err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	reader.items["poi"] = []domain.SpatialItem{point(1, 0, 0, "poi")}
	if err := registry.LoadDataset(ctx, path); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
	if registry.DatasetCount() != 1 {
		t.Errorf("DatasetCount() = %d, want 1", registry.DatasetCount())
	}
}

func TestDatasetRegistryLoadFailureMarksError(t *testing.T) {
	readErr := errors.New("malformed GeoJSON")
	registry := newTestRegistry(t, &mockReader{readErr: readErr}, nil, nil)
	ctx := context.Background()

	err := registry.LoadDataset(ctx, writeDataset(t, "broken.geojson"))
	if !errors.Is(err, readErr) {
		t.Fatalf("err = %v, want %v", err, readErr)
	}

	status, err := registry.GetDatasetStatus(ctx, "broken")
	if err != nil {
		t.Fatalf("GetDatasetStatus failed: %v", err)
	}
	if status != domain.StatusError {
		t.Errorf("status = %s, want %s", status, domain.StatusError)
	}

	total, ready, failed := registry.Counts()
	if total != 1 || ready != 0 || failed != 1 {
		t.Errorf("Counts() = %d, %d, %d, want 1, 0, 1", total, ready, failed)
	}
}

func TestDatasetRegistryLoadMissingFile(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)

	err := registry.LoadDataset(context.Background(), filepath.Join(t.TempDir(), "missing.geojson"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if registry.DatasetCount() != 0 {
		t.Errorf("DatasetCount() = %d, want 0", registry.DatasetCount())
	}
}

func TestDatasetRegistryNotFound(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)
	ctx := context.Background()

	if _, err := registry.GetDataset(ctx, "nonexistent"); !errors.Is(err, domain.ErrDatasetNotFound) {
		t.Errorf("GetDataset err = %v, want %v", err, domain.ErrDatasetNotFound)
	}
	if _, err := registry.GetDatasetStatus(ctx, "nonexistent"); !errors.Is(err, domain.ErrDatasetNotFound) {
		t.Errorf("GetDatasetStatus err = %v, want %v", err, domain.ErrDatasetNotFound)
	}
	if err := registry.UnloadDataset(ctx, "nonexistent"); !errors.Is(err, domain.ErrDatasetNotFound) {
		t.Errorf("UnloadDataset err = %v, want %v", err, domain.ErrDatasetNotFound)
	}
}

func TestDatasetRegistryListIsSorted(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)

	registry.mu.Lock()
	for _, id := range []string{"c", "a", "b"} {
		registry.datasets[id] = &datasetEntry{Dataset: &domain.Dataset{ID: id}, Status: domain.StatusReady}
	}
	registry.mu.Unlock()

	datasets, _ := registry.ListDatasets(context.Background())
	got := make([]string, len(datasets))
	for i, ds := range datasets {
		got[i] = ds.ID
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestDatasetRegistryLoadAll(t *testing.T) {
	storage := &mockStorage{}
	storage.setObjects(
		output.StorageObject{Key: "a.geojson"},
		output.StorageObject{Key: "b.geojson.gz"},
		output.StorageObject{Key: "c.json"},
	)
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"a": {point(1, 0, 0, "x")},
			"b": {point(2, 0, 0, "x"), point(3, 0, 0, "y")},
			"c": {point(4, 0, 0, "z")},
		},
	}
	store := newMockStore()
	registry := newTestRegistry(t, reader, store, storage)

	if err := registry.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if registry.DatasetCount() != 3 {
		t.Errorf("DatasetCount() = %d, want 3", registry.DatasetCount())
	}
	if n, _ := store.Count(context.Background()); n != 4 {
		t.Errorf("store count = %d, want 4", n)
	}
}

func TestDatasetRegistryLoadAllSkipsFailedDownloads(t *testing.T) {
	storage := &mockStorage{downloadErr: errors.New("403")}
	storage.setObjects(output.StorageObject{Key: "a.geojson"})
	registry := newTestRegistry(t, nil, nil, storage)

	if err := registry.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll should not fail on single datasets, got %v", err)
	}
	if registry.DatasetCount() != 0 {
		t.Errorf("DatasetCount() = %d, want 0", registry.DatasetCount())
	}
}

func TestDatasetRegistrySyncAddsAndRemoves(t *testing.T) {
	storage := &mockStorage{}
	storage.setObjects(
		output.StorageObject{Key: "test1.geojson"},
		output.StorageObject{Key: "test2.geojson"},
	)
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"test1": {point(1, 0, 0, "x")},
			"test2": {point(2, 0, 0, "x")},
		},
	}
	store := newMockStore()
	registry := newTestRegistry(t, reader, store, storage)
	ctx := context.Background()

	stats, err := registry.Sync(ctx)
	if err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if stats.Added != 2 || stats.Removed != 0 {
		t.Errorf("stats = %+v, want 2 added, 0 removed", stats)
	}

	storage.setObjects(output.StorageObject{Key: "test1.geojson"})

	stats, err = registry.Sync(ctx)
	if err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if stats.Added != 0 || stats.Removed != 1 {
		t.Errorf("stats = %+v, want 0 added, 1 removed", stats)
	}
	if registry.IsLoaded("test2") {
		t.Error("test2 should be unloaded")
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(registry.localPath, "test2.geojson")); !os.IsNotExist(err) {
		t.Errorf("cached file of removed dataset should be deleted, stat err = %v", err)
	}
}

func TestDatasetRegistrySyncRetriesFailedDatasets(t *testing.T) {
	storage := &mockStorage{}
	storage.setObjects(output.StorageObject{Key: "flaky.geojson"})
	reader := &mockReader{readErr: errors.New("truncated")}
	registry := newTestRegistry(t, reader, nil, storage)
	ctx := context.Background()

	stats, _ := registry.Sync(ctx)
	if stats.Added != 0 {
		t.Errorf("stats.Added = %d, want 0", stats.Added)
	}

	reader.readErr = nil
	stats, _ = registry.Sync(ctx)
	if stats.Added != 1 {
		t.Errorf("stats.Added = %d, want 1 after retry", stats.Added)
	}
	status, _ := registry.GetDatasetStatus(ctx, "flaky")
	if status != domain.StatusReady {
		t.Errorf("status = %s, want %s", status, domain.StatusReady)
	}
}

func TestDatasetRegistrySyncReloadsChangedDatasets(t *testing.T) {
	storage := &mockStorage{}
	storage.setObjects(output.StorageObject{Key: "cities.geojson", ETag: "v1"})
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"cities": {point(1, 0, 0, "city")},
		},
	}
	store := newMockStore()
	registry := newTestRegistry(t, reader, store, storage)
	ctx := context.Background()

	if err := registry.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	stats, _ := registry.Sync(ctx)
	if stats != (SyncStats{}) {
		t.Errorf("stats = %+v, want nothing to do for an unchanged dataset", stats)
	}

	reader.items["cities"] = []domain.SpatialItem{point(1, 0, 0, "city"), point(2, 1, 1, "city")}
	storage.setObjects(output.StorageObject{Key: "cities.geojson", ETag: "v2"})

	stats, _ = registry.Sync(ctx)
	if stats.Updated != 1 || stats.Added != 0 {
		t.Errorf("stats = %+v, want 1 updated", stats)
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Errorf("store count = %d, want 2 after reload", n)
	}
}

func TestDatasetRegistrySyncIgnoresUnversionedDatasets(t *testing.T) {
	storage := &mockStorage{}
	storage.setObjects(output.StorageObject{Key: "local.geojson", ETag: "v1"})
	registry := newTestRegistry(t, nil, nil, storage)
	ctx := context.Background()

	path := filepath.Join(registry.localPath, "local.geojson")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := registry.LoadDataset(ctx, path); err != nil {
		t.Fatalf("LoadDataset() error = %v", err)
	}

	stats, _ := registry.Sync(ctx)
	if stats != (SyncStats{}) {
		t.Errorf("stats = %+v, want datasets loaded outside storage left alone", stats)
	}
}

func TestDatasetRegistryLoadReplacesItemsLeftInStore(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	// Items written before a restart; the new registry has never seen them.
	if err := store.PutItems(ctx, "poi", []domain.SpatialItem{point(1, 0, 0, "poi"), point(2, 1, 1, "poi")}); err != nil {
		t.Fatalf("PutItems() error = %v", err)
	}

	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"poi": {point(1, 0, 0, "poi")},
		},
	}
	registry := newTestRegistry(t, reader, store, nil)

	if err := registry.LoadDataset(ctx, writeDataset(t, "poi.geojson")); err != nil {
		t.Fatalf("LoadDataset() error = %v", err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want 1 after the file dropped item 2", n)
	}
}

func TestDatasetRegistryPurgesDatasetsMissingFromStorage(t *testing.T) {
	ctx := context.Background()
	storage := &mockStorage{}
	storage.setObjects(output.StorageObject{Key: "poi.geojson"})
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"poi": {point(1, 0, 0, "poi")},
		},
	}

	store := newMockStore()
	if err := store.PutItems(ctx, "gone", []domain.SpatialItem{point(7, 0, 0, "poi")}); err != nil {
		t.Fatalf("PutItems() error = %v", err)
	}
	registry := newTestRegistry(t, reader, store, storage)

	if err := registry.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	names, _ := store.Datasets(ctx)
	if len(names) != 1 || names[0] != "poi" {
		t.Errorf("store datasets = %v, want [poi]", names)
	}

	// Items written by someone else while the service runs go on the next sync.
	if err := store.PutItems(ctx, "stray", []domain.SpatialItem{point(8, 0, 0, "poi")}); err != nil {
		t.Fatalf("PutItems() error = %v", err)
	}
	stats, err := registry.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if stats.Removed != 1 {
		t.Errorf("stats.Removed = %d, want 1", stats.Removed)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want 1", n)
	}
}

func TestDatasetRegistryPurgeKeepsRegisteredDatasets(t *testing.T) {
	ctx := context.Background()
	reader := &mockReader{
		items: map[string][]domain.SpatialItem{
			"local": {point(1, 0, 0, "poi")},
		},
	}
	store := newMockStore()
	registry := newTestRegistry(t, reader, store, &mockStorage{})

	// Loaded by the watcher, not listed by storage.
	if err := registry.LoadDataset(ctx, writeDataset(t, "local.geojson")); err != nil {
		t.Fatalf("LoadDataset() error = %v", err)
	}
	if err := registry.LoadAll(ctx); err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if n, _ := store.Count(ctx); n != 1 {
		t.Errorf("store count = %d, want registered dataset kept", n)
	}
}

func TestDatasetRegistrySyncListError(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, &mockStorage{listErr: errors.New("bucket gone")})

	if _, err := registry.Sync(context.Background()); err == nil {
		t.Error("expected error when listing fails")
	}
}

func TestDatasetRegistryFindDatasetsToRemove(t *testing.T) {
	registry := newTestRegistry(t, nil, nil, nil)

	registry.datasets["ds1"] = &datasetEntry{}
	registry.datasets["ds2"] = &datasetEntry{}
	registry.datasets["ds3"] = &datasetEntry{}

	toRemove := registry.findDatasetsToRemove(map[string]output.StorageObject{
		"ds1": {Key: "ds1.geojson"},
		"ds3": {Key: "ds3.geojson"},
	})

	if len(toRemove) != 1 || toRemove[0] != "ds2" {
		t.Errorf("toRemove = %v, want [ds2]", toRemove)
	}
}

func TestDatasetID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"cities.geojson", "cities"},
		{"/data/cities.json", "cities"},
		{"nested/dir/poi.geojson.gz", "poi"},
		{"roads.geojson.zst", "roads"},
		{"regions.gpkg", "regions"},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := DatasetID(tt.path); got != tt.want {
				t.Errorf("DatasetID(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
