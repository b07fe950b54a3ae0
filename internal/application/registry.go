// Package application contains the application services.
package application

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/ports/input"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

// DefaultLoadConcurrency is the number of datasets LoadAll reads at once.
const DefaultLoadConcurrency = 4

var _ input.DatasetRegistry = (*DatasetRegistry)(nil)

// DatasetRegistry tracks the dataset files whose items are in the store.
type DatasetRegistry struct {
	mu          sync.RWMutex
	datasets    map[string]*datasetEntry
	reader      output.DatasetReader
	store       output.ItemWriter
	storage     output.ObjectStorage
	metrics     output.MetricsCollector
	logger      *slog.Logger
	localPath   string
	concurrency int
}

type datasetEntry struct {
	Dataset *domain.Dataset
	Status  domain.DatasetStatus
	Error   error
	Version string // storage version the dataset was fetched at
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(
	reader output.DatasetReader,
	store output.ItemWriter,
	storage output.ObjectStorage,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	localPath string,
	concurrency int,
) *DatasetRegistry {
	if concurrency <= 0 {
		concurrency = DefaultLoadConcurrency
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &DatasetRegistry{
		datasets:    make(map[string]*datasetEntry),
		reader:      reader,
		store:       store,
		storage:     storage,
		metrics:     metrics,
		logger:      logger,
		localPath:   localPath,
		concurrency: concurrency,
	}
}

// LoadDataset reads the dataset file at path and writes its items to the
// store. A dataset that is already loaded is replaced.
func (r *DatasetRegistry) LoadDataset(ctx context.Context, path string) error {
	id := DatasetID(path)
	r.logger.Info("loading dataset", "id", id, "path", path)

	info, err := os.Stat(path)
	if err != nil {
		r.logger.Error("failed to stat dataset", "path", path, "error", err)
		return err
	}

	r.setEntry(id, &datasetEntry{
		Dataset: &domain.Dataset{ID: id, Path: path, Size: info.Size()},
		Status:  domain.StatusLoading,
	})

	items, skipped, err := r.reader.Read(ctx, path)
	if err != nil {
		r.fail(id, err)
		r.logger.Error("failed to read dataset", "id", id, "error", err)
		return err
	}
	if skipped > 0 {
		r.logger.Warn("skipped features", "id", id, "skipped", skipped)
	}

	// The store may hold items of this dataset from before a restart, so
	// they are replaced even when the registry has not seen it yet.
	if err := r.store.ReplaceDataset(ctx, id, items); err != nil {
		r.fail(id, err)
		r.logger.Error("failed to store items", "id", id, "error", err)
		return err
	}

	r.mu.Lock()
	if entry, ok := r.datasets[id]; ok {
		entry.Status = domain.StatusReady
		entry.Error = nil
		entry.Dataset.Layers = distinctLayers(items)
		entry.Dataset.ItemCount = len(items)
		entry.Dataset.Skipped = skipped
		entry.Dataset.LoadedAt = time.Now()
	}
	r.mu.Unlock()

	r.updateMetrics(ctx)
	r.logger.Info("dataset loaded", "id", id, "items", len(items), "skipped", skipped)
	return nil
}

// UnloadDataset removes a dataset's items from the store.
func (r *DatasetRegistry) UnloadDataset(ctx context.Context, datasetID string) error {
	r.logger.Info("unloading dataset", "id", datasetID)

	r.mu.Lock()
	entry, ok := r.datasets[datasetID]
	if ok {
		entry.Status = domain.StatusUnloading
	}
	r.mu.Unlock()
	if !ok {
		return domain.ErrDatasetNotFound
	}

	if err := r.store.DeleteDataset(ctx, datasetID); err != nil {
		r.fail(datasetID, err)
		r.logger.Error("failed to delete dataset items", "id", datasetID, "error", err)
		return err
	}

	r.mu.Lock()
	delete(r.datasets, datasetID)
	r.mu.Unlock()

	r.updateMetrics(ctx)
	return nil
}

// ListDatasets returns all registered datasets ordered by id.
func (r *DatasetRegistry) ListDatasets(_ context.Context) ([]domain.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	datasets := make([]domain.Dataset, 0, len(r.datasets))
	for _, entry := range r.datasets {
		datasets = append(datasets, *entry.Dataset)
	}
	slices.SortFunc(datasets, func(a, b domain.Dataset) int {
		return strings.Compare(a.ID, b.ID)
	})

	return datasets, nil
}

// GetDataset returns a specific dataset by ID.
func (r *DatasetRegistry) GetDataset(_ context.Context, id string) (*domain.Dataset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.datasets[id]
	if !ok {
		return nil, domain.ErrDatasetNotFound
	}

	ds := *entry.Dataset
	return &ds, nil
}

// GetDatasetStatus returns the status of a dataset.
func (r *DatasetRegistry) GetDatasetStatus(_ context.Context, id string) (domain.DatasetStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.datasets[id]
	if !ok {
		return "", domain.ErrDatasetNotFound
	}

	return entry.Status, nil
}

// IsLoaded returns true if a dataset with the given ID is registered.
func (r *DatasetRegistry) IsLoaded(datasetID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.datasets[datasetID]
	return ok
}

// DatasetCount returns the number of registered datasets.
func (r *DatasetRegistry) DatasetCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.datasets)
}

// Counts returns the number of registered, ready and failed datasets.
func (r *DatasetRegistry) Counts() (total, ready, failed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, entry := range r.datasets {
		switch entry.Status {
		case domain.StatusReady:
			ready++
		case domain.StatusError:
			failed++
		}
	}
	return len(r.datasets), ready, failed
}

// LoadAll downloads and loads every dataset in storage. Failures of single
// datasets are logged and do not stop the others. Datasets a persistent
// store still holds but storage no longer lists are purged.
func (r *DatasetRegistry) LoadAll(ctx context.Context) error {
	r.logger.Info("loading all datasets from storage")

	objects, err := r.storage.List(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	remote := make(map[string]output.StorageObject, len(objects))
	for _, obj := range objects {
		remote[DatasetID(obj.Key)] = obj
		obj := obj
		g.Go(func() error {
			r.fetchAndLoad(gctx, obj)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err = r.purgeOrphans(ctx, remote)
	return err
}

// purgeOrphans deletes the items of datasets that are in the store but
// neither in storage nor in the registry. They are left over from datasets
// removed while the service was down.
func (r *DatasetRegistry) purgeOrphans(ctx context.Context, remote map[string]output.StorageObject) (int, error) {
	stored, err := r.store.Datasets(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, id := range stored {
		if _, ok := remote[id]; ok || r.IsLoaded(id) {
			continue
		}
		r.logger.Info("purging dataset no longer in storage", "id", id)
		if err := r.store.DeleteDataset(ctx, id); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 {
		r.updateMetrics(ctx)
	}
	return purged, nil
}

// SyncStats contains statistics from a sync operation.
type SyncStats struct {
	Added   int
	Updated int
	Removed int
}

// Sync synchronizes with storage: datasets that appeared are loaded,
// datasets whose storage version changed are reloaded and datasets that
// disappeared are unloaded. Datasets in error state are retried.
func (r *DatasetRegistry) Sync(ctx context.Context) (SyncStats, error) {
	r.logger.Info("syncing datasets from storage")

	objects, err := r.storage.List(ctx)
	if err != nil {
		return SyncStats{}, err
	}

	remote := make(map[string]output.StorageObject, len(objects))
	for _, obj := range objects {
		remote[DatasetID(obj.Key)] = obj
	}

	stats := SyncStats{}

	for id, obj := range remote {
		status, err := r.GetDatasetStatus(ctx, id)
		switch {
		case err != nil || status == domain.StatusError:
			if r.fetchAndLoad(ctx, obj) {
				stats.Added++
				r.logger.Info("new dataset synced", "id", id)
			}
		case r.changed(id, obj):
			if r.fetchAndLoad(ctx, obj) {
				stats.Updated++
				r.logger.Info("changed dataset reloaded", "id", id, "version", obj.Version())
			}
		default:
			r.logger.Debug("dataset unchanged, skipping", "id", id)
		}
	}

	for _, id := range r.findDatasetsToRemove(remote) {
		r.logger.Info("removing dataset not in storage", "id", id)

		localPath := r.datasetPath(id)
		if err := r.UnloadDataset(ctx, id); err != nil {
			r.logger.Error("failed to unload removed dataset", "id", id, "error", err)
			continue
		}

		if localPath != "" && r.isCached(localPath) {
			if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
				r.logger.Warn("failed to delete local cache file", "path", localPath, "error", err)
			}
		}

		stats.Removed++
	}

	purged, err := r.purgeOrphans(ctx, remote)
	if err != nil {
		return stats, err
	}
	stats.Removed += purged

	r.logger.Info("sync completed",
		"added", stats.Added,
		"updated", stats.Updated,
		"removed", stats.Removed,
		"total", r.DatasetCount(),
	)
	return stats, nil
}

// changed reports whether obj differs from the version id was fetched at.
// Datasets loaded outside of storage (watcher, CLI) carry no version and
// are left alone.
func (r *DatasetRegistry) changed(id string, obj output.StorageObject) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.datasets[id]
	if !ok || entry.Version == "" {
		return false
	}
	return entry.Version != obj.Version()
}

// fetchAndLoad downloads an object into the local path and loads it.
func (r *DatasetRegistry) fetchAndLoad(ctx context.Context, obj output.StorageObject) bool {
	localPath := filepath.Join(r.localPath, obj.Key)

	start := time.Now()
	err := r.storage.Download(ctx, obj.Key, localPath)
	r.metrics.IncStorageOperations("download", err == nil)
	r.metrics.ObserveStorageDuration("download", time.Since(start))
	if err != nil {
		r.logger.Error("failed to download dataset", "key", obj.Key, "error", err)
		return false
	}

	if err := r.LoadDataset(ctx, localPath); err != nil {
		r.logger.Error("failed to load dataset", "path", localPath, "error", err)
		return false
	}

	r.mu.Lock()
	if entry, ok := r.datasets[DatasetID(obj.Key)]; ok {
		entry.Version = obj.Version()
	}
	r.mu.Unlock()
	return true
}

func (r *DatasetRegistry) findDatasetsToRemove(remote map[string]output.StorageObject) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var toRemove []string
	for id := range r.datasets {
		if _, exists := remote[id]; !exists {
			toRemove = append(toRemove, id)
		}
	}
	return toRemove
}

func (r *DatasetRegistry) datasetPath(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.datasets[id]; ok && entry.Dataset != nil {
		return entry.Dataset.Path
	}
	return ""
}

// isCached reports whether path lies below the local cache directory.
func (r *DatasetRegistry) isCached(path string) bool {
	rel, err := filepath.Rel(r.localPath, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func (r *DatasetRegistry) setEntry(id string, entry *datasetEntry) {
	r.mu.Lock()
	r.datasets[id] = entry
	r.mu.Unlock()
}

func (r *DatasetRegistry) fail(id string, err error) {
	r.mu.Lock()
	if entry, ok := r.datasets[id]; ok {
		entry.Status = domain.StatusError
		entry.Error = fmt.Errorf("dataset %s: %w", id, err)
	}
	r.mu.Unlock()
	r.updateMetrics(context.Background())
}

// updateMetrics publishes the current dataset and item counts.
func (r *DatasetRegistry) updateMetrics(ctx context.Context) {
	total, ready, _ := r.Counts()
	r.metrics.SetDatasetsLoaded(total)
	r.metrics.SetDatasetsReady(ready)

	if n, err := r.store.Count(ctx); err == nil {
		r.metrics.SetItemsLoaded(n)
	}
}

// DatasetID derives a dataset ID from a file path or object key:
// the base name without extension and compression suffix.
func DatasetID(path string) string {
	base, _ := domain.SplitDatasetName(filepath.Base(path))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func distinctLayers(items []domain.SpatialItem) []string {
	seen := make(map[string]struct{})
	layers := make([]string, 0)
	for _, it := range items {
		if _, ok := seen[it.Layer]; ok {
			continue
		}
		seen[it.Layer] = struct{}{}
		layers = append(layers, it.Layer)
	}
	slices.Sort(layers)
	return layers
}
