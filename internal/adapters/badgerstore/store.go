// Package badgerstore persists spatial items in BadgerDB.
//
// Badger is a key-value store without spatial predicates, so the store keeps
// an in-memory R-tree index (memstore) next to it. The index is rebuilt from
// Badger on open and kept in step on every write; queries are answered by
// the index alone.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/vicinus/internal/adapters/memstore"
	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

// Key prefixes.
const (
	itemPrefix    = "item/"
	datasetPrefix = "ds/"
)

var _ output.Store = (*Store)(nil)

// Store is a persistent geometry store.
type Store struct {
	db     *badger.DB
	index  *memstore.Store
	logger *slog.Logger
}

// record is the stored form of an item.
type record struct {
	ID       domain.ItemID `json:"id"`
	Layer    string        `json:"layer"`
	RefSys   string        `json:"ref_sys"`
	Dataset  string        `json:"dataset"`
	Geometry []byte        `json:"wkb"`
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// Open opens the database in dir, creating it if needed, and loads its items
// into the index. An empty dir opens an in-memory database.
func Open(ctx context.Context, dir string, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &domain.StoreError{Operation: "open", Err: err}
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &domain.StoreError{Operation: "open", Err: err}
	}

	s := &Store{
		db:     db,
		index:  memstore.New(logger),
		logger: logger,
	}
	if err := s.rebuild(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// rebuild loads every stored item into the index.
func (s *Store) rebuild(ctx context.Context) error {
	byDataset := make(map[string][]domain.SpatialItem)
	count := 0

	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(itemPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var rec record
			if err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}

			it, err := rec.item()
			if err != nil {
				s.logger.Warn("skipping unreadable item", "key", string(iter.Item().Key()), "error", err)
				continue
			}
			byDataset[rec.Dataset] = append(byDataset[rec.Dataset], it)
			count++
		}
		return nil
	})
	if err != nil {
		return &domain.StoreError{Operation: "open", Err: err}
	}

	for dataset, items := range byDataset {
		if err := s.index.PutItems(ctx, dataset, items); err != nil {
			return err
		}
	}

	s.logger.Info("badger store opened", "items", count, "datasets", len(byDataset))
	return nil
}

// ResolveGeometry implements output.GeometryStore.
func (s *Store) ResolveGeometry(ctx context.Context, id domain.ItemID, layer, refSys string) (orb.Geometry, error) {
	return s.index.ResolveGeometry(ctx, id, layer, refSys)
}

// Query implements output.GeometryStore.
func (s *Store) Query(ctx context.Context, pred filter.Expr) ([]domain.Candidate, error) {
	return s.index.Query(ctx, pred)
}

// PutItems implements output.ItemWriter. Items are written to Badger first
// and then to the index.
func (s *Store) PutItems(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	if s.db.IsClosed() {
		return domain.ErrStoreClosed
	}
	if err := validate(items); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	if err := s.write(ctx, wb, dataset, items); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return &domain.StoreError{Operation: "put", Err: err}
	}

	return s.index.PutItems(ctx, dataset, items)
}

// ReplaceDataset implements output.ItemWriter. The stale keys of the
// dataset are deleted in the same write batch that stores the new items.
func (s *Store) ReplaceDataset(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	if s.db.IsClosed() {
		return domain.ErrStoreClosed
	}
	if err := validate(items); err != nil {
		return err
	}

	owned, err := s.owned(dataset)
	if err != nil {
		return &domain.StoreError{Operation: "replace", Err: err}
	}

	fresh := make(map[string]struct{}, len(items))
	for _, it := range items {
		fresh[string(itemKey(it.Key()))] = struct{}{}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, o := range owned {
		if _, ok := fresh[string(o.item)]; ok {
			continue
		}
		if err := wb.Delete(o.ds); err != nil {
			return &domain.StoreError{Operation: "replace", Err: err}
		}
		if o.own {
			if err := wb.Delete(o.item); err != nil {
				return &domain.StoreError{Operation: "replace", Err: err}
			}
		}
	}
	if err := s.write(ctx, wb, dataset, items); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return &domain.StoreError{Operation: "replace", Err: err}
	}

	return s.index.ReplaceDataset(ctx, dataset, items)
}

// DeleteDataset implements output.ItemWriter. Items that were overwritten by
// another dataset since are kept.
func (s *Store) DeleteDataset(ctx context.Context, dataset string) error {
	if s.db.IsClosed() {
		return domain.ErrStoreClosed
	}

	owned, err := s.owned(dataset)
	if err != nil {
		return &domain.StoreError{Operation: "delete", Err: err}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, o := range owned {
		if err := wb.Delete(o.ds); err != nil {
			return &domain.StoreError{Operation: "delete", Err: err}
		}
		if o.own {
			if err := wb.Delete(o.item); err != nil {
				return &domain.StoreError{Operation: "delete", Err: err}
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return &domain.StoreError{Operation: "delete", Err: err}
	}

	return s.index.DeleteDataset(ctx, dataset)
}

// Datasets implements output.ItemWriter. The index is rebuilt from every
// stored record on open, so it knows each owning dataset.
func (s *Store) Datasets(ctx context.Context) ([]string, error) {
	if s.db.IsClosed() {
		return nil, domain.ErrStoreClosed
	}
	return s.index.Datasets(ctx)
}

// ownedKey is a ds/ key of a dataset and the item key it points at. own is
// false when another dataset has overwritten the item since.
type ownedKey struct {
	ds   []byte
	item []byte
	own  bool
}

// owned lists the links written by dataset.
func (s *Store) owned(dataset string) ([]ownedKey, error) {
	prefix := datasetKey(dataset, nil)
	var out []ownedKey

	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			dsKey := iter.Item().KeyCopy(nil)
			key := dsKey[len(prefix):]
			owner, err := ownerOf(tx, key)
			if err != nil {
				return err
			}
			out = append(out, ownedKey{ds: dsKey, item: key, own: owner == dataset})
		}
		return nil
	})
	return out, err
}

func (s *Store) write(ctx context.Context, wb *badger.WriteBatch, dataset string, items []domain.SpatialItem) error {
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		val, err := encode(dataset, it)
		if err != nil {
			return fmt.Errorf("item %d: %w", it.ID, err)
		}
		key := itemKey(it.Key())
		if err := wb.Set(key, val); err != nil {
			return &domain.StoreError{Operation: "put", Err: err}
		}
		if err := wb.Set(datasetKey(dataset, key), nil); err != nil {
			return &domain.StoreError{Operation: "put", Err: err}
		}
	}
	return nil
}

func validate(items []domain.SpatialItem) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", it.ID, err)
		}
	}
	return nil
}

// Count implements output.ItemWriter.
func (s *Store) Count(ctx context.Context) (int, error) {
	if s.db.IsClosed() {
		return 0, domain.ErrStoreClosed
	}
	return s.index.Count(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	_ = s.index.Close()
	return s.db.Close()
}

// ownerOf returns the dataset that last wrote the item key, or "" if the
// item no longer exists.
func ownerOf(tx *badger.Txn, key []byte) (string, error) {
	item, err := tx.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return "", err
	}
	return rec.Dataset, nil
}

func encode(dataset string, it domain.SpatialItem) ([]byte, error) {
	g, err := wkb.Marshal(it.Geometry)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", domain.ErrInvalidGeometry)
	}
	return json.Marshal(record{
		ID:       it.ID,
		Layer:    it.Layer,
		RefSys:   it.RefSys,
		Dataset:  dataset,
		Geometry: g,
	})
}

func (r record) item() (domain.SpatialItem, error) {
	g, err := wkb.Unmarshal(r.Geometry)
	if err != nil {
		return domain.SpatialItem{}, err
	}
	return domain.SpatialItem{ID: r.ID, Geometry: g, Layer: r.Layer, RefSys: r.RefSys}, nil
}

// itemKey formats item/<ref_sys>/<layer>/<id> with quoted names, so that
// separators inside names cannot collide.
func itemKey(k domain.ItemKey) []byte {
	return fmt.Appendf(nil, "%s%q/%q/%d", itemPrefix, k.RefSys, k.Layer, k.ID)
}

// datasetKey formats ds/<dataset>/<item key>.
func datasetKey(dataset string, key []byte) []byte {
	out := fmt.Appendf(nil, "%s%q/", datasetPrefix, dataset)
	return append(out, key...)
}
