package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
	"github.com/jobrunner/vicinus/internal/ports/output"
)

var _ output.Store = (*Store)(nil)

// Store is a geometry store backed by a spatial SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	table   Table
	logger  *slog.Logger
}

// New wraps an open database. The store takes ownership of db.
func New(db *sql.DB, dialect Dialect, table Table, logger *slog.Logger) (*Store, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		db:      db,
		dialect: dialect,
		table:   table,
		logger:  logger,
	}, nil
}

// EnsureSchema creates the item table and its indexes if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return &domain.StoreError{Operation: "schema", Err: err}
		}
	}
	s.logger.Debug("schema ready", "dialect", s.dialect.Name(), "table", s.table.Name)
	return nil
}

// ResolveGeometry implements output.GeometryStore.
func (s *Store) ResolveGeometry(ctx context.Context, id domain.ItemID, layer, refSys string) (orb.Geometry, error) {
	b := NewBuilder(s.dialect)
	t := s.table
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s AND %s = %s",
		s.dialect.GeometryOutput(t), Q(t.Name),
		Q(t.ID), b.Arg(int64(id)),
		Q(t.Layer), b.Arg(layer),
		Q(t.RefSys), b.Arg(refSys))

	var data []byte
	err := s.db.QueryRowContext(ctx, query, b.Args()...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%d in layer %q: %w", id, layer, domain.ErrItemNotFound)
	}
	if err != nil {
		return nil, &domain.StoreError{Operation: "resolve", Err: err}
	}

	g, err := wkb.Unmarshal(data)
	if err != nil {
		return nil, &domain.StoreError{Operation: "resolve", Err: err}
	}
	return g, nil
}

// Query implements output.GeometryStore.
func (s *Store) Query(ctx context.Context, pred filter.Expr) ([]domain.Candidate, error) {
	b := NewBuilder(s.dialect)
	where, err := Compile(b, s.table, pred)
	if err != nil {
		return nil, err
	}

	t := s.table
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s ORDER BY %s",
		Q(t.ID), s.dialect.GeometryOutput(t), Q(t.Name), where, Q(t.ID))

	rows, err := s.db.QueryContext(ctx, query, b.Args()...)
	if err != nil {
		return nil, &domain.StoreError{Operation: "query", Err: err}
	}
	defer rows.Close()

	var out []domain.Candidate
	for rows.Next() {
		var (
			id   int64
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, &domain.StoreError{Operation: "query", Err: err}
		}
		g, err := wkb.Unmarshal(data)
		if err != nil {
			return nil, &domain.StoreError{Operation: "query", Err: fmt.Errorf("item %d: decode geometry: %w", id, err)}
		}
		out = append(out, domain.Candidate{ID: domain.ItemID(id), Geometry: g})
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Operation: "query", Err: err}
	}
	return out, nil
}

// PutItems implements output.ItemWriter. All items are written in one
// transaction.
func (s *Store) PutItems(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	return s.write(ctx, "put", dataset, items, false)
}

// ReplaceDataset implements output.ItemWriter. The old items are deleted
// and the new ones written in one transaction.
func (s *Store) ReplaceDataset(ctx context.Context, dataset string, items []domain.SpatialItem) error {
	return s.write(ctx, "replace", dataset, items, true)
}

func (s *Store) write(ctx context.Context, op, dataset string, items []domain.SpatialItem, replace bool) error {
	encoded := make([][]byte, len(items))
	for i, it := range items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", it.ID, err)
		}
		data, err := wkb.Marshal(it.Geometry)
		if err != nil {
			return fmt.Errorf("item %d: encode geometry: %w", it.ID, domain.ErrInvalidGeometry)
		}
		encoded[i] = data
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &domain.StoreError{Operation: op, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if replace {
		if _, err := tx.ExecContext(ctx, s.deleteSQL(), dataset); err != nil {
			return &domain.StoreError{Operation: op, Err: err}
		}
	}

	stmt, err := tx.PrepareContext(ctx, s.upsertSQL())
	if err != nil {
		return &domain.StoreError{Operation: op, Err: err}
	}
	defer stmt.Close()

	for i, it := range items {
		if _, err := stmt.ExecContext(ctx, int64(it.ID), it.Layer, it.RefSys, dataset, encoded[i]); err != nil {
			return &domain.StoreError{Operation: op, Err: fmt.Errorf("item %d: %w", it.ID, err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &domain.StoreError{Operation: op, Err: err}
	}
	return nil
}

func (s *Store) deleteSQL() string {
	t := s.table
	return fmt.Sprintf("DELETE FROM %s WHERE %s = %s", Q(t.Name), Q(t.Dataset), s.dialect.Placeholder(1))
}

// upsertSQL inserts an item or replaces the one with the same key.
func (s *Store) upsertSQL() string {
	t := s.table
	d := s.dialect
	return fmt.Sprintf(
		"INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (%s, %s, %s, %s, %s) "+
			"ON CONFLICT (%s, %s, %s) DO UPDATE SET %s = excluded.%s, %s = excluded.%s",
		Q(t.Name), Q(t.ID), Q(t.Layer), Q(t.RefSys), Q(t.Dataset), Q(t.Geometry),
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		d.GeometryValue(t, d.Placeholder(5)),
		Q(t.ID), Q(t.Layer), Q(t.RefSys),
		Q(t.Dataset), Q(t.Dataset), Q(t.Geometry), Q(t.Geometry))
}

// DeleteDataset implements output.ItemWriter. Items that another dataset
// has overwritten since carry that dataset's name and are kept.
func (s *Store) DeleteDataset(ctx context.Context, dataset string) error {
	res, err := s.db.ExecContext(ctx, s.deleteSQL(), dataset)
	if err != nil {
		return &domain.StoreError{Operation: "delete", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("dataset items deleted", "dataset", dataset, "items", n)
	}
	return nil
}

// Count implements output.ItemWriter.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", Q(s.table.Name))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, &domain.StoreError{Operation: "count", Err: err}
	}
	return n, nil
}

// Datasets implements output.ItemWriter.
func (s *Store) Datasets(ctx context.Context) ([]string, error) {
	t := s.table
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s ORDER BY %s", Q(t.Dataset), Q(t.Name), Q(t.Dataset))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &domain.StoreError{Operation: "datasets", Err: err}
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &domain.StoreError{Operation: "datasets", Err: err}
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StoreError{Operation: "datasets", Err: err}
	}
	return names, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &domain.StoreError{Operation: "ping", Err: err}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
