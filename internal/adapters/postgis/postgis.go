// Package postgis provides the PostGIS flavour of the SQL geometry store.
package postgis

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/jobrunner/vicinus/internal/adapters/sqlstore"
	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns int
	MaxIdleConns int

	// CreateSchema creates the item table on open. Disable it when the
	// table is managed elsewhere.
	CreateSchema bool
}

// Open connects to PostgreSQL and returns a store on table.
func Open(ctx context.Context, dsn string, table sqlstore.Table, opts Options, logger *slog.Logger) (*sqlstore.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &domain.StoreError{Operation: "open", Err: err}
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT PostGIS_Version()").Scan(&version); err != nil {
		_ = db.Close()
		return nil, &domain.StoreError{Operation: "open", Err: fmt.Errorf("PostGIS not available: %w", err)}
	}

	store, err := sqlstore.New(db, Dialect{}, table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.CreateSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	logger.Info("postgis store opened", "postgis_version", version, "table", table.Name)
	return store, nil
}

// Dialect is the sqlstore.Dialect for PostGIS. Geometries use the
// geometry type, so distances are planar in the units of the table's SRID.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgis" }

// Placeholder implements sqlstore.Dialect.
func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

// GeometryValue implements sqlstore.Dialect.
func (Dialect) GeometryValue(t sqlstore.Table, ph string) string {
	return fmt.Sprintf("ST_GeomFromWKB(%s, %d)", ph, t.SRID)
}

// GeometryOutput implements sqlstore.Dialect.
func (Dialect) GeometryOutput(t sqlstore.Table) string {
	return fmt.Sprintf("ST_AsBinary(%s)", sqlstore.Q(t.Geometry))
}

// Within implements sqlstore.Dialect. ST_DWithin is inclusive and uses the
// GiST index.
func (Dialect) Within(b *sqlstore.Builder, t sqlstore.Table, w filter.Within) (string, error) {
	g, err := sqlstore.GeometryArg(b, t, w.Geometry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ST_DWithin(%s, %s, %s)", sqlstore.Q(t.Geometry), g, b.Arg(w.Distance)), nil
}

// Beyond implements sqlstore.Dialect.
func (Dialect) Beyond(b *sqlstore.Builder, t sqlstore.Table, w filter.Beyond) (string, error) {
	g, err := sqlstore.GeometryArg(b, t, w.Geometry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ST_Distance(%s, %s) >= %s", sqlstore.Q(t.Geometry), g, b.Arg(w.Distance)), nil
}

// Schema implements sqlstore.Dialect.
func (Dialect) Schema(t sqlstore.Table) []string {
	q := sqlstore.Q
	tbl := q(t.Name)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s BIGINT NOT NULL,
			%s TEXT NOT NULL,
			%s TEXT NOT NULL,
			%s TEXT NOT NULL,
			%s geometry(Geometry, %d) NOT NULL,
			PRIMARY KEY (%s, %s, %s)
		)`, tbl, q(t.ID), q(t.Layer), q(t.RefSys), q(t.Dataset), q(t.Geometry), t.SRID, q(t.ID), q(t.Layer), q(t.RefSys)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)", q(t.Name+"_geom_idx"), tbl, q(t.Geometry)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", q(t.Name+"_dataset_idx"), tbl, q(t.Dataset)),
	}
}
