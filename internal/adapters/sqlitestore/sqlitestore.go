// Package sqlitestore is the embedded SQL geometry store. It runs on the
// pure-Go SQLite driver and registers the geometry functions it needs
// itself, so no SpatiaLite installation is required.
package sqlitestore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	sqlite "modernc.org/sqlite"

	"github.com/jobrunner/vicinus/internal/adapters/memstore"
	"github.com/jobrunner/vicinus/internal/adapters/sqlstore"
	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
)

var funcs = sqlstore.SQLiteFuncs{
	Distance: "vicinus_distance",
	MinX:     "vicinus_minx",
	MaxX:     "vicinus_maxx",
	MinY:     "vicinus_miny",
	MaxY:     "vicinus_maxy",
}

var (
	registerOnce sync.Once
	registerErr  error
)

// register adds the geometry functions to the driver. Only connections
// opened afterwards see them.
func register() error {
	registerOnce.Do(func() {
		bound := func(pick func(orb.Bound) float64) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
			return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
				g, err := geometryArg(args, 0)
				if err != nil || g == nil {
					return nil, err
				}
				return pick(g.Bound()), nil
			}
		}

		for name, fn := range map[string]func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error){
			funcs.MinX: bound(func(b orb.Bound) float64 { return b.Min.X() }),
			funcs.MaxX: bound(func(b orb.Bound) float64 { return b.Max.X() }),
			funcs.MinY: bound(func(b orb.Bound) float64 { return b.Min.Y() }),
			funcs.MaxY: bound(func(b orb.Bound) float64 { return b.Max.Y() }),
		} {
			if err := sqlite.RegisterDeterministicScalarFunction(name, 1, fn); err != nil {
				registerErr = err
				return
			}
		}
		registerErr = sqlite.RegisterDeterministicScalarFunction(funcs.Distance, 2, distanceImpl)
	})
	return registerErr
}

func distanceImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: expected 2 arguments, got %d", funcs.Distance, len(args))
	}
	a, err := geometryArg(args, 0)
	if err != nil {
		return nil, err
	}
	b, err := geometryArg(args, 1)
	if err != nil {
		return nil, err
	}
	if a == nil || b == nil {
		return nil, nil
	}
	return memstore.Distance(a, b), nil
}

func geometryArg(args []driver.Value, i int) (orb.Geometry, error) {
	switch v := args[i].(type) {
	case nil:
		return nil, nil
	case []byte:
		return wkb.Unmarshal(v)
	default:
		return nil, fmt.Errorf("unsupported geometry argument %T; want WKB blob", v)
	}
}

// Dialect is the sqlstore.Dialect for the embedded store. Geometries are
// stored as plain WKB.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Placeholder implements sqlstore.Dialect.
func (Dialect) Placeholder(int) string { return "?" }

// GeometryValue implements sqlstore.Dialect.
func (Dialect) GeometryValue(_ sqlstore.Table, ph string) string { return ph }

// GeometryOutput implements sqlstore.Dialect.
func (Dialect) GeometryOutput(t sqlstore.Table) string { return sqlstore.Q(t.Geometry) }

// Within implements sqlstore.Dialect.
func (Dialect) Within(b *sqlstore.Builder, t sqlstore.Table, w filter.Within) (string, error) {
	return sqlstore.SQLiteWithin(b, t, funcs, w)
}

// Beyond implements sqlstore.Dialect.
func (Dialect) Beyond(b *sqlstore.Builder, t sqlstore.Table, w filter.Beyond) (string, error) {
	return sqlstore.SQLiteBeyond(b, t, funcs, w)
}

// Schema implements sqlstore.Dialect.
func (Dialect) Schema(t sqlstore.Table) []string {
	return sqlstore.SQLiteSchema(t, funcs)
}

// Open opens or creates the database at path. ":memory:" opens a private
// in-memory database.
func Open(ctx context.Context, path string, table sqlstore.Table, logger *slog.Logger) (*sqlstore.Store, error) {
	if err := register(); err != nil {
		return nil, &domain.StoreError{Operation: "open", Err: err}
	}

	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &domain.StoreError{Operation: "open", Err: err}
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &domain.StoreError{Operation: "open", Err: err}
	}
	// SQLite allows one writer; in-memory databases are also per connection.
	db.SetMaxOpenConns(1)

	store, err := sqlstore.New(db, Dialect{}, table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("sqlite store opened", "path", path, "table", table.Name)
	return store, nil
}
