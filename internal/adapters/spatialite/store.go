package spatialite

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jobrunner/vicinus/internal/adapters/sqlstore"
	"github.com/jobrunner/vicinus/internal/domain"
)

// Open opens or creates the SpatiaLite database at path and prepares the
// item table.
func Open(ctx context.Context, path string, table sqlstore.Table, logger *slog.Logger) (*sqlstore.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &domain.StoreError{Operation: "open", Err: err}
		}
	}

	db, err := OpenDB(ctx, path, false)
	if err != nil {
		return nil, &domain.StoreError{Operation: "open", Err: err}
	}

	store, err := sqlstore.New(db, Dialect{}, table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("spatialite store opened", "path", path, "table", table.Name)
	return store, nil
}
