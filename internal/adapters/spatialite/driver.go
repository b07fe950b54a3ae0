// Package spatialite provides the SpatiaLite flavour of the SQL geometry
// store and the shared connection setup for SpatiaLite databases.
package spatialite

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver that loads SpatiaLite on connect.
const DriverName = "sqlite3_with_extensions"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		Extensions: libraryPaths(),
	})
}

// libraryPaths returns the paths to try when loading SpatiaLite.
// SPATIALITE_LIBRARY_PATH wins over the platform defaults.
func libraryPaths() []string {
	if envPath := os.Getenv("SPATIALITE_LIBRARY_PATH"); envPath != "" {
		return []string{envPath}
	}

	return []string{
		// Alpine Linux
		"/usr/lib/mod_spatialite.so",
		"/usr/lib/mod_spatialite.so.8",

		// Debian/Ubuntu amd64
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so.8",

		// Debian/Ubuntu arm64
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so.8",

		// macOS Homebrew (Intel)
		"/usr/local/lib/mod_spatialite.dylib",

		// macOS Homebrew (Apple Silicon)
		"/opt/homebrew/lib/mod_spatialite.dylib",

		// Resolved through the library search path
		"mod_spatialite.so",
		"mod_spatialite",
		"mod_spatialite.dylib",
	}
}

// OpenDB opens the SQLite file at path with SpatiaLite loaded.
// ":memory:" opens a private in-memory database.
func OpenDB(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?cache=shared", path)
		if readOnly {
			dsn += "&mode=ro"
		}
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Every new connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := Version(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Version returns the loaded SpatiaLite version.
func Version(ctx context.Context, db *sql.DB) (string, error) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
		return "", fmt.Errorf("SpatiaLite extension not available: %w", err)
	}
	return version, nil
}
