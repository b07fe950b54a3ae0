package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/vicinus/internal/adapters/spatialite"
	"github.com/jobrunner/vicinus/internal/domain"
)

// gpkgLayer is a feature table listed in gpkg_contents.
type gpkgLayer struct {
	Name           string
	GeometryColumn string
	SRID           int
}

// GeoPackageReader reads the feature tables of GeoPackage files through
// SpatiaLite. Every feature table becomes a layer named after the table and
// the fid column is the item id. Geometries are transformed to WGS84.
type GeoPackageReader struct {
	logger *slog.Logger

	// Transformations run on a separate in-memory database because
	// GeoPackages are opened read-only and carry no spatial_ref_sys table.
	mu          sync.Mutex
	transformer *sql.DB
}

// NewGeoPackageReader creates a reader. The transformation database is
// opened on first use.
func NewGeoPackageReader(logger *slog.Logger) *GeoPackageReader {
	return &GeoPackageReader{logger: logger}
}

// Read decodes every feature table of the GeoPackage at path.
func (r *GeoPackageReader) Read(ctx context.Context, path, refSys string) ([]domain.SpatialItem, int, error) {
	db, err := spatialite.OpenDB(ctx, path, true)
	if err != nil {
		return nil, 0, &domain.StorageError{Operation: "open", Key: path, Err: err}
	}
	defer db.Close()

	layers, err := readLayers(ctx, db)
	if err != nil {
		return nil, 0, err
	}

	var (
		items   []domain.SpatialItem
		skipped int
	)
	for _, l := range layers {
		got, n, err := r.readLayer(ctx, db, l, refSys)
		if err != nil {
			return nil, 0, fmt.Errorf("layer %s: %w", l.Name, err)
		}
		items = append(items, got...)
		skipped += n
		r.logger.Debug("geopackage layer read", "path", path, "layer", l.Name, "items", len(got), "skipped", n)
	}
	return items, skipped, nil
}

// Close releases the transformation database.
func (r *GeoPackageReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transformer == nil {
		return nil
	}
	err := r.transformer.Close()
	r.transformer = nil
	return err
}

// readLayers reads the feature tables from gpkg_contents.
func readLayers(ctx context.Context, db *sql.DB) ([]gpkgLayer, error) {
	query := `
		SELECT c.table_name, g.column_name, g.srs_id
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON c.table_name = g.table_name
		WHERE c.data_type = 'features'
		ORDER BY c.table_name
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reading layers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var layers []gpkgLayer
	for rows.Next() {
		var l gpkgLayer
		if err := rows.Scan(&l.Name, &l.GeometryColumn, &l.SRID); err != nil {
			return nil, fmt.Errorf("scanning layer: %w", err)
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// readLayer converts the GeoPackage geometry blobs to WKB with CastAutomagic
// and transforms them when the layer is not in WGS84.
func (r *GeoPackageReader) readLayer(ctx context.Context, db *sql.DB, l gpkgLayer, refSys string) ([]domain.SpatialItem, int, error) {
	query := fmt.Sprintf(`SELECT fid, AsBinary(CastAutomagic("%s")) FROM "%s"`, l.GeometryColumn, l.Name) //#nosec G201 -- names from gpkg_contents

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var (
		items   []domain.SpatialItem
		skipped int
	)
	for rows.Next() {
		var (
			fid  int64
			blob []byte
		)
		if err := rows.Scan(&fid, &blob); err != nil {
			return nil, 0, err
		}
		if blob == nil {
			skipped++
			continue
		}

		if l.SRID != domain.SRIDWGS84 && l.SRID > 0 {
			blob, err = r.transform(ctx, blob, l.SRID)
			if err != nil {
				r.logger.Warn("skipping untransformable geometry", "layer", l.Name, "fid", fid, "error", err)
				skipped++
				continue
			}
		}

		g, err := wkb.Unmarshal(blob)
		if err != nil {
			skipped++
			continue
		}
		items = append(items, domain.SpatialItem{
			ID:       domain.ItemID(fid),
			Geometry: g,
			Layer:    l.Name,
			RefSys:   refSys,
		})
	}
	return items, skipped, rows.Err()
}

// transform reprojects a WKB geometry from srid to WGS84.
func (r *GeoPackageReader) transform(ctx context.Context, blob []byte, srid int) ([]byte, error) {
	db, err := r.transformDB(ctx)
	if err != nil {
		return nil, err
	}

	var out []byte
	err = db.QueryRowContext(ctx,
		`SELECT AsBinary(Transform(GeomFromWKB(?, ?), ?))`,
		blob, srid, domain.SRIDWGS84,
	).Scan(&out)
	if err != nil {
		return nil, fmt.Errorf("transforming geometry: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("transforming geometry: unsupported SRID %d", srid)
	}
	return out, nil
}

func (r *GeoPackageReader) transformDB(ctx context.Context) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.transformer != nil {
		return r.transformer, nil
	}

	db, err := spatialite.OpenDB(ctx, ":memory:", false)
	if err != nil {
		return nil, err
	}
	// InitSpatialMetaDataFull populates spatial_ref_sys with the EPSG
	// definitions Transform needs.
	if _, err := db.ExecContext(ctx, "SELECT InitSpatialMetaDataFull(1)"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialising spatial metadata: %w", err)
	}
	r.transformer = db
	return db, nil
}
