package sqlstore

import (
	"fmt"

	"github.com/jobrunner/vicinus/internal/filter"
)

// SQLiteFuncs names the SQL functions an SQLite-based dialect computes
// distances and bounding boxes with.
type SQLiteFuncs struct {
	Distance string
	MinX     string
	MaxX     string
	MinY     string
	MaxY     string
}

// RTreeName returns the name of the R-tree table indexing t.
func RTreeName(t Table) string {
	return "rtree_" + t.Name + "_" + t.Geometry
}

// SQLiteWithin narrows the rows through the R-tree table before computing
// exact distances.
func SQLiteWithin(b *Builder, t Table, fn SQLiteFuncs, w filter.Within) (string, error) {
	box := w.Geometry.Bound().Pad(w.Distance)
	index := fmt.Sprintf("rowid IN (SELECT id FROM %s WHERE minx <= %s AND maxx >= %s AND miny <= %s AND maxy >= %s)",
		Q(RTreeName(t)),
		b.Arg(box.Max.X()), b.Arg(box.Min.X()), b.Arg(box.Max.Y()), b.Arg(box.Min.Y()))

	g, err := GeometryArg(b, t, w.Geometry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s AND %s(%s, %s) <= %s)",
		index, fn.Distance, Q(t.Geometry), g, b.Arg(w.Distance)), nil
}

// SQLiteBeyond computes exact distances; the index cannot help here.
func SQLiteBeyond(b *Builder, t Table, fn SQLiteFuncs, w filter.Beyond) (string, error) {
	g, err := GeometryArg(b, t, w.Geometry)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s, %s) >= %s", fn.Distance, Q(t.Geometry), g, b.Arg(w.Distance)), nil
}

// SQLiteSchema creates the item table, an R-tree over the geometry bounding
// boxes and the triggers that keep both in step.
func SQLiteSchema(t Table, fn SQLiteFuncs) []string {
	tbl, rtree, geom := Q(t.Name), Q(RTreeName(t)), Q(t.Geometry)

	bbox := func(row string) string {
		col := row + "." + geom
		return fmt.Sprintf("%s.rowid, %s(%s), %s(%s), %s(%s), %s(%s)",
			row, fn.MinX, col, fn.MaxX, col, fn.MinY, col, fn.MaxY, col)
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			%s INTEGER NOT NULL,
			%s TEXT NOT NULL,
			%s TEXT NOT NULL,
			%s TEXT NOT NULL,
			%s BLOB NOT NULL,
			PRIMARY KEY (%s, %s, %s)
		)`, tbl, Q(t.ID), Q(t.Layer), Q(t.RefSys), Q(t.Dataset), geom, Q(t.ID), Q(t.Layer), Q(t.RefSys)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", Q(t.Name+"_dataset_idx"), tbl, Q(t.Dataset)),
		fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING rtree(id, minx, maxx, miny, maxy)", rtree),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN
			INSERT OR REPLACE INTO %s (id, minx, maxx, miny, maxy) VALUES (%s);
		END`, Q(t.Name+"_rtree_insert"), tbl, rtree, bbox("NEW")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE OF %s ON %s BEGIN
			INSERT OR REPLACE INTO %s (id, minx, maxx, miny, maxy) VALUES (%s);
		END`, Q(t.Name+"_rtree_update"), geom, tbl, rtree, bbox("NEW")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN
			DELETE FROM %s WHERE id = OLD.rowid;
		END`, Q(t.Name+"_rtree_delete"), tbl, rtree),
	}
}
