package spatialite

import (
	"fmt"

	"github.com/jobrunner/vicinus/internal/adapters/sqlstore"
	"github.com/jobrunner/vicinus/internal/filter"
)

// Dialect is the sqlstore.Dialect for SpatiaLite. Distances are planar in
// the units of the table's SRID.
type Dialect struct{}

var _ sqlstore.Dialect = Dialect{}

var funcs = sqlstore.SQLiteFuncs{
	Distance: "ST_Distance",
	MinX:     "MbrMinX",
	MaxX:     "MbrMaxX",
	MinY:     "MbrMinY",
	MaxY:     "MbrMaxY",
}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "spatialite" }

// Placeholder implements sqlstore.Dialect.
func (Dialect) Placeholder(int) string { return "?" }

// GeometryValue implements sqlstore.Dialect.
func (Dialect) GeometryValue(t sqlstore.Table, ph string) string {
	return fmt.Sprintf("GeomFromWKB(%s, %d)", ph, t.SRID)
}

// GeometryOutput implements sqlstore.Dialect.
func (Dialect) GeometryOutput(t sqlstore.Table) string {
	return fmt.Sprintf("AsBinary(%s)", sqlstore.Q(t.Geometry))
}

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
