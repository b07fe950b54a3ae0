// Package sqlstore implements the geometry store on top of a spatial SQL
// database. Filter expressions are compiled into parameterised WHERE
// clauses; the database-specific SQL comes from a Dialect.
package sqlstore

import (
	"fmt"
	"regexp"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
)

// Dialect supplies the database-specific parts of the SQL.
type Dialect interface {
	// Name identifies the dialect in logs.
	Name() string

	// Placeholder returns the bind parameter for the n-th argument (1-based).
	Placeholder(n int) string

	// GeometryValue wraps a WKB bind parameter into a geometry expression.
	GeometryValue(t Table, ph string) string

	// GeometryOutput converts the geometry column into WKB.
	GeometryOutput(t Table) string

	// Within returns a clause matching rows whose geometry lies within
	// w.Distance of w.Geometry, inclusive.
	Within(b *Builder, t Table, w filter.Within) (string, error)

	// Beyond returns a clause matching rows whose geometry lies at least
	// w.Distance away from w.Geometry.
	Beyond(b *Builder, t Table, w filter.Beyond) (string, error)

	// Schema returns the statements that create the table and its indexes
	// if they do not exist yet.
	Schema(t Table) []string
}

// Table describes where items live. Column names are configurable so that
// existing tables can be queried.
type Table struct {
	Name     string
	ID       string
	Layer    string
	RefSys   string
	Dataset  string
	Geometry string
	SRID     int
}

// DefaultTable returns the table layout used when nothing is configured.
func DefaultTable() Table {
	return Table{
		Name:     "spatial_items",
		ID:       "item_id",
		Layer:    "layer_name",
		RefSys:   "ref_sys_name",
		Dataset:  "dataset",
		Geometry: "geometry",
		SRID:     domain.SRIDWGS84,
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks that all names are plain SQL identifiers.
func (t Table) Validate() error {
	names := map[string]string{
		"table":           t.Name,
		"id_column":       t.ID,
		"layer_column":    t.Layer,
		"ref_sys_column":  t.RefSys,
		"dataset_column":  t.Dataset,
		"geometry_column": t.Geometry,
	}
	for field, name := range names {
		if !identifierPattern.MatchString(name) {
			return &domain.ConfigError{
				Field:   "store." + field,
				Message: fmt.Sprintf("%q is not a valid SQL identifier", name),
			}
		}
	}
	if t.SRID <= 0 {
		return &domain.ConfigError{Field: "store.srid", Message: "must be positive"}
	}
	return nil
}

// Q quotes an identifier.
func Q(name string) string {
	return `"` + name + `"`
}

// Builder collects bind arguments while a statement is assembled.
type Builder struct {
	dialect Dialect
	args    []any
}

// NewBuilder creates a builder for d.
func NewBuilder(d Dialect) *Builder {
	return &Builder{dialect: d}
}

// Arg appends v and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	return b.dialect.Placeholder(len(b.args))
}

// Args returns the collected arguments.
func (b *Builder) Args() []any {
	return b.args
}
