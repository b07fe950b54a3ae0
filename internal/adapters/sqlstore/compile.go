package sqlstore

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/vicinus/internal/domain"
	"github.com/jobrunner/vicinus/internal/filter"
)

// Compile turns a filter expression into a WHERE clause for t. Arguments
// are appended to b.
func Compile(b *Builder, t Table, e filter.Expr) (string, error) {
	switch n := e.(type) {
	case nil:
		return "1 = 1", nil
	case filter.Eq:
		col, err := attributeColumn(t, n.Attr)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s", Q(col), b.Arg(n.Value)), nil
	case filter.Within:
		return b.dialect.Within(b, t, n)
	case filter.Beyond:
		return b.dialect.Beyond(b, t, n)
	case filter.AndExpr:
		return join(b, t, n.Operands, " AND ", "1 = 1")
	case filter.OrExpr:
		return join(b, t, n.Operands, " OR ", "1 = 0")
	default:
		return "", fmt.Errorf("unsupported filter %T: %w", e, domain.ErrInvalidInput)
	}
}

func join(b *Builder, t Table, ops []filter.Expr, sep, empty string) (string, error) {
	if len(ops) == 0 {
		return empty, nil
	}
	parts := make([]string, len(ops))
	for i, op := range ops {
		s, err := Compile(b, t, op)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func attributeColumn(t Table, attr filter.Attribute) (string, error) {
	switch attr {
	case filter.AttrLayer:
		return t.Layer, nil
	case filter.AttrRefSys:
		return t.RefSys, nil
	default:
		return "", fmt.Errorf("unknown attribute %q: %w", attr, domain.ErrInvalidInput)
	}
}

// GeometryArg encodes g as WKB and binds it as a geometry value.
func GeometryArg(b *Builder, t Table, g orb.Geometry) (string, error) {
	data, err := wkb.Marshal(g)
	if err != nil {
		return "", fmt.Errorf("encode reference geometry: %w", domain.ErrInvalidGeometry)
	}
	return b.dialect.GeometryValue(t, b.Arg(data)), nil
}
