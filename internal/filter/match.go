package filter

import (
	"github.com/paulmach/orb"

	"github.com/jobrunner/vicinus/internal/domain"
)

// DistanceFunc measures the distance between two geometries in the store's
// native unit.
type DistanceFunc func(a, b orb.Geometry) float64

// Match evaluates the predicate against a single item. Stores without a
// query language of their own use it as their predicate engine.
func Match(e Expr, item domain.SpatialItem, dist DistanceFunc) bool {
	switch n := e.(type) {
	case nil:
		return true
	case Eq:
		return attribute(item, n.Attr) == n.Value
	case Within:
		return dist(item.Geometry, n.Geometry) <= n.Distance
	case Beyond:
		return dist(item.Geometry, n.Geometry) >= n.Distance
	case AndExpr:
		for _, op := range n.Operands {
			if !Match(op, item, dist) {
				return false
			}
		}
		return true
	case OrExpr:
		for _, op := range n.Operands {
			if Match(op, item, dist) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func attribute(item domain.SpatialItem, attr Attribute) string {
	switch attr {
	case AttrLayer:
		return item.Layer
	case AttrRefSys:
		return item.RefSys
	default:
		return ""
	}
}
