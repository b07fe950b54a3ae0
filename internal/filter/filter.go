// Package filter builds the predicate trees handed to a geometry store.
//
// A predicate is a small algebraic expression: attribute equality, distance
// bounds against a reference geometry, and And/Or combinations of those.
// Stores either translate the tree into their own query language or
// evaluate it directly with Match.
package filter

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// Attribute names a non-spatial item attribute a predicate can test.
type Attribute string

// Attributes understood by every store.
const (
	AttrLayer  Attribute = "layer"
	AttrRefSys Attribute = "ref_sys"
)

// Expr is a node of a predicate tree. The set of node types is closed.
type Expr interface {
	fmt.Stringer
	expr()
}

// Eq holds when the attribute equals Value.
type Eq struct {
	Attr  Attribute
	Value string
}

// Within holds when the distance between the item and Geometry is <= Distance.
type Within struct {
	Geometry orb.Geometry
	Distance float64
}

// Beyond holds when the distance between the item and Geometry is >= Distance.
type Beyond struct {
	Geometry orb.Geometry
	Distance float64
}

// AndExpr holds when every operand holds. An empty And is true.
type AndExpr struct {
	Operands []Expr
}

// OrExpr holds when at least one operand holds. An empty Or is false.
type OrExpr struct {
	Operands []Expr
}

func (Eq) expr()      {}
func (Within) expr()  {}
func (Beyond) expr()  {}
func (AndExpr) expr() {}
func (OrExpr) expr()  {}

// Equals returns an attribute equality predicate.
func Equals(attr Attribute, value string) Expr {
	return Eq{Attr: attr, Value: value}
}

// DWithin returns a "distance <= d" predicate.
func DWithin(g orb.Geometry, d float64) Expr {
	return Within{Geometry: g, Distance: d}
}

// DBeyond returns a "distance >= d" predicate.
func DBeyond(g orb.Geometry, d float64) Expr {
	return Beyond{Geometry: g, Distance: d}
}

// And combines operands conjunctively. A single operand is returned as is.
func And(operands ...Expr) Expr {
	if len(operands) == 1 {
		return operands[0]
	}
	return AndExpr{Operands: operands}
}

// Or combines operands disjunctively. A single operand is returned as is.
func Or(operands ...Expr) Expr {
	if len(operands) == 1 {
		return operands[0]
	}
	return OrExpr{Operands: operands}
}

func (e Eq) String() string {
	return fmt.Sprintf("%s = %q", e.Attr, e.Value)
}

func (e Within) String() string {
	return fmt.Sprintf("distance <= %g", e.Distance)
}

func (e Beyond) String() string {
	return fmt.Sprintf("distance >= %g", e.Distance)
}

func (e AndExpr) String() string {
	return join(e.Operands, " AND ")
}

func (e OrExpr) String() string {
	return join(e.Operands, " OR ")
}

func join(operands []Expr, sep string) string {
	parts := make([]string, len(operands))
	for i, op := range operands {
		parts[i] = op.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Walk calls fn for every node of the tree in depth-first order.
// Returning false from fn skips the node's children.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	switch n := e.(type) {
	case AndExpr:
		for _, op := range n.Operands {
			Walk(op, fn)
		}
	case OrExpr:
		for _, op := range n.Operands {
			Walk(op, fn)
		}
	}
}

// SearchRadius returns the tightest Within bound that every match must
// satisfy, i.e. a Within reachable from the root through And nodes only.
// Stores use it to pre-filter with a spatial index.
func SearchRadius(e Expr) (Within, bool) {
	var (
		best  Within
		found bool
	)
	Walk(e, func(n Expr) bool {
		switch v := n.(type) {
		case AndExpr:
			return true
		case Within:
			if !found || v.Distance < best.Distance {
				best, found = v, true
			}
		}
		return false
	})
	return best, found
}
