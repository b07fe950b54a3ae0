package domain

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Reference is the anchor of a neighbor query: either a geometry given
// directly or an item that must be looked up in the store.
type Reference struct {
	Geometry orb.Geometry // Set for direct references
	ItemID   ItemID       // Set for by-id references
	Layer    string       // Layer of the referenced item
	byID     bool
}

// ReferenceGeometry creates a reference from a geometry value.
func ReferenceGeometry(g orb.Geometry) Reference {
	return Reference{Geometry: g}
}

// ReferencePoint creates a reference from a coordinate.
func ReferencePoint(c Coordinate) Reference {
	return Reference{Geometry: c.Point()}
}

// ReferenceItem creates a reference to an item stored in layer.
func ReferenceItem(id ItemID, layer string) Reference {
	return Reference{ItemID: id, Layer: layer, byID: true}
}

// ByID reports whether the reference has to be resolved through the store.
func (r Reference) ByID() bool {
	return r.byID
}

// String returns a short description for logs.
func (r Reference) String() string {
	if r.byID {
		return fmt.Sprintf("item %d in layer %s", r.ItemID, r.Layer)
	}
	if r.Geometry == nil {
		return "<empty>"
	}
	return r.Geometry.GeoJSONType()
}

// Validate checks that the reference is usable.
func (r Reference) Validate() error {
	if r.byID {
		if r.Layer == "" {
			return &ValidationError{
				Field:      "layer",
				Value:      r.Layer,
				Constraint: "non-empty",
				Message:    "item reference needs the item's layer",
			}
		}
		return nil
	}
	if r.Geometry == nil {
		return &ValidationError{
			Field:      "reference",
			Value:      nil,
			Constraint: "geometry or item id",
			Message:    "reference geometry is required",
		}
	}
	return nil
}

// NeighborQuery asks for all items whose distance to the reference lies in
// [MinDistance, MaxDistance], in the store's native (angular) unit.
type NeighborQuery struct {
	Reference   Reference
	RefSys      string
	Layers      []string // accepted layers, combined by OR
	MinDistance float64
	MaxDistance float64
}

// Validate checks the query invariants.
func (q NeighborQuery) Validate() error {
	if err := q.Reference.Validate(); err != nil {
		return err
	}
	if len(q.Layers) == 0 {
		return ErrEmptyLayers
	}
	if q.RefSys == "" {
		return &ValidationError{
			Field:      "ref_sys",
			Value:      q.RefSys,
			Constraint: "non-empty",
			Message:    "reference system is required",
		}
	}
	if math.IsNaN(q.MinDistance) || math.IsNaN(q.MaxDistance) || q.MinDistance < 0 {
		return &ValidationError{
			Field:      "min_distance",
			Value:      q.MinDistance,
			Constraint: ">= 0",
			Message:    "distances must be non-negative numbers",
		}
	}
	if q.MinDistance > q.MaxDistance {
		return &ValidationError{
			Field:      "max_distance",
			Value:      q.MaxDistance,
			Constraint: fmt.Sprintf(">= %g", q.MinDistance),
			Message:    "minimum distance exceeds maximum distance",
		}
	}
	return nil
}

// KNNQuery asks for the K items of one layer closest to the reference.
type KNNQuery struct {
	Reference Reference
	RefSys    string
	Layer     string
	K         int
}

// Validate checks the query invariants.
func (q KNNQuery) Validate() error {
	if err := q.Reference.Validate(); err != nil {
		return err
	}
	if q.K <= 0 {
		return &ValidationError{
			Field:      "k",
			Value:      q.K,
			Constraint: "> 0",
			Message:    "k must be positive",
		}
	}
	if q.Layer == "" {
		return &ValidationError{
			Field:      "layer",
			Value:      q.Layer,
			Constraint: "non-empty",
			Message:    "layer is required",
		}
	}
	if q.RefSys == "" {
		return &ValidationError{
			Field:      "ref_sys",
			Value:      q.RefSys,
			Constraint: "non-empty",
			Message:    "reference system is required",
		}
	}
	return nil
}
