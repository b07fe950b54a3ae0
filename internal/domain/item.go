package domain

import (
	"slices"

	"github.com/paulmach/orb"
)

// ItemID identifies a spatial item.
type ItemID int64

// SpatialItem is a geometry tagged with a layer and a reference system.
// The store owns items; the search engine only reads them.
type SpatialItem struct {
	ID       ItemID       // Item identifier
	Geometry orb.Geometry // Point, line or polygon in RefSys coordinates
	Layer    string       // Layer label (e.g. "wikidata", "country")
	RefSys   string       // Reference system name (e.g. "earth")
}

// Key returns the composite key the item is stored under.
func (i SpatialItem) Key() ItemKey {
	return ItemKey{ID: i.ID, Layer: i.Layer, RefSys: i.RefSys}
}

// Validate checks that the item can be stored.
func (i SpatialItem) Validate() error {
	if i.Geometry == nil {
		return &ValidationError{
			Field:      "geometry",
			Value:      nil,
			Constraint: "non-nil",
			Message:    "item has no geometry",
		}
	}
	if i.Layer == "" {
		return &ValidationError{
			Field:      "layer",
			Value:      i.Layer,
			Constraint: "non-empty",
			Message:    "item has no layer",
		}
	}
	if i.RefSys == "" {
		return &ValidationError{
			Field:      "ref_sys",
			Value:      i.RefSys,
			Constraint: "non-empty",
			Message:    "item has no reference system",
		}
	}
	return nil
}

// ItemKey is the identity of an item inside a store.
type ItemKey struct {
	ID     ItemID
	Layer  string
	RefSys string
}

// Candidate is an (id, geometry) pair returned by a store query.
type Candidate struct {
	ID       ItemID
	Geometry orb.Geometry
}

// RankedNeighbor is a candidate with its geodesic distance to the reference.
type RankedNeighbor struct {
	ID       ItemID
	Geometry orb.Geometry
	Distance float64 // metres
}

// ItemSet is an unordered set of item ids.
type ItemSet map[ItemID]struct{}

// NewItemSet creates a set holding ids.
func NewItemSet(ids ...ItemID) ItemSet {
	s := make(ItemSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id into the set.
func (s ItemSet) Add(id ItemID) {
	s[id] = struct{}{}
}

// Contains reports whether id is in the set.
func (s ItemSet) Contains(id ItemID) bool {
	_, ok := s[id]
	return ok
}

// Len returns the number of ids.
func (s ItemSet) Len() int {
	return len(s)
}

// Sorted returns the ids in ascending order.
func (s ItemSet) Sorted() []ItemID {
	ids := make([]ItemID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
