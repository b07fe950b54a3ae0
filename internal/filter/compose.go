package filter

import (
	"github.com/paulmach/orb"

	"github.com/jobrunner/vicinus/internal/domain"
)

// Neighbors composes the annulus predicate:
//
//	ref_sys = refSys AND (layer = l1 OR ... OR layer = ln)
//	AND distance <= maxDist AND distance >= minDist
//
// An empty layer set is rejected: without a layer clause the predicate
// would match every layer.
func Neighbors(ref orb.Geometry, refSys string, layers []string, minDist, maxDist float64) (Expr, error) {
	if len(layers) == 0 {
		return nil, domain.ErrEmptyLayers
	}
	if ref == nil {
		return nil, domain.ErrInvalidGeometry
	}

	layerClauses := make([]Expr, len(layers))
	for i, l := range layers {
		layerClauses[i] = Equals(AttrLayer, l)
	}

	return And(
		Equals(AttrRefSys, refSys),
		Or(layerClauses...),
		DWithin(ref, maxDist),
		DBeyond(ref, minDist),
	), nil
}

// Nearest composes one KNN expansion round:
//
//	ref_sys = refSys AND layer = layer AND distance <= radius
func Nearest(ref orb.Geometry, refSys, layer string, radius float64) (Expr, error) {
	if layer == "" {
		return nil, domain.ErrEmptyLayers
	}
	if ref == nil {
		return nil, domain.ErrInvalidGeometry
	}

	return And(
		Equals(AttrRefSys, refSys),
		Equals(AttrLayer, layer),
		DWithin(ref, radius),
	), nil
}
