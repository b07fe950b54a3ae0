// Package geodesic computes true distances on the Earth's surface.
//
// Distance solves the inverse geodesic problem on the WGS84 ellipsoid with
// Vincenty's formulae. For nearly antipodal points, where the iteration does
// not converge, it falls back to the great-circle (haversine) distance.
package geodesic

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// WGS84 ellipsoid parameters.
const (
	SemiMajorAxis = 6378137.0
	Flattening    = 1 / 298.257223563
	SemiMinorAxis = SemiMajorAxis * (1 - Flattening)
)

const (
	maxIterations = 200
	convergence   = 1e-12
)

// Distance returns the geodesic distance in metres between two points
// given as (longitude, latitude) in degrees. It is symmetric and
// deterministic.
func Distance(a, b orb.Point) float64 {
	if a == b {
		return 0
	}
	// Order the arguments so that Distance(a, b) and Distance(b, a) run the
	// exact same floating point operations.
	if less(b, a) {
		a, b = b, a
	}
	if d, ok := vincenty(a, b); ok {
		return d
	}
	return geo.DistanceHaversine(a, b)
}

// Between returns the geodesic distance in metres between the
// representative points of two geometries.
func Between(a, b orb.Geometry) float64 {
	return Distance(RepresentativePoint(a), RepresentativePoint(b))
}

// RepresentativePoint returns the point a geometry is ranked by: the point
// itself, or the area/length weighted centroid otherwise.
func RepresentativePoint(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	return c
}

func less(a, b orb.Point) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

func vincenty(p1, p2 orb.Point) (float64, bool) {
	const (
		a = SemiMajorAxis
		b = SemiMinorAxis
		f = Flattening
	)

	L := deg2rad(p2.Lon() - p1.Lon())
	U1 := math.Atan((1 - f) * math.Tan(deg2rad(p1.Lat())))
	U2 := math.Atan((1 - f) * math.Tan(deg2rad(p2.Lat())))
	sinU1, cosU1 := math.Sincos(U1)
	sinU2, cosU2 := math.Sincos(U2)

	var (
		sinSigma, cosSigma, sigma float64
		cosSqAlpha, cos2SigmaM    float64
	)

	lambda := L
	for i := 0; ; i++ {
		if i == maxIterations {
			return 0, false
		}

		sinLambda, cosLambda := math.Sincos(lambda)
		sinSigma = math.Sqrt((cosU2*sinLambda)*(cosU2*sinLambda) +
			(cosU1*sinU2-sinU1*cosU2*cosLambda)*(cosU1*sinU2-sinU1*cosU2*cosLambda))
		if sinSigma == 0 {
			return 0, true // coincident points
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)

		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha = 1 - sinAlpha*sinAlpha
		if cosSqAlpha != 0 {
			cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		} else {
			cos2SigmaM = 0 // equatorial line
		}

		C := f / 16 * cosSqAlpha * (4 + f*(4-3*cosSqAlpha))
		prev := lambda
		lambda = L + (1-C)*f*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))

		if math.Abs(lambda-prev) < convergence {
			break
		}
	}

	uSq := cosSqAlpha * (a*a - b*b) / (b * b)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))

	return b * A * (sigma - deltaSigma), true
}

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}
