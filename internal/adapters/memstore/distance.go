package memstore

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Distance returns the planar distance between two geometries in coordinate
// units (degrees for lon/lat data). It is zero when the geometries touch,
// cross or one lies inside the other.
func Distance(a, b orb.Geometry) float64 {
	if a == nil || b == nil {
		return math.Inf(1)
	}

	pa, aIsPoint := a.(orb.Point)
	pb, bIsPoint := b.(orb.Point)
	if aIsPoint && bIsPoint {
		return planar.Distance(pa, pb)
	}

	if covers(a, b) || covers(b, a) {
		return 0
	}

	best := math.Inf(1)
	sa, sb := segments(a), segments(b)
	for _, s := range sa {
		for _, t := range sb {
			d := segmentDistance(s, t)
			if d < best {
				best = d
				if best == 0 {
					return 0
				}
			}
		}
	}
	return best
}

type segment [2]orb.Point

// covers reports whether a vertex of other lies inside an area of g.
func covers(g, other orb.Geometry) bool {
	polys := areas(g)
	if len(polys) == 0 {
		return false
	}
	for _, p := range vertices(other) {
		for _, poly := range polys {
			if planar.PolygonContains(poly, p) {
				return true
			}
		}
	}
	return false
}

func areas(g orb.Geometry) []orb.Polygon {
	switch g := g.(type) {
	case orb.Polygon:
		return []orb.Polygon{g}
	case orb.MultiPolygon:
		return g
	case orb.Ring:
		return []orb.Polygon{{g}}
	case orb.Bound:
		return []orb.Polygon{g.ToPolygon()}
	case orb.Collection:
		var out []orb.Polygon
		for _, c := range g {
			out = append(out, areas(c)...)
		}
		return out
	}
	return nil
}

func vertices(g orb.Geometry) []orb.Point {
	switch g := g.(type) {
	case orb.Point:
		return []orb.Point{g}
	case orb.MultiPoint:
		return g
	case orb.LineString:
		return g
	case orb.Ring:
		return g
	case orb.MultiLineString:
		var out []orb.Point
		for _, ls := range g {
			out = append(out, ls...)
		}
		return out
	case orb.Polygon:
		var out []orb.Point
		for _, r := range g {
			out = append(out, r...)
		}
		return out
	case orb.MultiPolygon:
		var out []orb.Point
		for _, p := range g {
			out = append(out, vertices(p)...)
		}
		return out
	case orb.Bound:
		return vertices(g.ToPolygon())
	case orb.Collection:
		var out []orb.Point
		for _, c := range g {
			out = append(out, vertices(c)...)
		}
		return out
	}
	return nil
}

func segments(g orb.Geometry) []segment {
	switch g := g.(type) {
	case orb.Point:
		return []segment{{g, g}}
	case orb.MultiPoint:
		out := make([]segment, len(g))
		for i, p := range g {
			out[i] = segment{p, p}
		}
		return out
	case orb.LineString:
		return path(g)
	case orb.Ring:
		return path(g)
	case orb.MultiLineString:
		var out []segment
		for _, ls := range g {
			out = append(out, path(ls)...)
		}
		return out
	case orb.Polygon:
		var out []segment
		for _, r := range g {
			out = append(out, path(r)...)
		}
		return out
	case orb.MultiPolygon:
		var out []segment
		for _, p := range g {
			out = append(out, segments(p)...)
		}
		return out
	case orb.Bound:
		return segments(g.ToPolygon())
	case orb.Collection:
		var out []segment
		for _, c := range g {
			out = append(out, segments(c)...)
		}
		return out
	}
	return nil
}

func path(pts []orb.Point) []segment {
	switch len(pts) {
	case 0:
		return nil
	case 1:
		return []segment{{pts[0], pts[0]}}
	}
	out := make([]segment, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		out = append(out, segment{pts[i-1], pts[i]})
	}
	return out
}

func segmentDistance(s, t segment) float64 {
	if intersects(s, t) {
		return 0
	}
	return min(
		planar.DistanceFromSegment(t[0], t[1], s[0]),
		planar.DistanceFromSegment(t[0], t[1], s[1]),
		planar.DistanceFromSegment(s[0], s[1], t[0]),
		planar.DistanceFromSegment(s[0], s[1], t[1]),
	)
}

// intersects reports whether two closed segments share a point.
func intersects(s, t segment) bool {
	o1 := orientation(s[0], s[1], t[0])
	o2 := orientation(s[0], s[1], t[1])
	o3 := orientation(t[0], t[1], s[0])
	o4 := orientation(t[0], t[1], s[1])

	if o1 != o2 && o3 != o4 {
		return true
	}

	return (o1 == 0 && onSegment(s[0], s[1], t[0])) ||
		(o2 == 0 && onSegment(s[0], s[1], t[1])) ||
		(o3 == 0 && onSegment(t[0], t[1], s[0])) ||
		(o4 == 0 && onSegment(t[0], t[1], s[1]))
}

func orientation(a, b, c orb.Point) int {
	v := (b[1]-a[1])*(c[0]-b[0]) - (b[0]-a[0])*(c[1]-b[1])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment reports whether p, known to be collinear with [a, b], lies on it.
func onSegment(a, b, p orb.Point) bool {
	return p[0] >= math.Min(a[0], b[0]) && p[0] <= math.Max(a[0], b[0]) &&
		p[1] >= math.Min(a[1], b[1]) && p[1] <= math.Max(a[1], b[1])
}
