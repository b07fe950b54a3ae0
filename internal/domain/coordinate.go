// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Coordinate represents a geographic coordinate in degrees.
type Coordinate struct {
	Lon float64 // Longitude
	Lat float64 // Latitude
}

// NewCoordinate creates a coordinate from longitude and latitude.
func NewCoordinate(lon, lat float64) Coordinate {
	return Coordinate{Lon: lon, Lat: lat}
}

// CoordinateOf returns the coordinate of an orb point.
func CoordinateOf(p orb.Point) Coordinate {
	return Coordinate{Lon: p.Lon(), Lat: p.Lat()}
}

// Validate checks that the coordinate lies on the globe.
func (c Coordinate) Validate() error {
	if c.Lon < -180 || c.Lon > 180 {
		return &ValidationError{
			Field:      "longitude",
			Value:      c.Lon,
			Constraint: "[-180, 180]",
			Message:    "longitude must be between -180 and 180",
			Err:        ErrInvalidCoordinate,
		}
	}
	if c.Lat < -90 || c.Lat > 90 {
		return &ValidationError{
			Field:      "latitude",
			Value:      c.Lat,
			Constraint: "[-90, 90]",
			Message:    "latitude must be between -90 and 90",
			Err:        ErrInvalidCoordinate,
		}
	}
	return nil
}

// Point returns the coordinate as an orb point (X = longitude, Y = latitude).
func (c Coordinate) Point() orb.Point {
	return orb.Point{c.Lon, c.Lat}
}

// String returns a string representation of the coordinate.
func (c Coordinate) String() string {
	return fmt.Sprintf("POINT(%f %f)", c.Lon, c.Lat)
}

// Reference system defaults.
const (
	// DefaultRefSys is the reference system name used when none is given.
	DefaultRefSys = "earth"

	// SRIDWGS84 is the SRID SQL stores tag geometries with.
	SRIDWGS84 = 4326
)
