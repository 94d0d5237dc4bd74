package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrRegionInvalid is returned by Region.Validate for malformed geometry.
var ErrRegionInvalid = errors.New("invalid region")

// Point is a position on the simulation plane, in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the straight-line distance between two points.
func (p Point) DistanceTo(other Point) float64 {
	return math.Hypot(p.X-other.X, p.Y-other.Y)
}

// RegionType identifies the shape of a region.
type RegionType string

const (
	RegionTypeRectangle RegionType = "rectangle"
	RegionTypeCircle    RegionType = "circle"
	RegionTypePolygon   RegionType = "polygon"
)

// Region is a named geographic area ("cast") used as a geocast address.
// Regions are immutable once registered and may be shared by many messages.
type Region struct {
	ID   string
	Name string
	Type RegionType

	// Rectangle corners (inclusive).
	Min Point
	Max Point

	// Circle.
	Center Point
	Radius float64

	// Polygon, evaluated with the even-odd rule.
	Vertices []Point
}

// Contains reports whether p lies inside the region.
func (r *Region) Contains(p Point) bool {
	if r == nil {
		return false
	}
	switch r.Type {
	case RegionTypeRectangle:
		return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
	case RegionTypeCircle:
		return r.Center.DistanceTo(p) <= r.Radius
	case RegionTypePolygon:
		return polygonContains(r.Vertices, p)
	default:
		return false
	}
}

// Validate checks that the region carries the geometry its type needs.
func (r *Region) Validate() error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: empty region ID", ErrRegionInvalid)
	}
	switch r.Type {
	case RegionTypeRectangle:
		if r.Max.X < r.Min.X || r.Max.Y < r.Min.Y {
			return fmt.Errorf("%w: %q has inverted corners", ErrRegionInvalid, r.ID)
		}
	case RegionTypeCircle:
		if r.Radius <= 0 {
			return fmt.Errorf("%w: %q has non-positive radius", ErrRegionInvalid, r.ID)
		}
	case RegionTypePolygon:
		if len(r.Vertices) < 3 {
			return fmt.Errorf("%w: %q needs at least 3 vertices", ErrRegionInvalid, r.ID)
		}
	default:
		return fmt.Errorf("%w: %q has unknown type %q", ErrRegionInvalid, r.ID, r.Type)
	}
	return nil
}

func (r *Region) String() string {
	if r == nil {
		return "<nil>"
	}
	return r.ID
}

func polygonContains(vertices []Point, p Point) bool {
	inside := false
	n := len(vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := vertices[i], vertices[j]
		if (a.Y > p.Y) != (b.Y > p.Y) {
			crossX := (b.X-a.X)*(p.Y-a.Y)/(b.Y-a.Y) + a.X
			if p.X < crossX {
				inside = !inside
			}
		}
	}
	return inside
}
