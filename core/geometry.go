package core

import (
	"math"

	"github.com/signalsfoundry/geocast-simulator/model"
)

// EarthRadiusKm is the mean Earth radius used to project geodetic
// coordinates onto the simulation plane (kilometres).
const EarthRadiusKm = 6371.0

// ProjectLatLon maps a geodetic position (degrees) onto the simulation
// plane using an equirectangular projection centred on origin. The result
// is in metres, X growing east and Y growing north.
func ProjectLatLon(latDeg, lonDeg float64, origin LatLon) model.Point {
	const degToRad = math.Pi / 180.0
	dLon := normaliseLonDeg(lonDeg - origin.LonDeg)
	x := EarthRadiusKm * 1000 * dLon * degToRad * math.Cos(origin.LatDeg*degToRad)
	y := EarthRadiusKm * 1000 * (latDeg - origin.LatDeg) * degToRad
	return model.Point{X: x, Y: y}
}

// LatLon is a geodetic reference point in degrees.
type LatLon struct {
	LatDeg float64 `json:"lat"`
	LonDeg float64 `json:"lon"`
}

// normaliseLonDeg wraps a longitude difference into [-180, 180).
func normaliseLonDeg(d float64) float64 {
	d = math.Mod(d+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// interpolate returns the point a fraction t of the way from a to b.
func interpolate(a, b model.Point, t float64) model.Point {
	return model.Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
	}
}
