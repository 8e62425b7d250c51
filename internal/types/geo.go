package types

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Orb converts to an orb.Point (lon/lat order).
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// BoundingBox represents a geographic bounding box in WGS84 (EPSG:4326)
type BoundingBox struct {
	MinLon float64 `json:"min_lon"` // Western edge (degrees)
	MinLat float64 `json:"min_lat"` // Southern edge (degrees)
	MaxLon float64 `json:"max_lon"` // Eastern edge (degrees)
	MaxLat float64 `json:"max_lat"` // Northern edge (degrees)
}

// Contains reports whether the point lies inside the box (edges inclusive).
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Intersects reports whether two boxes overlap (edges inclusive).
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinLon <= o.MaxLon && b.MaxLon >= o.MinLon &&
		b.MinLat <= o.MaxLat && b.MaxLat >= o.MinLat
}

// Center returns the center point of the bounding box
func (b BoundingBox) Center() (lat, lon float64) {
	return (b.MinLat + b.MaxLat) / 2, (b.MinLon + b.MaxLon) / 2
}

// Width returns the width of the bounding box in degrees
func (b BoundingBox) Width() float64 {
	return b.MaxLon - b.MinLon
}

// Height returns the height of the bounding box in degrees
func (b BoundingBox) Height() float64 {
	return b.MaxLat - b.MinLat
}

// AreaKm2 returns the approximate area in square kilometres, using a
// cos(latitude) correction at the box center. Good enough for scoring;
// not a geodesic area.
func (b BoundingBox) AreaKm2() float64 {
	const kmPerDeg = 111.32
	midLat, _ := b.Center()
	w := b.Width() * kmPerDeg * math.Cos(midLat*math.Pi/180)
	h := b.Height() * kmPerDeg
	return math.Abs(w * h)
}

// Bound converts to an orb.Bound (lon/lat order).
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinLon, b.MinLat},
		Max: orb.Point{b.MaxLon, b.MaxLat},
	}
}

// String returns a human-readable representation of the bounding box
func (b BoundingBox) String() string {
	return fmt.Sprintf("bbox(%.6f,%.6f,%.6f,%.6f)", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}
