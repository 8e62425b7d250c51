package cache

import "math"

// PointKey identifies a recently sampled point. Coordinates are rounded
// to six decimal places (about 11 cm) so nearby repeat queries share an
// entry without ever crossing a pixel.
type PointKey struct {
	LatE6    int64
	LonE6    int64
	Provider string
}

// NewPointKey rounds a WGS84 point into a cache key.
func NewPointKey(lat, lon float64, provider string) PointKey {
	return PointKey{
		LatE6:    int64(math.Round(lat * 1e6)),
		LonE6:    int64(math.Round(lon * 1e6)),
		Provider: provider,
	}
}

// PointSample is the memoized outcome of one resolved point. A nil
// Elevation records an in-coverage nodata answer, which is just as
// cacheable as a value.
type PointSample struct {
	Elevation   *float64
	Provider    string
	DatasetID   *string
	ResolutionM *float64
}

// SizeBytes approximates the entry footprint for byte accounting.
func (s PointSample) SizeBytes() int {
	n := 64 + len(s.Provider)
	if s.DatasetID != nil {
		n += len(*s.DatasetID)
	}
	return n
}
