package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb/geo"

	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// MaxSamples bounds derived-geometry queries the same way the batch cap
// bounds explicit point lists.
const MaxSamples = 10000

// ResolveLine samples the great circle from start to end at n evenly
// spaced points, endpoints included, and resolves them as one batch.
func (s *Selector) ResolveLine(ctx context.Context, start, end types.Point, n int, deadline time.Time) ([]types.Result, error) {
	pts, err := interpolateLine(start, end, n)
	if err != nil {
		return nil, err
	}
	return s.ResolveMany(ctx, pts, deadline)
}

// ResolvePath samples n points along a polyline, spaced evenly by arc
// length across all segments. Vertices are not guaranteed to be sample
// points except the first and last.
func (s *Selector) ResolvePath(ctx context.Context, vertices []types.Point, n int, deadline time.Time) ([]types.Result, error) {
	if len(vertices) < 2 {
		return nil, fmt.Errorf("path needs at least 2 vertices, got %d", len(vertices))
	}
	if n < 2 || n > MaxSamples {
		return nil, fmt.Errorf("samples must be in [2, %d], got %d", MaxSamples, n)
	}

	segLen := make([]float64, len(vertices)-1)
	var total float64
	for i := range segLen {
		segLen[i] = geo.Distance(vertices[i].Orb(), vertices[i+1].Orb())
		total += segLen[i]
	}
	if total == 0 {
		pts := make([]types.Point, n)
		for i := range pts {
			pts[i] = vertices[0]
		}
		return s.ResolveMany(ctx, pts, deadline)
	}

	pts := make([]types.Point, 0, n)
	step := total / float64(n-1)
	seg, into := 0, 0.0
	for i := range n {
		want := float64(i) * step
		for seg < len(segLen)-1 && into+segLen[seg] < want-1e-9 {
			into += segLen[seg]
			seg++
		}
		frac := 0.0
		if segLen[seg] > 0 {
			frac = (want - into) / segLen[seg]
		}
		pts = append(pts, pointAlong(vertices[seg], vertices[seg+1], min(frac, 1)))
	}
	return s.ResolveMany(ctx, pts, deadline)
}

// ResolveGrid samples a rows-by-cols lattice across the bounding box,
// row-major from the north-west corner, and resolves it as one batch.
func (s *Selector) ResolveGrid(ctx context.Context, box types.BoundingBox, rows, cols int, deadline time.Time) ([]types.Result, error) {
	if rows < 1 || cols < 1 {
		return nil, fmt.Errorf("grid must be at least 1x1, got %dx%d", rows, cols)
	}
	// Bound each axis before multiplying so the product cannot overflow.
	if rows > MaxSamples || cols > MaxSamples || rows*cols > MaxSamples {
		return nil, fmt.Errorf("grid of %dx%d points exceeds limit %d", rows, cols, MaxSamples)
	}

	pts := make([]types.Point, 0, rows*cols)
	for r := range rows {
		lat := box.MaxLat
		if rows > 1 {
			lat = box.MaxLat - float64(r)*box.Height()/float64(rows-1)
		}
		for c := range cols {
			lon := box.MinLon
			if cols > 1 {
				lon = box.MinLon + float64(c)*box.Width()/float64(cols-1)
			}
			pts = append(pts, types.Point{Lat: lat, Lon: lon})
		}
	}
	return s.ResolveMany(ctx, pts, deadline)
}

func interpolateLine(start, end types.Point, n int) ([]types.Point, error) {
	if n < 2 || n > MaxSamples {
		return nil, fmt.Errorf("samples must be in [2, %d], got %d", MaxSamples, n)
	}
	pts := make([]types.Point, n)
	pts[0] = start
	pts[n-1] = end
	for i := 1; i < n-1; i++ {
		pts[i] = pointAlong(start, end, float64(i)/float64(n-1))
	}
	return pts, nil
}

// pointAlong returns the point at fraction f of the great circle from a
// to b, via the spherical direct formula on the initial bearing.
func pointAlong(a, b types.Point, f float64) types.Point {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	dist := geo.Distance(a.Orb(), b.Orb())
	if dist == 0 {
		return a
	}
	p := geo.PointAtBearingAndDistance(a.Orb(), geo.Bearing(a.Orb(), b.Orb()), dist*f)
	return types.Point{Lat: p.Lat(), Lon: p.Lon()}
}
