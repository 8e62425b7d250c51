package resolver

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MeKo-Tech/terrapoint/internal/catalog"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

func TestResolveMany_EmptyBatch(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSelector(t, nil, api, false)

	got, err := s.ResolveMany(context.Background(), nil, time.Time{})
	if err != nil {
		t.Fatalf("ResolveMany failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Expected an empty non-nil slice, got %v", got)
	}
	if p, b := api.counts(); p != 0 || b != 0 {
		t.Errorf("Expected no provider traffic for an empty batch, got %d/%d", p, b)
	}
}

func TestResolveMany_BulkPreservesOrder(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSelector(t, nil, api, false)

	points := []types.Point{
		{Lat: 1, Lon: 10}, {Lat: 2, Lon: 20}, {Lat: 3, Lon: 30}, {Lat: 4, Lon: 40}, {Lat: 5, Lon: 50},
	}
	got, err := s.ResolveMany(context.Background(), points, time.Time{})
	if err != nil {
		t.Fatalf("ResolveMany failed: %v", err)
	}
	if len(got) != len(points) {
		t.Fatalf("Expected %d results, got %d", len(points), len(got))
	}
	for i, r := range got {
		if r.ElevationM == nil || *r.ElevationM != points[i].Lat {
			t.Errorf("Result %d = %v, want %g", i, r.ElevationM, points[i].Lat)
		}
	}
	if p, b := api.counts(); b != 1 || p != 0 {
		t.Errorf("Expected one bulk call and no point calls, got %d point / %d batch", p, b)
	}
}

func TestResolveMany_BulkFailureFallsBackPerPoint(t *testing.T) {
	api := &fakeAPI{batchFn: func([]types.Point) ([]*float64, error) {
		return nil, errors.New("bulk endpoint down")
	}}
	s := newTestSelector(t, nil, api, false)

	points := []types.Point{{Lat: 1, Lon: 10}, {Lat: 2, Lon: 20}, {Lat: 3, Lon: 30}}
	got, err := s.ResolveMany(context.Background(), points, time.Time{})
	if err != nil {
		t.Fatalf("ResolveMany failed: %v", err)
	}
	for i, r := range got {
		if r.ElevationM == nil || *r.ElevationM != points[i].Lat {
			t.Errorf("Result %d = %v, want %g", i, r.ElevationM, points[i].Lat)
		}
	}
	if p, b := api.counts(); b != 1 || p != len(points) {
		t.Errorf("Expected the group to degrade to %d point calls, got %d point / %d batch", len(points), p, b)
	}
}

func TestResolveMany_CoveredPointsStayOnCatalog(t *testing.T) {
	sampler := &fakeSampler{fn: func(*catalog.RasterFile, float64, float64) (float64, error) {
		return 11, nil
	}}
	api := &fakeAPI{}
	s := newTestSelector(t, sampler, api, false)

	points := []types.Point{
		{Lat: -37.8, Lon: 144.85}, // catalog coverage
		{Lat: 10, Lon: 10},        // ocean, API only
	}
	got, err := s.ResolveMany(context.Background(), points, time.Time{})
	if err != nil {
		t.Fatalf("ResolveMany failed: %v", err)
	}

	if got[0].ProviderUsed != "store" || got[0].ElevationM == nil || *got[0].ElevationM != 11 {
		t.Errorf("Covered point: expected store 11, got %s %v", got[0].ProviderUsed, got[0].ElevationM)
	}
	if got[1].ProviderUsed != "api" || got[1].ElevationM == nil || *got[1].ElevationM != 10 {
		t.Errorf("Ocean point: expected api echo 10, got %s %v", got[1].ProviderUsed, got[1].ElevationM)
	}
	if sampler.count() != 1 {
		t.Errorf("Expected 1 store sample, got %d", sampler.count())
	}
}

func TestGroupByFile_ClustersPerRaster(t *testing.T) {
	s := newTestSelector(t, &fakeSampler{fn: func(*catalog.RasterFile, float64, float64) (float64, error) {
		return 1, nil
	}}, &fakeAPI{}, false)

	tasks := []task{
		{idx: 0, query: types.Query{Lat: -37.8, Lon: 144.85}}, // metro tile
		{idx: 1, query: types.Query{Lat: -38.5, Lon: 145.0}},  // state mosaic only
		{idx: 2, query: types.Query{Lat: -37.75, Lon: 144.9}}, // metro tile again
		{idx: 3, query: types.Query{Lat: 10, Lon: 10}},        // no coverage
	}
	groups := s.groupByFile(tasks)
	if len(groups) != 3 {
		t.Fatalf("Expected 3 file clusters, got %d", len(groups))
	}
	// Clusters keep first-seen order; the two metro points share one.
	if len(groups[0]) != 2 || groups[0][0].idx != 0 || groups[0][1].idx != 2 {
		t.Errorf("Expected the metro points clustered together, got %+v", groups[0])
	}
	if len(groups[1]) != 1 || groups[1][0].idx != 1 {
		t.Errorf("Expected the mosaic point alone, got %+v", groups[1])
	}
	if len(groups[2]) != 1 || groups[2][0].idx != 3 {
		t.Errorf("Expected the uncovered point alone, got %+v", groups[2])
	}
}

func TestResolveMany_CacheFeedsBatch(t *testing.T) {
	api := &fakeAPI{}
	s := newTestSelector(t, nil, api, true)

	points := []types.Point{{Lat: 1, Lon: 10}, {Lat: 2, Lon: 20}}
	if _, err := s.ResolveMany(context.Background(), points, time.Time{}); err != nil {
		t.Fatalf("First batch failed: %v", err)
	}
	got, err := s.ResolveMany(context.Background(), points, time.Time{})
	if err != nil {
		t.Fatalf("Second batch failed: %v", err)
	}
	for i, r := range got {
		if r.ElevationM == nil || *r.ElevationM != points[i].Lat {
			t.Errorf("Result %d = %v, want %g", i, r.ElevationM, points[i].Lat)
		}
	}
	if _, b := api.counts(); b != 1 {
		t.Errorf("Expected the second batch to come from cache, got %d bulk calls", b)
	}
}

func TestResolveLine_EndpointsAndSpacing(t *testing.T) {
	s := newTestSelector(t, nil, &fakeAPI{}, false)

	got, err := s.ResolveLine(context.Background(),
		types.Point{Lat: 0, Lon: 0}, types.Point{Lat: 10, Lon: 0}, 5, time.Time{})
	if err != nil {
		t.Fatalf("ResolveLine failed: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("Expected 5 samples, got %d", len(got))
	}
	// Along a meridian the latitudes are evenly spaced.
	want := []float64{0, 2.5, 5, 7.5, 10}
	for i, r := range got {
		if r.ElevationM == nil || math.Abs(*r.ElevationM-want[i]) > 0.01 {
			t.Errorf("Sample %d = %v, want about %g", i, r.ElevationM, want[i])
		}
	}
}

func TestResolveLine_RejectsBadCounts(t *testing.T) {
	s := newTestSelector(t, nil, &fakeAPI{}, false)
	a, b := types.Point{Lat: 0, Lon: 0}, types.Point{Lat: 1, Lon: 1}

	if _, err := s.ResolveLine(context.Background(), a, b, 1, time.Time{}); err == nil {
		t.Error("Expected error for n=1")
	}
	if _, err := s.ResolveLine(context.Background(), a, b, MaxSamples+1, time.Time{}); err == nil {
		t.Error("Expected error past the sample cap")
	}
}

func TestResolvePath_EvenArcSpacing(t *testing.T) {
	s := newTestSelector(t, nil, &fakeAPI{}, false)

	// Two equal-length segments along one meridian; 5 samples land on
	// 0, 1, 2, 3, 4 degrees.
	vertices := []types.Point{{Lat: 0, Lon: 0}, {Lat: 2, Lon: 0}, {Lat: 4, Lon: 0}}
	got, err := s.ResolvePath(context.Background(), vertices, 5, time.Time{})
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	want := []float64{0, 1, 2, 3, 4}
	for i, r := range got {
		if r.ElevationM == nil || math.Abs(*r.ElevationM-want[i]) > 0.01 {
			t.Errorf("Sample %d = %v, want about %g", i, r.ElevationM, want[i])
		}
	}
}

func TestResolvePath_DegenerateAndInvalid(t *testing.T) {
	s := newTestSelector(t, nil, &fakeAPI{}, false)

	if _, err := s.ResolvePath(context.Background(), []types.Point{{Lat: 1, Lon: 1}}, 3, time.Time{}); err == nil {
		t.Error("Expected error for a single-vertex path")
	}

	// A zero-length path repeats the vertex.
	got, err := s.ResolvePath(context.Background(),
		[]types.Point{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 1}}, 3, time.Time{})
	if err != nil {
		t.Fatalf("ResolvePath failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(got))
	}
	for i, r := range got {
		if r.ElevationM == nil || *r.ElevationM != 1 {
			t.Errorf("Sample %d = %v, want 1", i, r.ElevationM)
		}
	}
}

func TestResolveGrid_RowMajorFromNorthWest(t *testing.T) {
	s := newTestSelector(t, nil, &fakeAPI{}, false)

	box := types.BoundingBox{MinLon: 10, MinLat: 0, MaxLon: 11, MaxLat: 1}
	got, err := s.ResolveGrid(context.Background(), box, 2, 3, time.Time{})
	if err != nil {
		t.Fatalf("ResolveGrid failed: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("Expected 6 samples, got %d", len(got))
	}
	// First row is the northern edge, second the southern.
	for i := 0; i < 3; i++ {
		if got[i].ElevationM == nil || *got[i].ElevationM != 1 {
			t.Errorf("Sample %d = %v, want northern lat 1", i, got[i].ElevationM)
		}
	}
	for i := 3; i < 6; i++ {
		if got[i].ElevationM == nil || *got[i].ElevationM != 0 {
			t.Errorf("Sample %d = %v, want southern lat 0", i, got[i].ElevationM)
		}
	}
}

func TestResolveGrid_Limits(t *testing.T) {
	s := newTestSelector(t, nil, &fakeAPI{}, false)
	box := types.BoundingBox{MinLon: 10, MinLat: 0, MaxLon: 11, MaxLat: 1}

	if _, err := s.ResolveGrid(context.Background(), box, 0, 3, time.Time{}); err == nil {
		t.Error("Expected error for zero rows")
	}
	if _, err := s.ResolveGrid(context.Background(), box, 200, 200, time.Time{}); err == nil {
		t.Error("Expected error past the sample cap")
	}

	// Axis counts whose product would wrap around int must be rejected
	// before any allocation.
	huge := 3037000500
	if _, err := s.ResolveGrid(context.Background(), box, huge, huge, time.Time{}); err == nil {
		t.Error("Expected error for overflowing grid dimensions")
	}

	// A 1x1 grid is the north-west corner.
	got, err := s.ResolveGrid(context.Background(), box, 1, 1, time.Time{})
	if err != nil {
		t.Fatalf("ResolveGrid failed: %v", err)
	}
	if len(got) != 1 || got[0].ElevationM == nil || *got[0].ElevationM != 1 {
		t.Errorf("Expected single sample at the NW corner lat, got %v", got)
	}
}
