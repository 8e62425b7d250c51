package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/MeKo-Tech/terrapoint/internal/cache"
	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// task is one point of a batch, tagged with its input position so
// results land back in order regardless of completion order.
type task struct {
	idx   int
	query types.Query
}

// ResolveMany resolves a batch of points. The result slice matches the
// input in length and order; per-point outcomes (value, nodata, no
// coverage) live in the results, while the error return is reserved for
// whole-batch failures such as admission rejection.
//
// The planner first routes whole groups of points at HTTP API providers
// in bulk requests, then drains the remainder point by point through a
// worker pool. An empty batch returns an empty slice without touching
// any provider.
func (s *Selector) ResolveMany(ctx context.Context, points []types.Point, deadline time.Time) ([]types.Result, error) {
	results := make([]types.Result, len(points))
	if len(points) == 0 {
		return results, nil
	}

	release, err := s.guards.Admit()
	if err != nil {
		return nil, err
	}
	defer release()

	s.activeQueries.Add(1)
	defer s.activeQueries.Add(-1)

	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	pending := s.planBulk(ctx, points, results)
	if len(pending) == 0 {
		return results, nil
	}

	s.runPool(ctx, pending, results)
	return results, nil
}

// planBulk fills in every point it can answer with one bulk API call per
// provider group and returns the tasks that still need the per-point
// chain: uncovered-by-API points, cache misses routed to object storage,
// and any group whose bulk call failed.
func (s *Selector) planBulk(ctx context.Context, points []types.Point, results []types.Result) []task {
	var pending []task
	groups := make(map[string][]task)

	for i, pt := range points {
		q := types.Query{Lat: pt.Lat, Lon: pt.Lon}
		key := cache.NewPointKey(q.Lat, q.Lon, "")
		if s.points != nil {
			if sample, ok := s.points.Get(key); ok {
				results[i] = s.resultFrom(sample, time.Now())
				continue
			}
		}
		if id := s.bulkProviderFor(q); id != "" {
			groups[id] = append(groups[id], task{idx: i, query: q})
			continue
		}
		pending = append(pending, task{idx: i, query: q})
	}

	for id, group := range groups {
		if !s.fetchBulk(ctx, id, group, results) {
			pending = append(pending, group...)
		}
	}
	return pending
}

// bulkProviderFor returns the id of an HTTP API provider that is first
// in line for this point, or "". A point with object-store coverage is
// never bulk-routed: the ranked catalog path answers it.
func (s *Selector) bulkProviderFor(q types.Query) string {
	for _, p := range s.providers {
		guard := s.guards.Guard(p.Config.ID)
		if guard == nil || !guard.Allows() {
			continue
		}
		switch p.Config.Kind {
		case config.KindObjectStore:
			if len(s.index.DatasetsAt(q.Lat, q.Lon)) > 0 {
				return ""
			}
		case config.KindHTTPAPI:
			return p.Config.ID
		}
	}
	return ""
}

// fetchBulk issues one batch call and writes its answers. A false return
// hands the whole group back to the per-point path.
func (s *Selector) fetchBulk(ctx context.Context, providerID string, group []task, results []types.Result) bool {
	var provider *Provider
	for i := range s.providers {
		if s.providers[i].Config.ID == providerID {
			provider = &s.providers[i]
			break
		}
	}
	if provider == nil || provider.API == nil {
		return false
	}
	guard := s.guards.Guard(providerID)
	if guard == nil {
		return false
	}

	start := time.Now()
	pts := make([]types.Point, len(group))
	for i, t := range group {
		pts[i] = types.Point{Lat: t.query.Lat, Lon: t.query.Lon}
	}

	var elevations []*float64
	err := guard.Do(ctx, func(ctx context.Context) error {
		var callErr error
		elevations, callErr = provider.API.Batch(ctx, pts)
		return callErr
	})
	if err != nil {
		s.totalFallbacks.Add(1)
		s.logger.Debug("bulk elevation call failed, falling back per point",
			"provider", providerID, "points", len(group), "err", err)
		return false
	}

	for i, t := range group {
		sample := cache.PointSample{Elevation: elevations[i], Provider: providerID}
		if s.points != nil {
			s.points.Add(cache.NewPointKey(t.query.Lat, t.query.Lon, ""), sample)
		}
		if sample.Elevation == nil {
			s.totalNoData.Add(1)
		} else {
			s.totalResolved.Add(1)
		}
		results[t.idx] = s.resultFrom(sample, start)
	}
	return true
}

// groupByFile clusters tasks whose best catalog candidate is the same
// raster file. One worker resolves a cluster back to back, so later
// points ride the header and tiles fetched for the first. Points
// without catalog coverage form a single cluster of their own.
func (s *Selector) groupByFile(tasks []task) [][]task {
	byFile := make(map[int][]task)
	var order []int
	for _, t := range tasks {
		fileIdx := -1
		if cands := s.index.Lookup(t.query.Lat, t.query.Lon); len(cands) > 0 {
			fileIdx = cands[0].FileIndex
		}
		if _, ok := byFile[fileIdx]; !ok {
			order = append(order, fileIdx)
		}
		byFile[fileIdx] = append(byFile[fileIdx], t)
	}

	groups := make([][]task, 0, len(order))
	for _, f := range order {
		groups = append(groups, byFile[f])
	}
	return groups
}

// runPool drains tasks through the worker pool, one file cluster per
// worker at a time, writing each outcome at its input position.
// Structured per-point failures degrade to a no-coverage result rather
// than poisoning the batch.
func (s *Selector) runPool(ctx context.Context, tasks []task, results []types.Result) {
	groups := s.groupByFile(tasks)
	workers := min(s.workers, len(groups))
	groupCh := make(chan []task, len(groups))

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range groupCh {
				for _, t := range group {
					res, err := s.resolvePoint(ctx, t.query)
					if err != nil {
						s.logger.Debug("batch point failed",
							"lat", t.query.Lat, "lon", t.query.Lon, "err", err)
						res = types.NewResult()
					}
					results[t.idx] = res
				}
			}
		}()
	}

	for _, g := range groups {
		groupCh <- g
	}
	close(groupCh)
	wg.Wait()
}
