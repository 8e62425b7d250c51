// Package resolver orchestrates the elevation pipeline: spatial lookup,
// dataset ranking, object-store sampling and external API fallback, under
// the reliability layer's breakers and deadlines.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/terrapoint/internal/cache"
	"github.com/MeKo-Tech/terrapoint/internal/catalog"
	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/reliability"
	"github.com/MeKo-Tech/terrapoint/internal/scoring"
	"github.com/MeKo-Tech/terrapoint/internal/spatial"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// ObjectSampler reads an elevation out of a raster file in storage.
type ObjectSampler interface {
	Sample(ctx context.Context, file *catalog.RasterFile, lat, lon float64) (float64, error)
}

// PointAPI is the external elevation API surface.
type PointAPI interface {
	Point(ctx context.Context, lat, lon float64) (*float64, error)
	Batch(ctx context.Context, points []types.Point) ([]*float64, error)
	Remaining() int64
}

// Provider is one runtime entry of the fallback chain: exactly one of
// Sampler or API is set, matching Config.Kind.
type Provider struct {
	Config  config.Provider
	Sampler ObjectSampler
	API     PointAPI
}

// maxDatasetsPerProvider bounds how many ranked datasets are tried for
// nodata before escalating to the next provider.
const maxDatasetsPerProvider = 3

// PointCache memoizes recent samples.
type PointCache = cache.Cache[cache.PointKey, cache.PointSample]

// Selector resolves queries against the provider chain.
type Selector struct {
	index       *spatial.Index
	scorer      *scoring.Scorer
	providers   []Provider // descending priority
	guards      *reliability.Registry
	points      *PointCache
	workers     int
	logger      *slog.Logger
	headerStats HeaderCacheStats

	// Status counters.
	activeQueries  atomic.Int32
	totalResolved  atomic.Int64
	totalNoData    atomic.Int64
	totalNoCover   atomic.Int64
	totalFallbacks atomic.Int64
	totalErrors    atomic.Int64
}

// NewSelector wires the pipeline. Providers must already be sorted in
// descending priority (config.SortedProviders does this).
func NewSelector(index *spatial.Index, scorer *scoring.Scorer, providers []Provider,
	guards *reliability.Registry, points *PointCache, workers int, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 32
	}
	return &Selector{
		index:     index,
		scorer:    scorer,
		providers: providers,
		guards:    guards,
		points:    points,
		workers:   workers,
		logger:    logger,
	}
}

// Resolve answers a single query. The error return is reserved for
// structured failures (Overloaded, Timeout, logic errors); coverage gaps
// and nodata are expressed in the Result itself.
func (s *Selector) Resolve(ctx context.Context, q types.Query) (types.Result, error) {
	release, err := s.guards.Admit()
	if err != nil {
		return types.Result{}, err
	}
	defer release()

	s.activeQueries.Add(1)
	defer s.activeQueries.Add(-1)

	return s.resolvePoint(ctx, q)
}

// resolvePoint runs the provider chain without touching the global
// admission gate; the batch planner calls it per point under a single
// admission.
func (s *Selector) resolvePoint(ctx context.Context, q types.Query) (types.Result, error) {
	start := time.Now()

	if !q.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, q.Deadline)
		defer cancel()
	}

	key := cache.NewPointKey(q.Lat, q.Lon, q.PreferredProvider)
	if s.points != nil {
		if sample, ok := s.points.Get(key); ok {
			return s.resultFrom(sample, start), nil
		}
	}

	sample, err := s.runChain(ctx, q)
	if err != nil {
		s.totalErrors.Add(1)
		return types.Result{}, err
	}

	if s.points != nil {
		s.points.Add(key, sample)
	}
	switch {
	case sample.Provider == types.ProviderNone:
		s.totalNoCover.Add(1)
	case sample.Elevation == nil:
		s.totalNoData.Add(1)
	default:
		s.totalResolved.Add(1)
	}
	return s.resultFrom(sample, start), nil
}

func (s *Selector) resultFrom(sample cache.PointSample, start time.Time) types.Result {
	res := types.NewResult()
	res.ElevationM = sample.Elevation
	res.ProviderUsed = sample.Provider
	res.DatasetID = sample.DatasetID
	res.ResolutionM = sample.ResolutionM
	res.LatencyMS = uint32(time.Since(start).Milliseconds())
	return res
}

// runChain walks providers in order and returns the first answer. For a
// fixed index snapshot and provider state the walk is deterministic.
func (s *Selector) runChain(ctx context.Context, q types.Query) (cache.PointSample, error) {
	var noData *cache.PointSample
	deadlineHit := false

	for _, p := range s.orderedProviders(q.PreferredProvider) {
		guard := s.guards.Guard(p.Config.ID)
		if guard == nil || !guard.Allows() {
			continue
		}
		if err := ctx.Err(); err != nil {
			deadlineHit = true
			break
		}

		sample, err := s.tryProvider(ctx, guard, p, q)
		if err == nil {
			return sample, nil
		}
		if errors.Is(err, types.ErrNoData) {
			// In coverage but unmeasured; remember the provenance in case
			// no later provider can do better.
			if noData == nil {
				nd := cache.PointSample{Provider: p.Config.ID}
				noData = &nd
			}
			continue
		}
		if errors.Is(err, types.ErrOutOfBounds) {
			// Contract violation between index and reader. A bug, never
			// papered over by fallback.
			s.logger.Error("spatial index / reader disagreement",
				"provider", p.Config.ID, "lat", q.Lat, "lon", q.Lon, "err", err)
			return cache.PointSample{}, err
		}
		// Everything else, classified or not, is a provider failure:
		// escalate down the chain. Unclassified errors are raw transport
		// or decode failures wrapped by the provider clients.
		if errors.Is(err, types.ErrTimeout) {
			deadlineHit = true
		}
		s.totalFallbacks.Add(1)
		if types.Transient(err) || errors.Is(err, types.ErrOverloaded) {
			s.logger.Debug("provider failed, falling back",
				"provider", p.Config.ID, "err", err)
		} else {
			s.logger.Warn("unexpected provider error, falling back",
				"provider", p.Config.ID, "err", err)
		}
	}

	if noData != nil {
		return *noData, nil
	}
	if deadlineHit && ctx.Err() != nil {
		return cache.PointSample{}, types.ErrTimeout
	}
	return cache.PointSample{Provider: types.ProviderNone}, nil
}

// orderedProviders returns the chain, with the preferred provider moved
// to the front when set and currently callable.
func (s *Selector) orderedProviders(preferred string) []Provider {
	if preferred == "" {
		return s.providers
	}
	for i, p := range s.providers {
		if p.Config.ID != preferred {
			continue
		}
		if g := s.guards.Guard(preferred); g == nil || !g.Allows() {
			break
		}
		out := make([]Provider, 0, len(s.providers))
		out = append(out, s.providers[i])
		out = append(out, s.providers[:i]...)
		out = append(out, s.providers[i+1:]...)
		return out
	}
	return s.providers
}

// tryProvider attempts one provider. ErrNoData means in-coverage nodata;
// any other error means this provider cannot answer.
func (s *Selector) tryProvider(ctx context.Context, guard *reliability.Guard, p Provider, q types.Query) (cache.PointSample, error) {
	switch p.Config.Kind {
	case config.KindObjectStore:
		return s.tryObjectStore(ctx, guard, p, q)
	case config.KindHTTPAPI:
		return s.tryHTTPAPI(ctx, guard, p, q)
	default:
		return cache.PointSample{}, fmt.Errorf("provider %s: unknown kind %q", p.Config.ID, p.Config.Kind)
	}
}

func (s *Selector) tryObjectStore(ctx context.Context, guard *reliability.Guard, p Provider, q types.Query) (cache.PointSample, error) {
	candidates := s.index.Lookup(q.Lat, q.Lon)
	if len(candidates) == 0 {
		return cache.PointSample{}, fmt.Errorf("%w: no candidates", types.ErrNotFound)
	}

	ranked, confidence := s.scorer.Rank(dedupeDatasets(candidates))
	if confidence == scoring.ConfidenceLow {
		s.logger.Debug("low ranking confidence",
			"lat", q.Lat, "lon", q.Lon, "candidates", len(ranked))
	}

	tried := 0
	for _, r := range ranked {
		if tried >= maxDatasetsPerProvider {
			break
		}
		file := firstFileOf(candidates, r.Dataset.ID)
		if file == nil {
			continue
		}
		tried++

		var value float64
		err := guard.Do(ctx, func(ctx context.Context) error {
			var sampleErr error
			value, sampleErr = p.Sampler.Sample(ctx, file, q.Lat, q.Lon)
			return sampleErr
		})
		if err == nil {
			res := r.Dataset.ResolutionM
			id := r.Dataset.ID
			return cache.PointSample{
				Elevation:   &value,
				Provider:    p.Config.ID,
				DatasetID:   &id,
				ResolutionM: &res,
			}, nil
		}
		if errors.Is(err, types.ErrNoData) {
			continue // next-ranked dataset
		}
		// Network, decode, breaker or deadline: escalate providers. The
		// breaker event was recorded inside guard.Do.
		return cache.PointSample{}, err
	}
	return cache.PointSample{}, fmt.Errorf("%w: %d datasets exhausted", types.ErrNoData, tried)
}

func (s *Selector) tryHTTPAPI(ctx context.Context, guard *reliability.Guard, p Provider, q types.Query) (cache.PointSample, error) {
	var elevation *float64
	err := guard.Do(ctx, func(ctx context.Context) error {
		var apiErr error
		elevation, apiErr = p.API.Point(ctx, q.Lat, q.Lon)
		return apiErr
	})
	if err != nil {
		return cache.PointSample{}, err
	}
	if elevation == nil {
		return cache.PointSample{}, fmt.Errorf("%w: %s", types.ErrNoData, p.Config.ID)
	}
	return cache.PointSample{Elevation: elevation, Provider: p.Config.ID}, nil
}

// dedupeDatasets extracts the distinct datasets from candidate order.
func dedupeDatasets(candidates []spatial.Candidate) []*catalog.Dataset {
	seen := make(map[string]bool, len(candidates))
	var out []*catalog.Dataset
	for _, c := range candidates {
		if !seen[c.Dataset.ID] {
			seen[c.Dataset.ID] = true
			out = append(out, c.Dataset)
		}
	}
	return out
}

// firstFileOf returns the first candidate file owned by the dataset.
func firstFileOf(candidates []spatial.Candidate, datasetID string) *catalog.RasterFile {
	for _, c := range candidates {
		if c.Dataset.ID == datasetID {
			return c.File
		}
	}
	return nil
}
