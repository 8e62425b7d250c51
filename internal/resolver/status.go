package resolver

import (
	"sort"

	"github.com/MeKo-Tech/terrapoint/internal/config"
)

// ProviderStatus is one provider's health snapshot.
type ProviderStatus struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Priority       int    `json:"priority"`
	BreakerState   string `json:"breaker_state"`
	QuotaRemaining *int64 `json:"quota_remaining,omitempty"`
}

// CacheStatus is one cache's occupancy and hit-rate snapshot.
type CacheStatus struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Status is the service-wide snapshot served at /v1/status.
type Status struct {
	CollectionsAvailable int              `json:"collections_available"`
	ActiveQueries        int32            `json:"active_queries"`
	Resolved             int64            `json:"resolved"`
	NoData               int64            `json:"nodata"`
	NoCoverage           int64            `json:"no_coverage"`
	Fallbacks            int64            `json:"fallbacks"`
	Errors               int64            `json:"errors"`
	Providers            []ProviderStatus `json:"providers"`
	PointCache           *CacheStatus     `json:"point_cache,omitempty"`
	HeaderCache          *CacheStatus     `json:"header_cache,omitempty"`
}

// HeaderCacheStats is plugged in at build time so status can report the
// object-store header cache without the resolver importing the reader.
type HeaderCacheStats func() CacheStatus

// SetHeaderCacheStats registers the header cache snapshot source.
func (s *Selector) SetHeaderCacheStats(fn HeaderCacheStats) {
	s.headerStats = fn
}

// Status assembles the current snapshot. Counters are independently
// atomic; the snapshot is not a consistent cut and does not need to be.
func (s *Selector) Status() Status {
	st := Status{
		CollectionsAvailable: s.index.CollectionsAvailable(),
		ActiveQueries:        s.activeQueries.Load(),
		Resolved:             s.totalResolved.Load(),
		NoData:               s.totalNoData.Load(),
		NoCoverage:           s.totalNoCover.Load(),
		Fallbacks:            s.totalFallbacks.Load(),
		Errors:               s.totalErrors.Load(),
	}

	for _, p := range s.providers {
		ps := ProviderStatus{
			ID:       p.Config.ID,
			Kind:     string(p.Config.Kind),
			Priority: p.Config.Priority,
		}
		if g := s.guards.Guard(p.Config.ID); g != nil {
			ps.BreakerState = g.State()
		}
		if p.Config.Kind == config.KindHTTPAPI && p.API != nil {
			if rem := p.API.Remaining(); rem >= 0 {
				ps.QuotaRemaining = &rem
			}
		}
		st.Providers = append(st.Providers, ps)
	}
	sort.Slice(st.Providers, func(a, b int) bool {
		return st.Providers[a].ID < st.Providers[b].ID
	})

	if s.points != nil {
		hits, misses := s.points.Stats()
		st.PointCache = &CacheStatus{
			Entries: s.points.Len(),
			Bytes:   s.points.Bytes(),
			Hits:    hits,
			Misses:  misses,
		}
	}
	if s.headerStats != nil {
		hc := s.headerStats()
		st.HeaderCache = &hc
	}
	return st
}
