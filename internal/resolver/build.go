package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/terrapoint/internal/apiclient"
	"github.com/MeKo-Tech/terrapoint/internal/cache"
	"github.com/MeKo-Tech/terrapoint/internal/catalog"
	"github.com/MeKo-Tech/terrapoint/internal/cogtiff"
	"github.com/MeKo-Tech/terrapoint/internal/config"
	"github.com/MeKo-Tech/terrapoint/internal/objectstore"
	"github.com/MeKo-Tech/terrapoint/internal/reliability"
	"github.com/MeKo-Tech/terrapoint/internal/scoring"
	"github.com/MeKo-Tech/terrapoint/internal/spatial"
)

// Build assembles the full pipeline from configuration: loads and
// validates the index artifact, constructs the provider chain with its
// guards and caches, and returns the ready Selector.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Selector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	art, err := catalog.Load(cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("loading index artifact: %w", err)
	}
	index := spatial.NewIndex(art)
	logger.Info("index artifact loaded",
		"path", cfg.IndexPath,
		"schema_version", art.SchemaVersion,
		"collections", art.CollectionsAvailable(),
		"files", len(art.Files))

	scorer, err := scoring.New(cfg.Weights, cfg.ProviderScores)
	if err != nil {
		return nil, err
	}

	headers, err := cache.New[string](cacheConfig(cfg.Caches.Header), headerSize)
	if err != nil {
		return nil, fmt.Errorf("header cache: %w", err)
	}
	points, err := cache.New[cache.PointKey](cacheConfig(cfg.Caches.Point), cache.PointSample.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("point cache: %w", err)
	}

	sorted := cfg.SortedProviders()
	providers := make([]Provider, 0, len(sorted))
	for _, pc := range sorted {
		p := Provider{Config: applyTimeout(pc, cfg.Timeouts)}
		switch pc.Kind {
		case config.KindObjectStore:
			store, err := objectstore.NewS3Store(ctx, pc.Bucket, pc.Region, pc.Access != "signed")
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.ID, err)
			}
			p.Sampler = objectstore.NewReader(store, headers, logger.With("provider", pc.ID))
		case config.KindHTTPAPI:
			p.API = apiclient.New(p.Config, &http.Client{}, logger)
		}
		providers = append(providers, p)
	}

	guardProviders := make([]config.Provider, len(providers))
	for i, p := range providers {
		guardProviders[i] = p.Config
	}
	guards := reliability.NewRegistry(guardProviders, cfg.Breaker, cfg.Concurrency, logger)

	s := NewSelector(index, scorer, providers, guards, points, cfg.Concurrency.BatchWorkers, logger)
	s.SetHeaderCacheStats(func() CacheStatus {
		hits, misses := headers.Stats()
		return CacheStatus{
			Entries: headers.Len(),
			Bytes:   headers.Bytes(),
			Hits:    hits,
			Misses:  misses,
		}
	})
	return s, nil
}

// applyTimeout fills a provider's default deadline from the kind-wide
// setting when the provider does not set its own.
func applyTimeout(p config.Provider, t config.Timeouts) config.Provider {
	if p.Timeout > 0 {
		return p
	}
	switch p.Kind {
	case config.KindObjectStore:
		p.Timeout = t.ObjectStore
	case config.KindHTTPAPI:
		p.Timeout = t.HTTPAPI
	}
	return p
}

func cacheConfig(b config.CacheBounds) cache.Config {
	return cache.Config{MaxEntries: b.MaxEntries, MaxBytes: b.MaxBytes, TTL: b.TTL}
}

func headerSize(h *cogtiff.Header) int { return h.SizeBytes() }
