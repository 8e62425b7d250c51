// Package config defines the typed configuration the resolver consumes.
// Delivery (config file, flags, environment) happens in internal/cmd via
// viper; everything past that boundary sees only this structure.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/MeKo-Tech/terrapoint/internal/scoring"
)

// ProviderKind tags the two provider variants.
type ProviderKind string

const (
	KindObjectStore ProviderKind = "object_store"
	KindHTTPAPI     ProviderKind = "http_api"
)

// QuotaReset selects how an exhausted daily quota recovers.
type QuotaReset string

const (
	QuotaResetMidnight QuotaReset = "midnight" // provider-local midnight
	QuotaResetRolling  QuotaReset = "rolling"  // 24h after first use
)

// Provider describes one entry of the fallback chain.
type Provider struct {
	ID       string        `mapstructure:"id"`
	Kind     ProviderKind  `mapstructure:"kind"`
	Priority int           `mapstructure:"priority"` // higher tried first
	Timeout  time.Duration `mapstructure:"timeout"`

	// Object-store fields.
	Bucket string `mapstructure:"bucket"`
	Region string `mapstructure:"region"`
	Access string `mapstructure:"access"` // "public" or "signed"

	// HTTP API fields.
	Endpoint     string     `mapstructure:"endpoint"`
	AuthToken    string     `mapstructure:"auth_token"`
	RateLimitRPS float64    `mapstructure:"rate_limit_rps"`
	DailyQuota   int64      `mapstructure:"daily_quota"`
	QuotaReset   QuotaReset `mapstructure:"quota_reset"`
	BatchLimit   int        `mapstructure:"batch_limit"`
	Location     string     `mapstructure:"location"` // IANA zone for midnight reset
}

// Breaker tunes the per-provider circuit breaker.
type Breaker struct {
	Window     time.Duration `mapstructure:"window"`
	MinSamples int           `mapstructure:"min_samples"`
	ErrorRatio float64       `mapstructure:"error_ratio"`
	CoolOff    time.Duration `mapstructure:"cool_off"`
}

// CacheBounds caps one of the in-process caches.
type CacheBounds struct {
	MaxEntries int           `mapstructure:"max_entries"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// Caches holds both cache configurations.
type Caches struct {
	Header CacheBounds `mapstructure:"header"`
	Point  CacheBounds `mapstructure:"point"`
}

// Concurrency bounds the worker pool and in-flight request counts.
type Concurrency struct {
	BatchWorkers        int   `mapstructure:"batch_workers"`
	PerProviderInFlight int64 `mapstructure:"per_provider_in_flight"`
	GlobalHighWater     int64 `mapstructure:"global_high_water"`
}

// Timeouts are the defaults applied when a query carries no deadline.
type Timeouts struct {
	ObjectStore time.Duration `mapstructure:"object_store"`
	HTTPAPI     time.Duration `mapstructure:"http_api"`
	Batch       time.Duration `mapstructure:"batch"`
}

// Config is the full resolver configuration.
type Config struct {
	IndexPath      string             `mapstructure:"index_path"`
	Providers      []Provider         `mapstructure:"providers"`
	Weights        scoring.Weights    `mapstructure:"weights"`
	ProviderScores map[string]float64 `mapstructure:"provider_scores"`
	Breaker        Breaker            `mapstructure:"breaker"`
	Caches         Caches             `mapstructure:"caches"`
	Concurrency    Concurrency        `mapstructure:"concurrency"`
	Timeouts       Timeouts           `mapstructure:"timeouts"`
	MaxBatchPoints int                `mapstructure:"max_batch_points"`
}

// Default returns the production defaults. A config file overrides
// individual fields; absent sections keep these values.
func Default() Config {
	return Config{
		Weights: scoring.DefaultWeights(),
		Breaker: Breaker{
			Window:     30 * time.Second,
			MinSamples: 5,
			ErrorRatio: 0.5,
			CoolOff:    30 * time.Second,
		},
		Caches: Caches{
			Header: CacheBounds{MaxEntries: 2048, MaxBytes: 128 << 20, TTL: time.Hour},
			Point:  CacheBounds{MaxEntries: 100_000, MaxBytes: 16 << 20, TTL: 5 * time.Minute},
		},
		Concurrency: Concurrency{
			BatchWorkers:        32,
			PerProviderInFlight: 64,
			GlobalHighWater:     256,
		},
		Timeouts: Timeouts{
			ObjectStore: 2 * time.Second,
			HTTPAPI:     3 * time.Second,
			Batch:       10 * time.Second,
		},
		MaxBatchPoints: 1000,
	}
}

// Validate checks the configuration. Any error here must prevent the
// service from accepting traffic.
func (c *Config) Validate() error {
	if c.IndexPath == "" {
		return fmt.Errorf("index_path is required")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case KindObjectStore:
			if p.Bucket == "" {
				return fmt.Errorf("provider %s: bucket is required", p.ID)
			}
			if p.Access != "" && p.Access != "public" && p.Access != "signed" {
				return fmt.Errorf("provider %s: access must be public or signed, got %q", p.ID, p.Access)
			}
		case KindHTTPAPI:
			if p.Endpoint == "" {
				return fmt.Errorf("provider %s: endpoint is required", p.ID)
			}
			if p.RateLimitRPS < 0 {
				return fmt.Errorf("provider %s: negative rate limit", p.ID)
			}
			switch p.QuotaReset {
			case "", QuotaResetMidnight, QuotaResetRolling:
			default:
				return fmt.Errorf("provider %s: unknown quota_reset %q", p.ID, p.QuotaReset)
			}
		default:
			return fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind)
		}
	}
	if _, err := c.Weights.Normalize(); err != nil {
		return err
	}
	if c.Breaker.ErrorRatio <= 0 || c.Breaker.ErrorRatio > 1 {
		return fmt.Errorf("breaker error_ratio %g outside (0, 1]", c.Breaker.ErrorRatio)
	}
	if c.Breaker.MinSamples < 1 {
		return fmt.Errorf("breaker min_samples must be at least 1")
	}
	if c.Concurrency.BatchWorkers < 1 || c.Concurrency.PerProviderInFlight < 1 {
		return fmt.Errorf("concurrency bounds must be positive")
	}
	if c.MaxBatchPoints < 1 {
		return fmt.Errorf("max_batch_points must be positive")
	}
	return nil
}

// SortedProviders returns the providers in descending priority, stable on
// id for equal priorities.
func (c *Config) SortedProviders() []Provider {
	out := append([]Provider(nil), c.Providers...)
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		return out[a].ID < out[b].ID
	})
	return out
}
