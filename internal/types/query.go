// Package types holds the geographic primitives and request/response
// shapes shared by the resolver pipeline.
package types

import "time"

// Query is a single elevation request. Lat/Lon are WGS84 degrees; range
// validation happens at the transport layer, the resolver trusts them.
type Query struct {
	Lat float64
	Lon float64

	// Deadline bounds the whole resolve, including fallbacks. Zero means
	// the per-provider defaults apply.
	Deadline time.Time

	// PreferredProvider, when set, is tried first if its breaker allows.
	PreferredProvider string
}

// ProviderNone is the provider id reported when no source could answer.
const ProviderNone = "none"

// Result is the outcome of resolving one Query.
//
// ElevationM is nil both for in-coverage nodata and for out-of-coverage
// queries; the two are distinguished by ProviderUsed ("none" means no
// coverage anywhere in the chain).
type Result struct {
	ElevationM   *float64 `json:"elevation_m"`
	ProviderUsed string   `json:"provider_used"`
	DatasetID    *string  `json:"dataset_id"`
	ResolutionM  *float64 `json:"resolution_m"`
	LatencyMS    uint32   `json:"latency_ms"`
	CRS          string   `json:"crs"`
}

// NewResult returns a Result skeleton with the query-side CRS filled in.
func NewResult() Result {
	return Result{ProviderUsed: ProviderNone, CRS: "EPSG:4326"}
}

// WithElevation returns a copy of r carrying the given elevation value.
func (r Result) WithElevation(m float64) Result {
	r.ElevationM = &m
	return r
}
