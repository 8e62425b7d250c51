// Package scoring ranks candidate datasets by a weighted multi-factor
// quality score.
package scoring

import (
	"fmt"
	"math"
	"sort"

	"github.com/MeKo-Tech/terrapoint/internal/catalog"
)

// Weights control the blend of the four sub-scores. They are normalized
// to sum to 1 before use.
type Weights struct {
	Resolution float64 `mapstructure:"resolution"`
	Temporal   float64 `mapstructure:"temporal"`
	Spatial    float64 `mapstructure:"spatial"`
	Provider   float64 `mapstructure:"provider"`
}

// DefaultWeights returns the production blend.
func DefaultWeights() Weights {
	return Weights{Resolution: 0.50, Temporal: 0.30, Spatial: 0.15, Provider: 0.05}
}

// Normalize scales the weights to sum to 1. Returns an error when the sum
// is non-positive; that is a configuration error and fatal at startup.
func (w Weights) Normalize() (Weights, error) {
	sum := w.Resolution + w.Temporal + w.Spatial + w.Provider
	if sum <= 0 {
		return Weights{}, fmt.Errorf("scoring weights sum to %g, must be positive", sum)
	}
	return Weights{
		Resolution: w.Resolution / sum,
		Temporal:   w.Temporal / sum,
		Spatial:    w.Spatial / sum,
		Provider:   w.Provider / sum,
	}, nil
}

// Confidence expresses how clearly the top dataset won.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Ranked is a dataset with its computed score, best first after Rank.
type Ranked struct {
	Dataset *catalog.Dataset
	Score   float64
}

// Scorer computes dataset scores. Stateless and safe for concurrent use.
type Scorer struct {
	weights        Weights
	providerScores map[string]float64
	defaultScore   float64
}

// New creates a Scorer. Weights are normalized; providerScores may be nil
// to use the built-in table.
func New(w Weights, providerScores map[string]float64) (*Scorer, error) {
	norm, err := w.Normalize()
	if err != nil {
		return nil, err
	}
	if providerScores == nil {
		providerScores = map[string]float64{
			"elvis": 1.0,
			"ga":    0.9,
			"csiro": 0.8,
		}
	}
	return &Scorer{weights: norm, providerScores: providerScores, defaultScore: 0.6}, nil
}

// Score computes the weighted quality score for a dataset, in [0, 1].
func (s *Scorer) Score(ds *catalog.Dataset) float64 {
	return s.weights.Resolution*resolutionScore(ds.ResolutionM) +
		s.weights.Temporal*temporalScore(ds.AcquisitionYear) +
		s.weights.Spatial*spatialScore(ds.CoverageBBox.AreaKm2()) +
		s.weights.Provider*s.providerScore(ds.Provider)
}

// Rank orders the datasets best-first and reports how decisive the win
// was. Ties break on greater acquisition year, then dataset id.
func (s *Scorer) Rank(datasets []*catalog.Dataset) ([]Ranked, Confidence) {
	ranked := make([]Ranked, len(datasets))
	for i, ds := range datasets {
		ranked[i] = Ranked{Dataset: ds, Score: s.Score(ds)}
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].Score != ranked[b].Score {
			return ranked[a].Score > ranked[b].Score
		}
		da, db := ranked[a].Dataset, ranked[b].Dataset
		if da.AcquisitionYear != db.AcquisitionYear {
			return da.AcquisitionYear > db.AcquisitionYear
		}
		return da.ID < db.ID
	})

	if len(ranked) == 0 {
		return ranked, ConfidenceLow
	}
	top := ranked[0].Score
	second := 0.0
	if len(ranked) > 1 {
		second = ranked[1].Score
	}
	switch {
	case top >= 0.8 && top-second >= 0.1:
		return ranked, ConfidenceHigh
	case top >= 0.5:
		return ranked, ConfidenceMedium
	default:
		return ranked, ConfidenceLow
	}
}

func (s *Scorer) providerScore(provider string) float64 {
	if v, ok := s.providerScores[provider]; ok {
		return v
	}
	return s.defaultScore
}

// resolutionScore is piecewise linear through the quality anchors,
// monotone decreasing in ground sample distance.
func resolutionScore(resM float64) float64 {
	anchors := []struct{ res, score float64 }{
		{0.5, 1.00},
		{1, 0.90},
		{2, 0.75},
		{5, 0.55},
		{10, 0.35},
		{30, 0.10},
	}
	if resM <= anchors[0].res {
		return anchors[0].score
	}
	for i := 1; i < len(anchors); i++ {
		if resM <= anchors[i].res {
			lo, hi := anchors[i-1], anchors[i]
			t := (resM - lo.res) / (hi.res - lo.res)
			return lo.score + t*(hi.score-lo.score)
		}
	}
	return anchors[len(anchors)-1].score
}

func temporalScore(year int) float64 {
	return math.Min(1, math.Max(0, float64(year-2000)/25))
}

// spatialScore prefers compact footprints: a city-sized survey
// (~2,500 km2) scores 0.9, a continental mosaic (~8M km2) scores 0.2,
// log-interpolated between.
func spatialScore(areaKm2 float64) float64 {
	const (
		cityArea        = 2500.0
		continentalArea = 8e6
		cityScore       = 0.9
		continentScore  = 0.2
	)
	if areaKm2 <= cityArea {
		return cityScore
	}
	if areaKm2 >= continentalArea {
		return continentScore
	}
	t := math.Log10(areaKm2/cityArea) / math.Log10(continentalArea/cityArea)
	return cityScore + t*(continentScore-cityScore)
}
