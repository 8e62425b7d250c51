// Package catalog defines the read-only DEM catalog records and the
// on-disk spatial index artifact produced by the offline builder.
package catalog

import (
	"fmt"
	"math"

	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// PriorityClass orders datasets for candidate enumeration.
type PriorityClass string

const (
	PriorityHigh   PriorityClass = "high"
	PriorityMedium PriorityClass = "medium"
	PriorityLow    PriorityClass = "low"
)

// Rank returns a sortable weight, higher is better.
func (p PriorityClass) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Dataset is a named coherent survey (a "campaign"): e.g. a city's 1 m
// LiDAR acquisition from a specific year.
type Dataset struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Provider        string            `json:"provider"`
	NativeCRS       int               `json:"native_crs"` // EPSG code
	ResolutionM     float64           `json:"resolution_m"`
	AcquisitionYear int               `json:"acquisition_year"`
	CoverageBBox    types.BoundingBox `json:"coverage_bbox"`
	Confidence      float64           `json:"confidence"` // 0..1 catalog quality tag
	PriorityClass   PriorityClass     `json:"priority_class"`

	// FileIndexes reference Artifact.Files. File geometry is keyed on the
	// per-file bounds, never on CoverageBBox.
	FileIndexes []int `json:"file_indexes"`
}

// RasterFile is a single GeoTIFF-like tile in object storage.
//
// Transform is a GDAL-style geotransform mapping pixel indices to native
// coordinates:
//
//	x = T[0] + col*T[1] + row*T[2]
//	y = T[3] + col*T[4] + row*T[5]
type RasterFile struct {
	StorageKey       string            `json:"storage_key"` // "bucket/key" or full https URL
	NativeCRS        int               `json:"native_crs"`
	Transform        [6]float64        `json:"transform"`
	PixelBoundsWGS84 types.BoundingBox `json:"pixel_bounds_wgs84"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	NoData           float64           `json:"nodata"`
	DatasetID        string            `json:"owning_dataset_id"`
}

// NativeToPixel converts native CRS coordinates to fractional pixel
// (col, row) by inverting the geotransform.
func (f *RasterFile) NativeToPixel(x, y float64) (col, row float64, err error) {
	t := f.Transform
	det := t[1]*t[5] - t[2]*t[4]
	if det == 0 {
		return 0, 0, fmt.Errorf("%w: singular geotransform for %s", types.ErrDecode, f.StorageKey)
	}
	dx := x - t[0]
	dy := y - t[3]
	col = (dx*t[5] - dy*t[2]) / det
	row = (dy*t[1] - dx*t[4]) / det
	return col, row, nil
}

// IsNoData reports whether v matches the file's nodata sentinel.
func (f *RasterFile) IsNoData(v float64) bool {
	if math.IsNaN(f.NoData) {
		return math.IsNaN(v)
	}
	return v == f.NoData
}

// Grid is the coarse dataset grid of the artifact: a uniform lattice over
// the inhabited WGS84 rectangle, each cell listing the datasets whose
// coverage box intersects it.
type Grid struct {
	CellDeg float64             `json:"cell_deg"`
	Cells   map[string][]string `json:"cells"` // cell key -> dataset ids
}

// Overlay is the optional fine sub-grid materialized for dense metro
// datasets, keyed by cell to file indexes.
type Overlay struct {
	TileDeg float64          `json:"tile_deg"`
	Tiles   map[string][]int `json:"tiles"` // cell key -> indexes into Artifact.Files
}

// Artifact is the on-disk spatial index emitted by the offline builder.
// The resolver loads it once at startup and never mutates it.
type Artifact struct {
	SchemaVersion int                 `json:"schema_version"`
	Grid          Grid                `json:"grid"`
	Datasets      map[string]*Dataset `json:"datasets"`
	Files         []RasterFile        `json:"files"`
	TiledOverlays map[string]Overlay  `json:"tiled_overlays,omitempty"`
}

// Supported schema_version range.
const (
	MinSchemaVersion = 1
	MaxSchemaVersion = 2
)

// CellKey returns the coarse/overlay grid key for a point at the given
// cell size. Cells are anchored at (-90, -180); the builder uses the same
// convention.
func CellKey(lat, lon, cellDeg float64) string {
	row := int(math.Floor((lat + 90) / cellDeg))
	col := int(math.Floor((lon + 180) / cellDeg))
	return fmt.Sprintf("%d_%d", row, col)
}

// CollectionsAvailable counts loadable datasets.
func (a *Artifact) CollectionsAvailable() int {
	return len(a.Datasets)
}

// Validate checks structural integrity. Any failure here is fatal at
// startup; the service must not accept traffic over a broken index.
func (a *Artifact) Validate() error {
	if a.SchemaVersion < MinSchemaVersion || a.SchemaVersion > MaxSchemaVersion {
		return fmt.Errorf("unsupported index schema_version %d (supported %d..%d)",
			a.SchemaVersion, MinSchemaVersion, MaxSchemaVersion)
	}
	if a.CollectionsAvailable() == 0 {
		return fmt.Errorf("index reports zero collections available")
	}
	if a.Grid.CellDeg <= 0 {
		return fmt.Errorf("invalid grid cell size %g", a.Grid.CellDeg)
	}
	for id, ds := range a.Datasets {
		if ds.ID != id {
			return fmt.Errorf("dataset key %q does not match id %q", id, ds.ID)
		}
		if ds.ResolutionM <= 0 {
			return fmt.Errorf("dataset %s: non-positive resolution %g", id, ds.ResolutionM)
		}
		for _, fi := range ds.FileIndexes {
			if fi < 0 || fi >= len(a.Files) {
				return fmt.Errorf("dataset %s: file index %d out of range", id, fi)
			}
			f := &a.Files[fi]
			if f.DatasetID != id {
				return fmt.Errorf("file %s: owned by %q but listed under %q",
					f.StorageKey, f.DatasetID, id)
			}
		}
	}
	for i := range a.Files {
		f := &a.Files[i]
		ds, ok := a.Datasets[f.DatasetID]
		if !ok {
			return fmt.Errorf("file %s: unknown owning dataset %q", f.StorageKey, f.DatasetID)
		}
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("file %s: invalid dimensions %dx%d", f.StorageKey, f.Width, f.Height)
		}
		// Per-file bounds must sit inside the owning dataset's coverage.
		fb, db := f.PixelBoundsWGS84, ds.CoverageBBox
		if fb.MinLat < db.MinLat-1e-9 || fb.MaxLat > db.MaxLat+1e-9 ||
			fb.MinLon < db.MinLon-1e-9 || fb.MaxLon > db.MaxLon+1e-9 {
			return fmt.Errorf("file %s: bounds %s escape dataset coverage %s",
				f.StorageKey, fb, db)
		}
	}
	for id, ov := range a.TiledOverlays {
		if _, ok := a.Datasets[id]; !ok {
			return fmt.Errorf("overlay for unknown dataset %q", id)
		}
		if ov.TileDeg <= 0 {
			return fmt.Errorf("overlay %s: invalid tile size %g", id, ov.TileDeg)
		}
		for key, fis := range ov.Tiles {
			for _, fi := range fis {
				if fi < 0 || fi >= len(a.Files) {
					return fmt.Errorf("overlay %s tile %s: file index %d out of range", id, key, fi)
				}
			}
		}
	}
	return nil
}
