// Package spatial implements the in-memory point-to-candidates index over
// the DEM catalog. It is immutable after construction and safe for
// concurrent readers.
package spatial

import (
	"sort"

	"github.com/MeKo-Tech/terrapoint/internal/catalog"
)

// Candidate pairs a raster file with its owning dataset. The file's
// pixel bounds are guaranteed to contain the queried point.
type Candidate struct {
	Dataset *catalog.Dataset
	File    *catalog.RasterFile

	// FileIndex is the file's position in the artifact file array, used
	// by the batch planner to group points per object.
	FileIndex int
}

// Index answers point-in-coverage queries in O(log N + k). Geometry is
// keyed on per-file bounds; the coarse dataset grid only narrows the
// dataset set, never decides membership.
type Index struct {
	art  *catalog.Artifact
	fine map[string]*fineIndex
}

// fineIndex is the per-dataset secondary structure: file indexes sorted
// by western edge, searched by binary bound plus a bounded backward scan.
// Dense metro datasets additionally carry the builder's 0.02 degree
// overlay, which is preferred when present.
type fineIndex struct {
	sorted   []int     // indexes into artifact.Files, ascending MinLon
	minLons  []float64 // MinLon of sorted[i], for sort.Search
	maxWidth float64   // widest file span in degrees, bounds the scan
	overlay  *catalog.Overlay
}

// NewIndex builds the runtime index from a validated artifact.
func NewIndex(art *catalog.Artifact) *Index {
	idx := &Index{
		art:  art,
		fine: make(map[string]*fineIndex, len(art.Datasets)),
	}
	for id, ds := range art.Datasets {
		fi := &fineIndex{
			sorted: append([]int(nil), ds.FileIndexes...),
		}
		sort.Slice(fi.sorted, func(a, b int) bool {
			return art.Files[fi.sorted[a]].PixelBoundsWGS84.MinLon <
				art.Files[fi.sorted[b]].PixelBoundsWGS84.MinLon
		})
		fi.minLons = make([]float64, len(fi.sorted))
		for i, f := range fi.sorted {
			b := art.Files[f].PixelBoundsWGS84
			fi.minLons[i] = b.MinLon
			if w := b.Width(); w > fi.maxWidth {
				fi.maxWidth = w
			}
		}
		if ov, ok := art.TiledOverlays[id]; ok {
			fi.overlay = &ov
		}
		idx.fine[id] = fi
	}
	return idx
}

// Lookup returns all files whose pixel bounds contain (lat, lon), stable
// ordered by (priority_class descending, dataset id ascending). An empty
// slice means no coverage; that is not an error.
func (idx *Index) Lookup(lat, lon float64) []Candidate {
	var out []Candidate
	for _, ds := range idx.DatasetsAt(lat, lon) {
		fi := idx.fine[ds.ID]
		for _, fileIdx := range fi.filesAt(idx.art, lat, lon) {
			out = append(out, Candidate{
				Dataset:   ds,
				File:      &idx.art.Files[fileIdx],
				FileIndex: fileIdx,
			})
		}
	}
	return out
}

// DatasetsAt enumerates the datasets whose coverage box contains the
// point, in candidate order. This is the cheap prefix scan used by the
// batch planner; it touches no per-file geometry.
func (idx *Index) DatasetsAt(lat, lon float64) []*catalog.Dataset {
	key := catalog.CellKey(lat, lon, idx.art.Grid.CellDeg)
	ids := idx.art.Grid.Cells[key]
	if len(ids) == 0 {
		return nil
	}
	out := make([]*catalog.Dataset, 0, len(ids))
	for _, id := range ids {
		ds, ok := idx.art.Datasets[id]
		if !ok {
			continue
		}
		if ds.CoverageBBox.Contains(lat, lon) {
			out = append(out, ds)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		ra, rb := out[a].PriorityClass.Rank(), out[b].PriorityClass.Rank()
		if ra != rb {
			return ra > rb
		}
		return out[a].ID < out[b].ID
	})
	return out
}

// Dataset returns the dataset record by id, or nil.
func (idx *Index) Dataset(id string) *catalog.Dataset {
	return idx.art.Datasets[id]
}

// File returns the raster file record by artifact index.
func (idx *Index) File(i int) *catalog.RasterFile {
	return &idx.art.Files[i]
}

// CollectionsAvailable reports the number of loaded datasets.
func (idx *Index) CollectionsAvailable() int {
	return idx.art.CollectionsAvailable()
}

// filesAt returns the dataset's file indexes containing the point.
func (fi *fineIndex) filesAt(art *catalog.Artifact, lat, lon float64) []int {
	if fi.overlay != nil {
		return fi.overlayFilesAt(art, lat, lon)
	}

	// First file strictly east of the point; everything containing the
	// point lies at most maxWidth west of it.
	hi := sort.SearchFloat64s(fi.minLons, lon+1e-12)
	var out []int
	for i := hi - 1; i >= 0; i-- {
		if fi.minLons[i] < lon-fi.maxWidth {
			break
		}
		f := fi.sorted[i]
		if art.Files[f].PixelBoundsWGS84.Contains(lat, lon) {
			out = append(out, f)
		}
	}
	// Restore ascending artifact order for determinism.
	sort.Ints(out)
	return out
}

func (fi *fineIndex) overlayFilesAt(art *catalog.Artifact, lat, lon float64) []int {
	key := catalog.CellKey(lat, lon, fi.overlay.TileDeg)
	var out []int
	for _, f := range fi.overlay.Tiles[key] {
		if art.Files[f].PixelBoundsWGS84.Contains(lat, lon) {
			out = append(out, f)
		}
	}
	sort.Ints(out)
	return out
}
