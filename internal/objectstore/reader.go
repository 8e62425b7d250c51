package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/MeKo-Tech/terrapoint/internal/cache"
	"github.com/MeKo-Tech/terrapoint/internal/catalog"
	"github.com/MeKo-Tech/terrapoint/internal/cogtiff"
	"github.com/MeKo-Tech/terrapoint/internal/proj"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// HeaderCache memoizes parsed raster headers keyed by storage key.
type HeaderCache = cache.Cache[string, *cogtiff.Header]

// Reader samples elevations out of catalog raster files.
type Reader struct {
	store   Storage
	headers *HeaderCache
	logger  *slog.Logger
}

// NewReader creates a Reader over the given storage backend.
func NewReader(store Storage, headers *HeaderCache, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{store: store, headers: headers, logger: logger}
}

// Sample returns the elevation at a WGS84 point that the index promised
// lies inside the file's bounds. Pixels coarser than one metre are read
// bilinearly from the surrounding 2x2 window; finer pixels use the
// nearest sample. A nodata neighbourhood degrades to the nearest valid
// pixel within 3x3 before giving up with ErrNoData.
func (r *Reader) Sample(ctx context.Context, file *catalog.RasterFile, lat, lon float64) (float64, error) {
	if !file.PixelBoundsWGS84.Contains(lat, lon) {
		return 0, fmt.Errorf("%w: (%.6f, %.6f) outside %s", types.ErrOutOfBounds, lat, lon, file.StorageKey)
	}

	x, y, err := proj.ToNative(file.NativeCRS, lat, lon)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrDecode, err)
	}
	col, row, err := file.NativeToPixel(x, y)
	if err != nil {
		return 0, err
	}

	cn := int(math.Floor(col))
	rn := int(math.Floor(row))
	if cn < 0 || rn < 0 || cn >= file.Width || rn >= file.Height {
		return 0, fmt.Errorf("%w: pixel (%d, %d) outside %dx%d raster %s",
			types.ErrOutOfBounds, cn, rn, file.Width, file.Height, file.StorageKey)
	}

	header, err := r.header(ctx, file)
	if err != nil {
		return 0, err
	}

	// One 3x3 window covers both the bilinear 2x2 and the nodata
	// fallback neighbourhood.
	win, err := header.ReadWindow(ctx, r.object(file), cn-1, rn-1, 3, 3)
	if err != nil {
		return 0, err
	}

	if pixelSizeM(file) > 1.0 {
		if v, ok := r.bilinear(file, win, col, row); ok {
			return v, nil
		}
	} else if v := win.At(cn, rn); !r.isNoData(file, header, v) {
		return v, nil
	}

	// Nearest valid pixel within the 3x3 neighbourhood.
	if v, ok := r.nearestValid(file, header, win, col, row); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: %s at (%.6f, %.6f)", types.ErrNoData, file.StorageKey, lat, lon)
}

// header fetches the parsed raster header, via the cache when possible.
func (r *Reader) header(ctx context.Context, file *catalog.RasterFile) (*cogtiff.Header, error) {
	if r.headers != nil {
		if h, ok := r.headers.Get(file.StorageKey); ok {
			return h, nil
		}
	}
	h, err := cogtiff.ParseHeader(ctx, r.object(file))
	if err != nil {
		return nil, err
	}
	if int(h.Width) != file.Width || int(h.Height) != file.Height {
		return nil, fmt.Errorf("%w: %s is %dx%d, catalog says %dx%d",
			types.ErrDecode, file.StorageKey, h.Width, h.Height, file.Width, file.Height)
	}
	if r.headers != nil {
		r.headers.Add(file.StorageKey, h)
	}
	return h, nil
}

// object adapts the store to a per-file range reader.
func (r *Reader) object(file *catalog.RasterFile) cogtiff.RangeReader {
	return objectReader{store: r.store, key: file.StorageKey}
}

type objectReader struct {
	store Storage
	key   string
}

func (o objectReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	return o.store.ReadRange(ctx, o.key, offset, length)
}

// bilinear interpolates the 2x2 window around the fractional pixel.
// Returns false when any corner is nodata.
func (r *Reader) bilinear(file *catalog.RasterFile, win *cogtiff.Window, col, row float64) (float64, bool) {
	if win.Width < 2 || win.Height < 2 {
		return 0, false
	}
	c0 := int(math.Floor(col - 0.5))
	r0 := int(math.Floor(row - 0.5))

	// Clamp the 2x2 into the fetched window (image edges).
	c0 = clamp(c0, win.Col, win.Col+win.Width-2)
	r0 = clamp(r0, win.Row, win.Row+win.Height-2)

	v00 := win.At(c0, r0)
	v10 := win.At(c0+1, r0)
	v01 := win.At(c0, r0+1)
	v11 := win.At(c0+1, r0+1)
	if file.IsNoData(v00) || file.IsNoData(v10) || file.IsNoData(v01) || file.IsNoData(v11) {
		return 0, false
	}

	fx := clampF(col-0.5-float64(c0), 0, 1)
	fy := clampF(row-0.5-float64(r0), 0, 1)
	top := v00*(1-fx) + v10*fx
	bot := v01*(1-fx) + v11*fx
	return top*(1-fy) + bot*fy, true
}

// nearestValid scans the window for the closest non-nodata pixel.
func (r *Reader) nearestValid(file *catalog.RasterFile, header *cogtiff.Header, win *cogtiff.Window, col, row float64) (float64, bool) {
	best := math.Inf(1)
	var bestVal float64
	found := false
	for y := win.Row; y < win.Row+win.Height; y++ {
		for x := win.Col; x < win.Col+win.Width; x++ {
			v := win.At(x, y)
			if r.isNoData(file, header, v) {
				continue
			}
			d := (float64(x)+0.5-col)*(float64(x)+0.5-col) + (float64(y)+0.5-row)*(float64(y)+0.5-row)
			if d < best {
				best = d
				bestVal = v
				found = true
			}
		}
	}
	return bestVal, found
}

// isNoData checks both the catalog sentinel and any sentinel embedded in
// the raster itself; builders have been known to disagree.
func (r *Reader) isNoData(file *catalog.RasterFile, header *cogtiff.Header, v float64) bool {
	if file.IsNoData(v) {
		return true
	}
	if header.HasNoData {
		if math.IsNaN(header.NoData) {
			return math.IsNaN(v)
		}
		return v == header.NoData
	}
	return math.IsNaN(v)
}

// pixelSizeM estimates the ground footprint of one pixel in metres.
// Geographic CRSs carry degree-sized transforms and need conversion.
func pixelSizeM(file *catalog.RasterFile) float64 {
	size := math.Abs(file.Transform[1])
	if file.NativeCRS == 4326 {
		const mPerDeg = 111_320.0
		midLat, _ := file.PixelBoundsWGS84.Center()
		return size * mPerDeg * math.Cos(midLat*math.Pi/180)
	}
	return size
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
