package objectstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MeKo-Tech/terrapoint/internal/cache"
	"github.com/MeKo-Tech/terrapoint/internal/catalog"
	"github.com/MeKo-Tech/terrapoint/internal/cogtiff"
	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// fakeStore serves objects from memory.
type fakeStore struct {
	objects map[string][]byte
	reads   int
}

func (s *fakeStore) ReadRange(_ context.Context, key string, offset, length int64) ([]byte, error) {
	s.reads++
	data, ok := s.objects[key]
	if !ok {
		return nil, types.ErrNotFound
	}
	if offset >= int64(len(data)) {
		return nil, errors.New("range past EOF")
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

// float32TIFF builds a minimal single-strip little-endian float32 TIFF
// with a GDAL nodata tag of -9999.
func float32TIFF(t *testing.T, width, height int, values []float32) []byte {
	t.Helper()
	if len(values) != width*height {
		t.Fatalf("value count %d does not match %dx%d", len(values), width, height)
	}
	le := binary.LittleEndian

	pixels := make([]byte, len(values)*4)
	for i, v := range values {
		le.PutUint32(pixels[i*4:], math.Float32bits(v))
	}

	const numEntries = 10
	pixelOff := 8
	noDataOff := pixelOff + len(pixels)
	noData := []byte("-9999\x00")
	ifdOff := noDataOff + len(noData)

	var buf bytes.Buffer
	buf.WriteString("II")
	hdr := make([]byte, 6)
	le.PutUint16(hdr[0:2], 42)
	le.PutUint32(hdr[2:6], uint32(ifdOff))
	buf.Write(hdr)
	buf.Write(pixels)
	buf.Write(noData)

	cnt := make([]byte, 2)
	le.PutUint16(cnt, numEntries)
	buf.Write(cnt)

	entry := func(tag, typ uint16, count, value uint32) {
		e := make([]byte, 12)
		le.PutUint16(e[0:2], tag)
		le.PutUint16(e[2:4], typ)
		le.PutUint32(e[4:8], count)
		if typ == 3 { // SHORT packs into the low bytes
			le.PutUint16(e[8:10], uint16(value))
		} else {
			le.PutUint32(e[8:12], value)
		}
		buf.Write(e)
	}

	entry(256, 4, 1, uint32(width))       // ImageWidth
	entry(257, 4, 1, uint32(height))      // ImageLength
	entry(258, 3, 1, 32)                  // BitsPerSample
	entry(259, 3, 1, 1)                   // Compression: none
	entry(273, 4, 1, uint32(pixelOff))    // StripOffsets
	entry(277, 3, 1, 1)                   // SamplesPerPixel
	entry(278, 4, 1, uint32(height))      // RowsPerStrip
	entry(279, 4, 1, uint32(len(pixels))) // StripByteCounts
	entry(339, 3, 1, 3)                   // SampleFormat: float
	entry(42113, 2, uint32(len(noData)), uint32(noDataOff))

	buf.Write([]byte{0, 0, 0, 0})
	return buf.Bytes()
}

// testFile describes a 4x4 geographic raster with its top-left corner at
// (-37.0, 145.0) and the given pixel size in degrees.
func testFile(pixelDeg float64) *catalog.RasterFile {
	return &catalog.RasterFile{
		StorageKey: "dem-bucket/test.tif",
		NativeCRS:  4326,
		Transform:  [6]float64{145.0, pixelDeg, 0, -37.0, 0, -pixelDeg},
		PixelBoundsWGS84: types.BoundingBox{
			MinLon: 145.0, MinLat: -37.0 - 4*pixelDeg,
			MaxLon: 145.0 + 4*pixelDeg, MaxLat: -37.0,
		},
		Width: 4, Height: 4,
		NoData:    -9999,
		DatasetID: "test",
	}
}

func seq16() []float32 {
	return []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}
}

func newTestReader(t *testing.T, values []float32, withCache bool) (*Reader, *fakeStore) {
	t.Helper()
	store := &fakeStore{objects: map[string][]byte{
		"dem-bucket/test.tif": float32TIFF(t, 4, 4, values),
	}}
	var headers *HeaderCache
	if withCache {
		var err error
		headers, err = cache.New[string](cache.Config{MaxEntries: 8, TTL: 0}, func(h *cogtiff.Header) int { return h.SizeBytes() })
		if err != nil {
			t.Fatal(err)
		}
	}
	return NewReader(store, headers, nil), store
}

func TestSample_BilinearOnCoarsePixels(t *testing.T) {
	// 0.001 degree pixels are roughly 90 m: bilinear applies.
	r, _ := newTestReader(t, seq16(), false)
	f := testFile(0.001)

	// Dead center of pixel (1,1): interpolation degenerates to the pixel.
	got, err := r.Sample(context.Background(), f, -37.0015, 145.0015)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if math.Abs(got-6) > 1e-6 {
		t.Errorf("Expected 6 at pixel center, got %g", got)
	}

	// Halfway between pixel centers (1,1) and (2,1).
	got, err = r.Sample(context.Background(), f, -37.0015, 145.002)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if math.Abs(got-6.5) > 1e-6 {
		t.Errorf("Expected 6.5 between pixels, got %g", got)
	}
}

func TestSample_NearestOnFinePixels(t *testing.T) {
	// 5e-6 degree pixels are about half a metre: nearest applies.
	r, _ := newTestReader(t, seq16(), false)
	f := testFile(5e-6)

	got, err := r.Sample(context.Background(), f, -37.0000074, 145.0000074)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if got != 6 {
		t.Errorf("Expected nearest pixel value 6, got %g", got)
	}
}

func TestSample_NoDataFallsBackToNeighbour(t *testing.T) {
	values := seq16()
	values[5] = -9999 // pixel (1,1)
	r, _ := newTestReader(t, values, false)
	f := testFile(5e-6)

	got, err := r.Sample(context.Background(), f, -37.0000074, 145.0000074)
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	// Nearest valid neighbour in the 3x3 around (1,1).
	valid := map[float64]bool{2: true, 5: true, 7: true, 10: true}
	if !valid[got] {
		t.Errorf("Expected an adjacent neighbour value, got %g", got)
	}
}

func TestSample_AllNoDataReturnsErrNoData(t *testing.T) {
	values := make([]float32, 16)
	for i := range values {
		values[i] = -9999
	}
	r, _ := newTestReader(t, values, false)
	f := testFile(0.001)

	_, err := r.Sample(context.Background(), f, -37.0015, 145.0015)
	if !errors.Is(err, types.ErrNoData) {
		t.Errorf("Expected ErrNoData, got %v", err)
	}
}

func TestSample_OutOfBounds(t *testing.T) {
	r, _ := newTestReader(t, seq16(), false)
	f := testFile(0.001)

	_, err := r.Sample(context.Background(), f, -38.5, 145.0015)
	if !errors.Is(err, types.ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
}

func TestSample_HeaderCacheSavesRefetch(t *testing.T) {
	r, store := newTestReader(t, seq16(), true)
	f := testFile(0.001)

	if _, err := r.Sample(context.Background(), f, -37.0015, 145.0015); err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	first := store.reads

	if _, err := r.Sample(context.Background(), f, -37.0025, 145.0025); err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	second := store.reads - first
	if second >= first {
		t.Errorf("Expected fewer reads with a warm header cache: %d then %d", first, second)
	}
}

func TestSample_DimensionMismatchRejected(t *testing.T) {
	r, _ := newTestReader(t, seq16(), false)
	f := testFile(0.001)
	f.Width = 8 // catalog disagrees with the raster

	_, err := r.Sample(context.Background(), f, -37.0015, 145.0015)
	if !errors.Is(err, types.ErrDecode) {
		t.Errorf("Expected ErrDecode for dimension mismatch, got %v", err)
	}
}
