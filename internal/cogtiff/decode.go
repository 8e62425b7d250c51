package cogtiff

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	tifflzw "golang.org/x/image/tiff/lzw"

	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// Window is a small rectangle of decoded sample values, row-major.
// Values are band 0 of the raster converted to float64.
type Window struct {
	Col, Row      int // top-left pixel of the window in image space
	Width, Height int
	Values        []float64
}

// At returns the value at image coordinates (col, row), which must lie
// inside the window.
func (w *Window) At(col, row int) float64 {
	return w.Values[(row-w.Row)*w.Width+(col-w.Col)]
}

// ReadWindow fetches and decodes the pixel window [col, col+width) x
// [row, row+height), clamped to the image. Tiles intersecting the window
// are each fetched with a single range request.
func (h *Header) ReadWindow(ctx context.Context, r RangeReader, col, row, width, height int) (*Window, error) {
	if col < 0 {
		width += col
		col = 0
	}
	if row < 0 {
		height += row
		row = 0
	}
	if col+width > int(h.Width) {
		width = int(h.Width) - col
	}
	if row+height > int(h.Height) {
		height = int(h.Height) - row
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: window outside image", types.ErrOutOfBounds)
	}

	win := &Window{
		Col: col, Row: row,
		Width: width, Height: height,
		Values: make([]float64, width*height),
	}

	tw, th := int(h.TileWidth), int(h.TileHeight)
	across := h.tilesAcross()

	for ty := row / th; ty <= (row+height-1)/th; ty++ {
		for tx := col / tw; tx <= (col+width-1)/tw; tx++ {
			idx := ty*across + tx
			if idx < 0 || idx >= len(h.TileOffsets) {
				return nil, fmt.Errorf("%w: tile index %d out of range", types.ErrDecode, idx)
			}
			samples, err := h.readTile(ctx, r, idx)
			if err != nil {
				return nil, err
			}
			h.copyTile(win, samples, tx*tw, ty*th)
		}
	}
	return win, nil
}

// readTile fetches one tile and decodes it into float64 samples.
func (h *Header) readTile(ctx context.Context, r RangeReader, idx int) ([]float64, error) {
	off := h.TileOffsets[idx]
	count := h.TileByteCounts[idx]
	if count == 0 {
		// Sparse COG tile: implicitly filled with the nodata value.
		fill := h.NoData
		if !h.HasNoData {
			fill = 0
		}
		samples := make([]float64, int(h.TileWidth)*int(h.TileHeight))
		for i := range samples {
			samples[i] = fill
		}
		return samples, nil
	}

	raw, err := r.ReadRange(ctx, int64(off), int64(count))
	if err != nil {
		return nil, err
	}

	data, err := h.decompress(raw)
	if err != nil {
		return nil, err
	}

	bytesPerSample := int(h.BitsPerSample) / 8
	rowStride := int(h.TileWidth) * int(h.SamplesPerPixel) * bytesPerSample
	want := rowStride * int(h.TileHeight)
	if len(data) < want {
		return nil, fmt.Errorf("%w: tile %d decoded to %d bytes, want %d",
			types.ErrDecode, idx, len(data), want)
	}

	if h.Predictor == 2 {
		undoHorizontalPredictor(data, h.byteOrder, int(h.TileHeight), rowStride,
			int(h.SamplesPerPixel)*bytesPerSample, bytesPerSample)
	}

	return h.toFloats(data)
}

func (h *Header) decompress(raw []byte) ([]byte, error) {
	switch h.Compression {
	case compressionNone:
		return raw, nil
	case compressionDeflate, compressionOldDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", types.ErrDecode, err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", types.ErrDecode, err)
		}
		return data, nil
	case compressionLZW:
		lr := tifflzw.NewReader(bytes.NewReader(raw), tifflzw.MSB, 8)
		defer lr.Close()
		data, err := io.ReadAll(lr)
		if err != nil {
			return nil, fmt.Errorf("%w: lzw: %v", types.ErrDecode, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression %d", types.ErrDecode, h.Compression)
	}
}

// undoHorizontalPredictor reverses TIFF predictor 2 in place. Sample
// arithmetic follows the file's byte order; carries cross byte
// boundaries for multi-byte samples.
func undoHorizontalPredictor(data []byte, bo binary.ByteOrder, rows, rowStride, pixelStride, bytesPerSample int) {
	for y := 0; y < rows; y++ {
		rowStart := y * rowStride
		if rowStart+rowStride > len(data) {
			break
		}
		row := data[rowStart : rowStart+rowStride]
		switch bytesPerSample {
		case 1:
			for x := pixelStride; x < len(row); x++ {
				row[x] += row[x-pixelStride]
			}
		case 2:
			for x := pixelStride; x+1 < len(row); x += 2 {
				v := bo.Uint16(row[x:]) + bo.Uint16(row[x-pixelStride:])
				bo.PutUint16(row[x:], v)
			}
		case 4:
			for x := pixelStride; x+3 < len(row); x += 4 {
				v := bo.Uint32(row[x:]) + bo.Uint32(row[x-pixelStride:])
				bo.PutUint32(row[x:], v)
			}
		}
	}
}

// toFloats converts raw sample bytes (band 0) into float64 values.
func (h *Header) toFloats(data []byte) ([]float64, error) {
	bps := int(h.BitsPerSample) / 8
	spp := int(h.SamplesPerPixel)
	n := len(data) / (bps * spp)
	out := make([]float64, n)
	bo := h.byteOrder

	for i := 0; i < n; i++ {
		p := data[i*bps*spp:]
		switch {
		case h.SampleFormat == 3 && h.BitsPerSample == 32:
			out[i] = float64(math.Float32frombits(bo.Uint32(p)))
		case h.SampleFormat == 3 && h.BitsPerSample == 64:
			out[i] = math.Float64frombits(bo.Uint64(p))
		case h.SampleFormat == 2 && h.BitsPerSample == 16:
			out[i] = float64(int16(bo.Uint16(p)))
		case h.SampleFormat == 2 && h.BitsPerSample == 32:
			out[i] = float64(int32(bo.Uint32(p)))
		case h.BitsPerSample == 8:
			out[i] = float64(p[0])
		case h.BitsPerSample == 16:
			out[i] = float64(bo.Uint16(p))
		case h.BitsPerSample == 32:
			out[i] = float64(bo.Uint32(p))
		default:
			return nil, fmt.Errorf("%w: unsupported sample format %d/%d bits",
				types.ErrDecode, h.SampleFormat, h.BitsPerSample)
		}
	}
	return out, nil
}

// copyTile copies the overlap of a decoded tile into the window.
func (h *Header) copyTile(win *Window, samples []float64, tileCol, tileRow int) {
	tw := int(h.TileWidth)
	th := int(h.TileHeight)

	startCol := max(win.Col, tileCol)
	endCol := min(win.Col+win.Width, tileCol+tw)
	startRow := max(win.Row, tileRow)
	endRow := min(win.Row+win.Height, tileRow+th)

	for y := startRow; y < endRow; y++ {
		for x := startCol; x < endCol; x++ {
			win.Values[(y-win.Row)*win.Width+(x-win.Col)] = samples[(y-tileRow)*tw+(x-tileCol)]
		}
	}
}
