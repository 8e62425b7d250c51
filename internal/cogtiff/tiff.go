// Package cogtiff parses cloud-optimized GeoTIFF structure over ranged
// reads and decodes pixel windows out of individual tiles. Only the
// full-resolution IFD is used; overviews are ignored because the service
// always samples at native resolution.
package cogtiff

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// RangeReader fetches a byte range of a remote object.
type RangeReader interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// headerFetch is the initial range request size. COG layout places the
// IFD and tile offset arrays at the front of the file, so one request
// normally suffices; stragglers trigger follow-up ranges.
const headerFetch = 64 * 1024

// TIFF tag ids used by the parser.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagGDALNoData      = 42113
)

// Compression codes supported by the decoder.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionOldDeflate = 32946
)

// Header is the decoded raster layout of a COG's full-resolution page.
// Strip-based files are promoted to a virtual tile layout (one strip per
// tile) so the read path is uniform.
type Header struct {
	Width, Height   uint32
	TileWidth       uint32
	TileHeight      uint32
	TileOffsets     []uint64
	TileByteCounts  []uint64
	Compression     uint16
	Predictor       uint16
	BitsPerSample   uint16
	SampleFormat    uint16
	SamplesPerPixel uint16
	NoData          float64
	HasNoData       bool

	byteOrder binary.ByteOrder
}

// SizeBytes approximates the in-memory footprint, for cache accounting.
func (h *Header) SizeBytes() int {
	return 96 + 16*len(h.TileOffsets)
}

// tilesAcross returns the number of tile columns.
func (h *Header) tilesAcross() int {
	return int((h.Width + h.TileWidth - 1) / h.TileWidth)
}

// ParseHeader reads and validates the first IFD of a (Big)TIFF.
func ParseHeader(ctx context.Context, r RangeReader) (*Header, error) {
	buf, err := r.ReadRange(ctx, 0, headerFetch)
	if err != nil {
		return nil, err
	}
	if len(buf) < 16 {
		return nil, fmt.Errorf("%w: truncated TIFF header", types.ErrDecode)
	}

	src := &rangedBytes{ctx: ctx, r: r, base: buf}

	var bo binary.ByteOrder
	switch {
	case buf[0] == 'I' && buf[1] == 'I':
		bo = binary.LittleEndian
	case buf[0] == 'M' && buf[1] == 'M':
		bo = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: not a TIFF file", types.ErrDecode)
	}

	magic := bo.Uint16(buf[2:4])
	var (
		big      bool
		ifdStart uint64
	)
	switch magic {
	case 42:
		ifdStart = uint64(bo.Uint32(buf[4:8]))
	case 43:
		big = true
		if bo.Uint16(buf[4:6]) != 8 {
			return nil, fmt.Errorf("%w: unsupported BigTIFF offset size", types.ErrDecode)
		}
		ifdStart = bo.Uint64(buf[8:16])
	default:
		return nil, fmt.Errorf("%w: bad TIFF magic %d", types.ErrDecode, magic)
	}

	h := &Header{
		byteOrder:       bo,
		Compression:     compressionNone,
		Predictor:       1,
		BitsPerSample:   1,
		SampleFormat:    1,
		SamplesPerPixel: 1,
	}
	var (
		stripOffsets, stripCounts []uint64
		rowsPerStrip              uint64
	)

	entrySize := 12
	countSize := 2
	if big {
		entrySize = 20
		countSize = 8
	}

	head, err := src.read(ifdStart, uint64(countSize))
	if err != nil {
		return nil, err
	}
	var numEntries uint64
	if big {
		numEntries = bo.Uint64(head)
	} else {
		numEntries = uint64(bo.Uint16(head))
	}
	if numEntries == 0 || numEntries > 4096 {
		return nil, fmt.Errorf("%w: implausible IFD entry count %d", types.ErrDecode, numEntries)
	}

	entries, err := src.read(ifdStart+uint64(countSize), numEntries*uint64(entrySize))
	if err != nil {
		return nil, err
	}

	for i := uint64(0); i < numEntries; i++ {
		ent := entries[i*uint64(entrySize) : (i+1)*uint64(entrySize)]
		tag := bo.Uint16(ent[0:2])
		typ := bo.Uint16(ent[2:4])

		switch tag {
		case tagImageWidth:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.Width = uint32(v)
		case tagImageLength:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.Height = uint32(v)
		case tagBitsPerSample:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.BitsPerSample = uint16(v)
		case tagCompression:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.Compression = uint16(v)
		case tagPredictor:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.Predictor = uint16(v)
		case tagSamplesPerPixel:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.SamplesPerPixel = uint16(v)
		case tagSampleFormat:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.SampleFormat = uint16(v)
		case tagTileWidth:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.TileWidth = uint32(v)
		case tagTileLength:
			v, err := firstValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			h.TileHeight = uint32(v)
		case tagTileOffsets:
			if h.TileOffsets, err = allValues(src, ent, bo, big, typ); err != nil {
				return nil, err
			}
		case tagTileByteCounts:
			if h.TileByteCounts, err = allValues(src, ent, bo, big, typ); err != nil {
				return nil, err
			}
		case tagStripOffsets:
			if stripOffsets, err = allValues(src, ent, bo, big, typ); err != nil {
				return nil, err
			}
		case tagStripByteCounts:
			if stripCounts, err = allValues(src, ent, bo, big, typ); err != nil {
				return nil, err
			}
		case tagRowsPerStrip:
			if rowsPerStrip, err = firstValue(src, ent, bo, big, typ); err != nil {
				return nil, err
			}
		case tagGDALNoData:
			s, err := asciiValue(src, ent, bo, big, typ)
			if err != nil {
				return nil, err
			}
			if v, perr := strconv.ParseFloat(strings.TrimSpace(s), 64); perr == nil {
				h.NoData = v
				h.HasNoData = true
			}
		}
	}

	if h.Width == 0 || h.Height == 0 {
		return nil, fmt.Errorf("%w: missing raster dimensions", types.ErrDecode)
	}

	// Strip layout: promote each strip to a full-width virtual tile.
	if h.TileWidth == 0 || h.TileHeight == 0 {
		if len(stripOffsets) == 0 {
			return nil, fmt.Errorf("%w: no tile or strip layout", types.ErrDecode)
		}
		if rowsPerStrip == 0 {
			rowsPerStrip = uint64(h.Height)
		}
		h.TileWidth = h.Width
		h.TileHeight = uint32(rowsPerStrip)
		h.TileOffsets = stripOffsets
		h.TileByteCounts = stripCounts
	}

	switch h.Compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionOldDeflate:
	default:
		return nil, fmt.Errorf("%w: unsupported compression %d", types.ErrDecode, h.Compression)
	}
	if h.Predictor != 1 && h.Predictor != 2 {
		return nil, fmt.Errorf("%w: unsupported predictor %d", types.ErrDecode, h.Predictor)
	}
	switch h.BitsPerSample {
	case 8, 16, 32, 64:
	default:
		return nil, fmt.Errorf("%w: unsupported bits per sample %d", types.ErrDecode, h.BitsPerSample)
	}
	if len(h.TileOffsets) == 0 || len(h.TileOffsets) != len(h.TileByteCounts) {
		return nil, fmt.Errorf("%w: inconsistent tile tables", types.ErrDecode)
	}
	return h, nil
}

// rangedBytes serves absolute reads out of the initial header fetch,
// falling back to extra range requests for data past it.
type rangedBytes struct {
	ctx  context.Context
	r    RangeReader
	base []byte
}

func (s *rangedBytes) read(off, length uint64) ([]byte, error) {
	if off+length <= uint64(len(s.base)) {
		return s.base[off : off+length], nil
	}
	return s.r.ReadRange(s.ctx, int64(off), int64(length))
}

// typeSize returns the byte width of a TIFF field type.
func typeSize(typ uint16) uint64 {
	switch typ {
	case 1, 2, 6, 7: // BYTE, ASCII, SBYTE, UNDEFINED
		return 1
	case 3, 8: // SHORT, SSHORT
		return 2
	case 4, 9, 11: // LONG, SLONG, FLOAT
		return 4
	case 5, 10, 12, 16, 17: // RATIONAL, SRATIONAL, DOUBLE, LONG8, SLONG8
		return 8
	default:
		return 0
	}
}

// entryLayout extracts (count, inline value bytes or offset) from an IFD
// entry for either TIFF flavor.
func entryLayout(ent []byte, bo binary.ByteOrder, big bool) (count uint64, value []byte) {
	if big {
		return bo.Uint64(ent[4:12]), ent[12:20]
	}
	return uint64(bo.Uint32(ent[4:8])), ent[8:12]
}

func decodeValues(data []byte, bo binary.ByteOrder, typ uint16, count uint64) ([]uint64, error) {
	sz := typeSize(typ)
	if sz == 0 {
		return nil, fmt.Errorf("%w: unsupported TIFF field type %d", types.ErrDecode, typ)
	}
	out := make([]uint64, count)
	for i := uint64(0); i < count; i++ {
		chunk := data[i*sz : (i+1)*sz]
		switch sz {
		case 1:
			out[i] = uint64(chunk[0])
		case 2:
			out[i] = uint64(bo.Uint16(chunk))
		case 4:
			out[i] = uint64(bo.Uint32(chunk))
		case 8:
			out[i] = bo.Uint64(chunk)
		}
	}
	return out, nil
}

func allValues(src *rangedBytes, ent []byte, bo binary.ByteOrder, big bool, typ uint16) ([]uint64, error) {
	count, value := entryLayout(ent, bo, big)
	sz := typeSize(typ)
	if sz == 0 {
		return nil, fmt.Errorf("%w: unsupported TIFF field type %d", types.ErrDecode, typ)
	}
	total := count * sz
	inline := uint64(len(value))
	var data []byte
	if total <= inline {
		data = value
	} else {
		var off uint64
		if big {
			off = bo.Uint64(value)
		} else {
			off = uint64(bo.Uint32(value))
		}
		var err error
		if data, err = src.read(off, total); err != nil {
			return nil, err
		}
	}
	return decodeValues(data, bo, typ, count)
}

func firstValue(src *rangedBytes, ent []byte, bo binary.ByteOrder, big bool, typ uint16) (uint64, error) {
	vals, err := allValues(src, ent, bo, big, typ)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("%w: empty TIFF field", types.ErrDecode)
	}
	return vals[0], nil
}

func asciiValue(src *rangedBytes, ent []byte, bo binary.ByteOrder, big bool, typ uint16) (string, error) {
	count, value := entryLayout(ent, bo, big)
	inline := uint64(len(value))
	var data []byte
	if count <= inline {
		data = value[:count]
	} else {
		var off uint64
		if big {
			off = bo.Uint64(value)
		} else {
			off = uint64(bo.Uint32(value))
		}
		var err error
		if data, err = src.read(off, count); err != nil {
			return "", err
		}
	}
	return strings.TrimRight(string(data), "\x00"), nil
}
