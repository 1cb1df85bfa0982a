package cog

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pspoerri/rasterband/internal/raster"
)

// TIFF tag IDs.
const (
	tagNewSubfileType     = 254
	tagImageWidth         = 256
	tagImageLength        = 257
	tagBitsPerSample      = 258
	tagCompression        = 259
	tagPhotometric        = 262
	tagStripOffsets       = 273
	tagSamplesPerPixel    = 277
	tagRowsPerStrip       = 278
	tagStripByteCounts    = 279
	tagPlanarConfig       = 284
	tagPredictor          = 317
	tagTileWidth          = 322
	tagTileLength         = 323
	tagTileOffsets        = 324
	tagTileByteCounts     = 325
	tagExtraSamples       = 338
	tagSampleFormat       = 339
	tagJPEGTables         = 347
	tagModelPixelScaleTag = 33550
	tagModelTiepointTag   = 33922
	tagGeoKeyDirectoryTag = 34735
	tagGeoDoubleParamsTag = 34736
	tagGeoAsciiParamsTag  = 34737
	tagGDALMetadata       = 42112
	tagGDALNoData         = 42113
)

// TIFF field types.
const (
	dtByte      = 1
	dtASCII     = 2
	dtShort     = 3
	dtLong      = 4
	dtRational  = 5
	dtSByte     = 6
	dtUndef     = 7
	dtSShort    = 8
	dtSLong     = 9
	dtSRational = 10
	dtFloat     = 11
	dtDouble    = 12
	dtIFD       = 13
	dtLong8     = 16
	dtSLong8    = 17
	dtIFD8      = 18
)

// NewSubfileType bits.
const (
	subfileReduced = 1
	subfileMask    = 4
)

// Limits guarding against corrupt directories.
const (
	maxIFDEntries = 4096
	maxTagBytes   = 256 << 20
	maxIFDs       = 1024
)

// IFD is a parsed TIFF image file directory.
type IFD struct {
	SubfileType     uint32
	Width           uint32
	Height          uint32
	TileWidth       uint32
	TileHeight      uint32
	RowsPerStrip    uint32
	BitsPerSample   []uint16
	SampleFormat    []uint16
	SamplesPerPixel uint16
	Compression     uint16
	Photometric     uint16
	PlanarConfig    uint16
	Predictor       uint16
	ExtraSamples    []uint16
	Offsets         []uint64 // tile or strip offsets
	ByteCounts      []uint64
	JPEGTables      []byte
	ModelTiepoint   []float64
	ModelPixelScale []float64
	GeoKeys         []uint16
	GeoDoubleParams []float64
	GeoAsciiParams  string
	GDALMetadata    string
	NoData          string
	HasNoData       bool
}

// Tiled reports whether the image is stored in tiles rather than strips.
func (ifd *IFD) Tiled() bool { return ifd.TileWidth > 0 && ifd.TileHeight > 0 }

// BlockSize returns the size of one tile, or of one strip.
func (ifd *IFD) BlockSize() (int, int) {
	if ifd.Tiled() {
		return int(ifd.TileWidth), int(ifd.TileHeight)
	}
	rows := ifd.RowsPerStrip
	if rows == 0 || rows > ifd.Height {
		rows = ifd.Height
	}
	return int(ifd.Width), int(rows)
}

// BlocksAcross returns the number of blocks in the horizontal direction.
func (ifd *IFD) BlocksAcross() int {
	bw, _ := ifd.BlockSize()
	return (int(ifd.Width) + bw - 1) / bw
}

// BlocksDown returns the number of blocks in the vertical direction.
func (ifd *IFD) BlocksDown() int {
	_, bh := ifd.BlockSize()
	return (int(ifd.Height) + bh - 1) / bh
}

// Separate reports whether every sample is stored in its own plane.
func (ifd *IFD) Separate() bool { return ifd.PlanarConfig == 2 && ifd.SamplesPerPixel > 1 }

// IsMask reports whether the directory holds a transparency mask.
func (ifd *IFD) IsMask() bool { return ifd.SubfileType&subfileMask != 0 }

// bits returns the sample width, which must be the same for every sample.
func (ifd *IFD) bits() (int, error) {
	if len(ifd.BitsPerSample) == 0 {
		return 1, nil
	}
	b := ifd.BitsPerSample[0]
	for _, o := range ifd.BitsPerSample[1:] {
		if o != b {
			return 0, fmt.Errorf("mixed bits per sample %v: %w", ifd.BitsPerSample, raster.ErrNotSupported)
		}
	}
	return int(b), nil
}

// DataType maps BitsPerSample and SampleFormat onto a band data type. A
// one-bit directory is served as Byte.
func (ifd *IFD) DataType() (raster.DataType, error) {
	bits, err := ifd.bits()
	if err != nil {
		return raster.Unknown, err
	}
	format := uint16(1)
	if len(ifd.SampleFormat) > 0 {
		format = ifd.SampleFormat[0]
	}
	type key struct {
		format uint16
		bits   int
	}
	t, ok := map[key]raster.DataType{
		{1, 1}: raster.Byte, {1, 8}: raster.Byte, {2, 8}: raster.Int8,
		{1, 16}: raster.UInt16, {2, 16}: raster.Int16,
		{1, 32}: raster.UInt32, {2, 32}: raster.Int32,
		{1, 64}: raster.UInt64, {2, 64}: raster.Int64,
		{3, 16}: raster.Float16, {3, 32}: raster.Float32, {3, 64}: raster.Float64,
	}[key{format, bits}]
	if !ok {
		return raster.Unknown, fmt.Errorf("sample format %d with %d bits: %w", format, bits, raster.ErrNotSupported)
	}
	return t, nil
}

// blockIndex returns the offset table index of a block of a plane.
func (ifd *IFD) blockIndex(plane, col, row int) int {
	across, down := ifd.BlocksAcross(), ifd.BlocksDown()
	return plane*across*down + row*across + col
}

// tiffEntry is a raw TIFF directory entry.
type tiffEntry struct {
	Tag      uint16
	DataType uint16
	Count    uint64
	Value    []byte // inline value, or the resolved external data
}

// parseTIFF reads every IFD of a TIFF or BigTIFF file.
func parseTIFF(r io.ReadSeeker) ([]IFD, binary.ByteOrder, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, nil, fmt.Errorf("reading TIFF header: %w", err)
	}

	var bo binary.ByteOrder
	switch string(header[0:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("invalid TIFF byte order: %x", header[0:2])
	}

	magic := bo.Uint16(header[2:4])
	if magic != 42 && magic != 43 {
		return nil, nil, fmt.Errorf("invalid TIFF magic: %d", magic)
	}
	bigTIFF := magic == 43

	var offset uint64
	if bigTIFF {
		// Bytes 4-7 hold the offset size and padding; the first IFD offset follows.
		var next [8]byte
		if _, err := io.ReadFull(r, next[:]); err != nil {
			return nil, nil, fmt.Errorf("reading BigTIFF header: %w", err)
		}
		offset = bo.Uint64(next[:])
	} else {
		offset = uint64(bo.Uint32(header[4:8]))
	}

	var ifds []IFD
	seen := make(map[uint64]bool)
	for offset != 0 {
		if seen[offset] || len(ifds) >= maxIFDs {
			return nil, nil, fmt.Errorf("IFD chain loops at offset %d", offset)
		}
		seen[offset] = true
		ifd, next, err := parseOneIFD(r, bo, offset, bigTIFF)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing IFD at offset %d: %w", offset, err)
		}
		ifds = append(ifds, ifd)
		offset = next
	}
	return ifds, bo, nil
}

func parseOneIFD(r io.ReadSeeker, bo binary.ByteOrder, offset uint64, bigTIFF bool) (IFD, uint64, error) {
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return IFD{}, 0, err
	}

	countSize, entrySize, nextSize := 2, 12, 4
	if bigTIFF {
		countSize, entrySize, nextSize = 8, 20, 8
	}

	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:countSize]); err != nil {
		return IFD{}, 0, err
	}
	n := readUint(bo, buf[:countSize])
	if n > maxIFDEntries {
		return IFD{}, 0, fmt.Errorf("%d directory entries", n)
	}

	entries := make([]tiffEntry, n)
	for i := range entries {
		if _, err := io.ReadFull(r, buf[:entrySize]); err != nil {
			return IFD{}, 0, err
		}
		entries[i] = parseTiffEntry(buf[:entrySize], bo, bigTIFF)
	}

	if _, err := io.ReadFull(r, buf[:nextSize]); err != nil {
		return IFD{}, 0, err
	}
	next := readUint(bo, buf[:nextSize])

	for i := range entries {
		if err := resolveEntry(r, bo, &entries[i], bigTIFF); err != nil {
			return IFD{}, 0, fmt.Errorf("resolving tag %d: %w", entries[i].Tag, err)
		}
	}
	return buildIFD(entries, bo), next, nil
}

func readUint(bo binary.ByteOrder, b []byte) uint64 {
	switch len(b) {
	case 2:
		return uint64(bo.Uint16(b))
	case 4:
		return uint64(bo.Uint32(b))
	}
	return bo.Uint64(b)
}

func parseTiffEntry(buf []byte, bo binary.ByteOrder, bigTIFF bool) tiffEntry {
	e := tiffEntry{Tag: bo.Uint16(buf[0:2]), DataType: bo.Uint16(buf[2:4])}
	if bigTIFF {
		e.Count = bo.Uint64(buf[4:12])
		e.Value = append([]byte(nil), buf[12:20]...)
	} else {
		e.Count = uint64(bo.Uint32(buf[4:8]))
		e.Value = append([]byte(nil), buf[8:12]...)
	}
	return e
}

func dataTypeSize(dt uint16) int {
	switch dt {
	case dtShort, dtSShort:
		return 2
	case dtLong, dtSLong, dtFloat, dtIFD:
		return 4
	case dtRational, dtSRational, dtDouble, dtLong8, dtSLong8, dtIFD8:
		return 8
	}
	return 1
}

// resolveEntry replaces the value field of an entry whose data does not fit
// inline with the data it points to.
func resolveEntry(r io.ReadSeeker, bo binary.ByteOrder, e *tiffEntry, bigTIFF bool) error {
	size := e.Count * uint64(dataTypeSize(e.DataType))
	if size > maxTagBytes {
		return fmt.Errorf("%d bytes of tag data", size)
	}
	if size <= uint64(len(e.Value)) {
		e.Value = e.Value[:size]
		return nil
	}
	dataOffset := readUint(bo, e.Value)
	if !bigTIFF {
		dataOffset = uint64(bo.Uint32(e.Value))
	}
	if _, err := r.Seek(int64(dataOffset), io.SeekStart); err != nil {
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	e.Value = data
	return nil
}

func buildIFD(entries []tiffEntry, bo binary.ByteOrder) IFD {
	ifd := IFD{SamplesPerPixel: 1, PlanarConfig: 1, Compression: 1, Predictor: 1}
	var stripOffsets, stripCounts, tileOffsets, tileCounts []uint64

	for _, e := range entries {
		switch e.Tag {
		case tagNewSubfileType:
			ifd.SubfileType = uint32(getUint(e, bo))
		case tagImageWidth:
			ifd.Width = uint32(getUint(e, bo))
		case tagImageLength:
			ifd.Height = uint32(getUint(e, bo))
		case tagTileWidth:
			ifd.TileWidth = uint32(getUint(e, bo))
		case tagTileLength:
			ifd.TileHeight = uint32(getUint(e, bo))
		case tagRowsPerStrip:
			ifd.RowsPerStrip = uint32(getUint(e, bo))
		case tagBitsPerSample:
			ifd.BitsPerSample = getUint16Slice(e, bo)
		case tagSampleFormat:
			ifd.SampleFormat = getUint16Slice(e, bo)
		case tagSamplesPerPixel:
			ifd.SamplesPerPixel = uint16(getUint(e, bo))
		case tagCompression:
			ifd.Compression = uint16(getUint(e, bo))
		case tagPhotometric:
			ifd.Photometric = uint16(getUint(e, bo))
		case tagPlanarConfig:
			ifd.PlanarConfig = uint16(getUint(e, bo))
		case tagPredictor:
			ifd.Predictor = uint16(getUint(e, bo))
		case tagExtraSamples:
			ifd.ExtraSamples = getUint16Slice(e, bo)
		case tagStripOffsets:
			stripOffsets = getUint64Slice(e, bo)
		case tagStripByteCounts:
			stripCounts = getUint64Slice(e, bo)
		case tagTileOffsets:
			tileOffsets = getUint64Slice(e, bo)
		case tagTileByteCounts:
			tileCounts = getUint64Slice(e, bo)
		case tagJPEGTables:
			ifd.JPEGTables = append([]byte(nil), e.Value...)
		case tagModelTiepointTag:
			ifd.ModelTiepoint = getFloat64Slice(e, bo)
		case tagModelPixelScaleTag:
			ifd.ModelPixelScale = getFloat64Slice(e, bo)
		case tagGeoKeyDirectoryTag:
			ifd.GeoKeys = getUint16Slice(e, bo)
		case tagGeoDoubleParamsTag:
			ifd.GeoDoubleParams = getFloat64Slice(e, bo)
		case tagGeoAsciiParamsTag:
			ifd.GeoAsciiParams = asciiValue(e)
		case tagGDALMetadata:
			ifd.GDALMetadata = asciiValue(e)
		case tagGDALNoData:
			ifd.NoData, ifd.HasNoData = asciiValue(e), true
		}
	}
	if ifd.Tiled() {
		ifd.Offsets, ifd.ByteCounts = tileOffsets, tileCounts
	} else {
		ifd.Offsets, ifd.ByteCounts = stripOffsets, stripCounts
	}
	return ifd
}

// asciiValue returns an ASCII tag without its NUL terminator.
func asciiValue(e tiffEntry) string {
	v := e.Value
	for len(v) > 0 && v[len(v)-1] == 0 {
		v = v[:len(v)-1]
	}
	return string(v)
}

func getUint(e tiffEntry, bo binary.ByteOrder) uint64 {
	if len(e.Value) == 0 {
		return 0
	}
	switch e.DataType {
	case dtShort, dtSShort:
		return uint64(bo.Uint16(e.Value))
	case dtLong, dtSLong, dtIFD:
		return uint64(bo.Uint32(e.Value))
	case dtLong8, dtSLong8, dtIFD8:
		return bo.Uint64(e.Value)
	}
	return uint64(e.Value[0])
}

func getUint16Slice(e tiffEntry, bo binary.ByteOrder) []uint16 {
	out := make([]uint16, 0, e.Count)
	for _, v := range getUint64Slice(e, bo) {
		out = append(out, uint16(v))
	}
	return out
}

func getUint64Slice(e tiffEntry, bo binary.ByteOrder) []uint64 {
	size := dataTypeSize(e.DataType)
	n := len(e.Value) / size
	out := make([]uint64, n)
	for i := range out {
		v := e.Value[i*size : (i+1)*size]
		switch e.DataType {
		case dtShort, dtSShort:
			out[i] = uint64(bo.Uint16(v))
		case dtLong, dtSLong, dtIFD:
			out[i] = uint64(bo.Uint32(v))
		case dtLong8, dtSLong8, dtIFD8:
			out[i] = bo.Uint64(v)
		default:
			out[i] = uint64(v[0])
		}
	}
	return out
}

func getFloat64Slice(e tiffEntry, bo binary.ByteOrder) []float64 {
	size := dataTypeSize(e.DataType)
	n := len(e.Value) / size
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v := e.Value[i*size : (i+1)*size]
		switch e.DataType {
		case dtDouble:
			out = append(out, math.Float64frombits(bo.Uint64(v)))
		case dtFloat:
			out = append(out, float64(math.Float32frombits(bo.Uint32(v))))
		}
	}
	return out
}
