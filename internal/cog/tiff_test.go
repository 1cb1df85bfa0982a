package cog

import (
	"bytes"
	"encoding/binary"
	"math"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/rasterband/internal/blockcache"
	"github.com/pspoerri/rasterband/internal/config"
	"github.com/pspoerri/rasterband/internal/raster"
)

// order is a byte order that can also append.
type order interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// field is one directory entry of a synthesized TIFF.
type field struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(bo order, tag uint16, vals ...uint16) field {
	var b []byte
	for _, v := range vals {
		b = bo.AppendUint16(b, v)
	}
	return field{tag, dtShort, uint32(len(vals)), b}
}

func longs(bo order, tag uint16, vals ...uint32) field {
	var b []byte
	for _, v := range vals {
		b = bo.AppendUint32(b, v)
	}
	return field{tag, dtLong, uint32(len(vals)), b}
}

func doubles(bo order, tag uint16, vals ...float64) field {
	var b []byte
	for _, v := range vals {
		b = bo.AppendUint64(b, math.Float64bits(v))
	}
	return field{tag, dtDouble, uint32(len(vals)), b}
}

func ascii(tag uint16, s string) field {
	return field{tag, dtASCII, uint32(len(s) + 1), append([]byte(s), 0)}
}

// testImage is one directory: its tags and its stored blocks in offset
// table order.
type testImage struct {
	fields []field
	blocks [][]byte
	tiled  bool
}

// buildTIFF lays out a classic TIFF: header, then for every directory its
// blocks, the directory and its out-of-line values.
func buildTIFF(bo order, images ...testImage) []byte {
	var out []byte
	if bo == binary.LittleEndian {
		out = []byte("II")
	} else {
		out = []byte("MM")
	}
	out = bo.AppendUint16(out, 42)
	out = bo.AppendUint32(out, 0)
	next := 4
	for _, img := range images {
		offsets := make([]uint32, len(img.blocks))
		counts := make([]uint32, len(img.blocks))
		for i, blk := range img.blocks {
			offsets[i], counts[i] = uint32(len(out)), uint32(len(blk))
			out = append(out, blk...)
		}
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		offTag, cntTag := uint16(tagStripOffsets), uint16(tagStripByteCounts)
		if img.tiled {
			offTag, cntTag = tagTileOffsets, tagTileByteCounts
		}
		fields := append(append([]field(nil), img.fields...), longs(bo, offTag, offsets...), longs(bo, cntTag, counts...))
		sort.Slice(fields, func(i, j int) bool { return fields[i].tag < fields[j].tag })

		ifdOff := len(out)
		bo.PutUint32(out[next:], uint32(ifdOff))
		ext := ifdOff + 2 + 12*len(fields) + 4
		var extData []byte
		out = bo.AppendUint16(out, uint16(len(fields)))
		for _, f := range fields {
			out = bo.AppendUint16(out, f.tag)
			out = bo.AppendUint16(out, f.typ)
			out = bo.AppendUint32(out, f.count)
			if len(f.data) <= 4 {
				v := make([]byte, 4)
				copy(v, f.data)
				out = append(out, v...)
				continue
			}
			out = bo.AppendUint32(out, uint32(ext+len(extData)))
			extData = append(extData, f.data...)
			if len(extData)%2 == 1 {
				extData = append(extData, 0)
			}
		}
		next = len(out)
		out = bo.AppendUint32(out, 0)
		out = append(out, extData...)
	}
	return out
}

// encoder turns sample values into stored block bytes.
type encoder struct {
	bo          order
	t           raster.DataType
	compression uint16
	predictor   uint16
}

func putLE(t raster.DataType, b []byte, v float64) {
	le := binary.LittleEndian
	switch t {
	case raster.Byte:
		b[0] = byte(v)
	case raster.Int8:
		b[0] = byte(int8(v))
	case raster.UInt16:
		le.PutUint16(b, uint16(v))
	case raster.Int16:
		le.PutUint16(b, uint16(int16(v)))
	case raster.UInt32:
		le.PutUint32(b, uint32(v))
	case raster.Int32:
		le.PutUint32(b, uint32(int32(v)))
	case raster.Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case raster.Float64:
		le.PutUint64(b, math.Float64bits(v))
	}
}

// block encodes width×rows pixels of samples interleaved values.
func (e encoder) block(t *testing.T, vals []float64, width, rows, samples int) []byte {
	t.Helper()
	size := e.t.Size()
	b := make([]byte, len(vals)*size)
	for i, v := range vals {
		putLE(e.t, b[i*size:], v)
	}
	n := width * samples
	switch e.predictor {
	case predictorHorizontal:
		le := binary.LittleEndian
		for y := 0; y < rows; y++ {
			row := b[y*n*size : (y+1)*n*size]
			for i := n - 1; i >= samples; i-- {
				cur, prev := i*size, (i-samples)*size
				switch size {
				case 1:
					row[cur] -= row[prev]
				case 2:
					le.PutUint16(row[cur:], le.Uint16(row[cur:])-le.Uint16(row[prev:]))
				case 4:
					le.PutUint32(row[cur:], le.Uint32(row[cur:])-le.Uint32(row[prev:]))
				}
			}
		}
		if e.bo == binary.BigEndian {
			swapBytes(b, size)
		}
	case predictorFloatingPoint:
		for y := 0; y < rows; y++ {
			row := b[y*n*size : (y+1)*n*size]
			tmp := make([]byte, len(row))
			for i := 0; i < n; i++ {
				for k := 0; k < size; k++ {
					tmp[(size-1-k)*n+i] = row[i*size+k]
				}
			}
			for i := len(tmp) - 1; i >= samples; i-- {
				tmp[i] -= tmp[i-samples]
			}
			copy(row, tmp)
		}
	default:
		if e.bo == binary.BigEndian {
			swapBytes(b, size)
		}
	}
	return compress(t, e.compression, b)
}

func compress(t *testing.T, c uint16, b []byte) []byte {
	t.Helper()
	switch c {
	case compressionDeflate:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write(b)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		return buf.Bytes()
	case compressionZSTD:
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		defer enc.Close()
		return enc.EncodeAll(b, nil)
	case compressionPackBits:
		// Literal runs only.
		var out []byte
		for len(b) > 0 {
			n := min(len(b), 128)
			out = append(out, byte(n-1))
			out = append(out, b[:n]...)
			b = b[n:]
		}
		return out
	}
	return b
}

// sampleFields returns the tags describing samples of type t.
func sampleFields(bo order, t raster.DataType, samples int) []field {
	bits := make([]uint16, samples)
	formats := make([]uint16, samples)
	for i := range bits {
		bits[i] = uint16(t.Bits())
		switch {
		case t.IsFloat():
			formats[i] = 3
		case t.IsSigned():
			formats[i] = 2
		default:
			formats[i] = 1
		}
	}
	return []field{
		shorts(bo, tagBitsPerSample, bits...),
		shorts(bo, tagSampleFormat, formats...),
		shorts(bo, tagSamplesPerPixel, uint16(samples)),
	}
}

// tiledImage encodes a tiled single-sample image of fn(x, y).
func tiledImage(t *testing.T, e encoder, w, h, tw, th int, fn func(x, y int) float64, extra ...field) testImage {
	t.Helper()
	img := testImage{tiled: true, fields: append([]field{
		longs(e.bo, tagImageWidth, uint32(w)),
		longs(e.bo, tagImageLength, uint32(h)),
		shorts(e.bo, tagTileWidth, uint16(tw)),
		shorts(e.bo, tagTileLength, uint16(th)),
		shorts(e.bo, tagCompression, e.compression),
		shorts(e.bo, tagPredictor, max(1, e.predictor)),
		shorts(e.bo, tagPhotometric, 1),
	}, append(sampleFields(e.bo, e.t, 1), extra...)...)}
	for row := 0; row*th < h; row++ {
		for col := 0; col*tw < w; col++ {
			vals := make([]float64, tw*th)
			for y := 0; y < th; y++ {
				for x := 0; x < tw; x++ {
					if gx, gy := col*tw+x, row*th+y; gx < w && gy < h {
						vals[y*tw+x] = fn(gx, gy)
					}
				}
			}
			img.blocks = append(img.blocks, e.block(t, vals, tw, th, 1))
		}
	}
	return img
}

// openBytesOptions gives a dataset an isolated cache.
func openBytesOptions() []raster.DatasetOption {
	cfg := config.Config{CacheStrategy: "AUTO", CacheMax: 16 << 20, StatsTargetSamples: config.DefaultStatsTargetSamples}
	return []raster.DatasetOption{
		raster.WithRegistry(blockcache.NewRegistry(blockcache.WithMaxBytes(16 << 20))),
		raster.WithConfig(cfg),
	}
}

// openBytes opens an in-memory TIFF as a dataset.
func openBytes(t *testing.T, data []byte, opts ...Option) *raster.Dataset {
	t.Helper()
	opts = append([]Option{WithDatasetOptions(openBytesOptions()...)}, opts...)
	f, err := ParseSource(BytesSource(data), "mem.tif", opts...)
	require.NoError(t, err)
	ds, err := f.Dataset(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func readAll(t *testing.T, b *raster.Band) []float64 {
	t.Helper()
	w, h := b.Width(), b.Height()
	buf := make([]byte, w*h*8)
	require.NoError(t, b.RasterIO(raster.Read, 0, 0, w, h, buf, w, h, raster.Float64, 0, 0, nil))
	out := make([]float64, w*h)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}
