package cog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"

	"github.com/pspoerri/rasterband/internal/raster"
)

// TIFF compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionJPEG        = 7
	compressionDeflate     = 8
	compressionPackBits    = 32773
	compressionDeflateOld  = 32946
	compressionZSTD        = 50000
	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3
)

// CompressionName returns the name GDAL reports for a TIFF compression.
func CompressionName(c uint16) string {
	switch c {
	case compressionNone:
		return "NONE"
	case compressionLZW:
		return "LZW"
	case compressionJPEG:
		return "JPEG"
	case compressionDeflate, compressionDeflateOld:
		return "DEFLATE"
	case compressionPackBits:
		return "PACKBITS"
	case compressionZSTD:
		return "ZSTD"
	}
	return fmt.Sprintf("COMPRESSION_%d", c)
}

// zstdDecoder is shared by every file; DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// layout describes the decoded form of one block.
type layout struct {
	width, height int // block size
	rows          int // rows present in the stored block
	samples       int // interleaved samples per pixel
	bits          int
	bigEndian     bool
	predictor     uint16
	compression   uint16
	jpegTables    []byte
}

func (l layout) rowBytes() int {
	if l.bits < 8 {
		return (l.width*l.samples*l.bits + 7) / 8
	}
	return l.width * l.samples * l.bits / 8
}

// sampleBytes is the size of a decoded sample; sub-byte samples expand to
// one byte each.
func (l layout) sampleBytes() int { return max(1, l.bits/8) }

// decodedSize is the size of a full decoded block.
func (l layout) decodedSize() int { return l.width * l.height * l.samples * l.sampleBytes() }

// decodeBlock turns the stored bytes of one block into little-endian
// interleaved samples covering the whole block.
func decodeBlock(l layout, raw []byte) ([]byte, error) {
	if l.compression == compressionJPEG {
		return decodeJPEG(l, raw)
	}
	stored := l.rowBytes() * l.rows
	data, err := decompress(l.compression, raw, stored)
	if err != nil {
		return nil, err
	}
	if len(data) < stored {
		// Truncated blocks decode as far as they go.
		data = append(data, make([]byte, stored-len(data))...)
	}
	data = data[:stored]

	switch {
	case l.bits < 8:
		data = unpackBits(data, l)
	case l.predictor == predictorFloatingPoint:
		if err := undoFloatPredictor(data, l); err != nil {
			return nil, err
		}
	default:
		if l.bigEndian {
			swapBytes(data, l.bits/8)
		}
		if l.predictor == predictorHorizontal {
			undoHorizontalPredictor(data, l)
		} else if l.predictor != predictorNone {
			return nil, fmt.Errorf("predictor %d: %w", l.predictor, raster.ErrNotSupported)
		}
	}

	out := make([]byte, l.decodedSize())
	copy(out, data)
	return out, nil
}

// decompress inflates one block. expected is a size hint.
func decompress(compression uint16, data []byte, expected int) ([]byte, error) {
	switch compression {
	case compressionNone:
		return data, nil
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer rc.Close()
		return readAtMost(rc, expected, "LZW")
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("deflate header: %w", err)
		}
		defer zr.Close()
		return readAtMost(zr, expected, "deflate")
	case compressionZSTD:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, expected))
		if err != nil {
			return nil, fmt.Errorf("decompressing zstd block: %w", err)
		}
		return out, nil
	case compressionPackBits:
		return unpackPackBits(data, expected)
	}
	return nil, fmt.Errorf("compression %d: %w", compression, raster.ErrNotSupported)
}

// readAtMost reads up to n bytes. Trailing garbage after a complete block
// is ignored, as is a stream cut short after it.
func readAtMost(r io.Reader, n int, codec string) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decompressing %s block: %w", codec, err)
	}
	return buf[:got], nil
}

// unpackPackBits decodes Apple PackBits run-length data.
func unpackPackBits(src []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	for i := 0; i < len(src) && len(out) < expected; {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, fmt.Errorf("packbits literal run past end of data: %w", raster.ErrIOFailure)
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, fmt.Errorf("packbits repeat run past end of data: %w", raster.ErrIOFailure)
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}

func swapBytes(b []byte, size int) {
	switch size {
	case 2:
		for i := 0; i+1 < len(b); i += 2 {
			b[i], b[i+1] = b[i+1], b[i]
		}
	case 4:
		for i := 0; i+3 < len(b); i += 4 {
			b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
		}
	case 8:
		for i := 0; i+7 < len(b); i += 8 {
			for k := 0; k < 4; k++ {
				b[i+k], b[i+7-k] = b[i+7-k], b[i+k]
			}
		}
	}
}

// undoHorizontalPredictor integrates little-endian samples along each row.
func undoHorizontalPredictor(b []byte, l layout) {
	size := l.bits / 8
	rowSamples := l.width * l.samples
	le := binary.LittleEndian
	for y := 0; y < l.rows; y++ {
		row := b[y*rowSamples*size : (y+1)*rowSamples*size]
		for i := l.samples; i < rowSamples; i++ {
			cur, prev := i*size, (i-l.samples)*size
			switch size {
			case 1:
				row[cur] += row[prev]
			case 2:
				le.PutUint16(row[cur:], le.Uint16(row[cur:])+le.Uint16(row[prev:]))
			case 4:
				le.PutUint32(row[cur:], le.Uint32(row[cur:])+le.Uint32(row[prev:]))
			case 8:
				le.PutUint64(row[cur:], le.Uint64(row[cur:])+le.Uint64(row[prev:]))
			}
		}
	}
}

// undoFloatPredictor reverses the byte-plane split and differencing of
// floating point predictor rows. Planes run from the most significant
// byte, whatever the file byte order.
func undoFloatPredictor(b []byte, l layout) error {
	size := l.bits / 8
	if size != 2 && size != 4 && size != 8 {
		return fmt.Errorf("floating point predictor on %d-bit samples: %w", l.bits, raster.ErrNotSupported)
	}
	n := l.width * l.samples
	rowBytes := n * size
	tmp := make([]byte, rowBytes)
	for y := 0; y < l.rows; y++ {
		row := b[y*rowBytes : (y+1)*rowBytes]
		for i := l.samples; i < rowBytes; i++ {
			row[i] += row[i-l.samples]
		}
		copy(tmp, row)
		for i := 0; i < n; i++ {
			for k := 0; k < size; k++ {
				row[i*size+k] = tmp[(size-1-k)*n+i]
			}
		}
	}
	return nil
}

// unpackBits expands MSB-first sub-byte samples to one byte per sample.
func unpackBits(b []byte, l layout) []byte {
	n := l.width * l.samples
	out := make([]byte, n*l.rows)
	mask := byte(1<<l.bits - 1)
	for y := 0; y < l.rows; y++ {
		row := b[y*l.rowBytes():]
		for i := 0; i < n; i++ {
			bit := i * l.bits
			out[y*n+i] = row[bit/8] >> (8 - l.bits - bit%8) & mask
		}
	}
	return out
}

// decodeJPEG decodes a JPEG block, merging the shared JPEGTables stream.
func decodeJPEG(l layout, data []byte) ([]byte, error) {
	if l.bits != 8 {
		return nil, fmt.Errorf("%d-bit JPEG: %w", l.bits, raster.ErrNotSupported)
	}
	if tables := l.jpegTables; len(tables) > 0 {
		// Drop the tables' EOI and the block's SOI.
		if len(tables) >= 2 && tables[len(tables)-2] == 0xFF && tables[len(tables)-1] == 0xD9 {
			tables = tables[:len(tables)-2]
		}
		if len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8 {
			data = data[2:]
		}
		data = append(append(make([]byte, 0, len(tables)+len(data)), tables...), data...)
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding JPEG block: %w", err)
	}

	out := make([]byte, l.decodedSize())
	b := img.Bounds()
	w, h := min(b.Dx(), l.width), min(b.Dy(), l.height)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := (y*l.width + x) * l.samples
			if l.samples == 1 {
				out[off] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
				continue
			}
			c := jpegPixel(img, b.Min.X+x, b.Min.Y+y)
			copy(out[off:off+min(l.samples, 3)], c[:])
		}
	}
	return out, nil
}

func jpegPixel(img image.Image, x, y int) [3]byte {
	if yc, ok := img.(*image.YCbCr); ok {
		c := yc.YCbCrAt(x, y)
		r, g, b := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
		return [3]byte{r, g, b}
	}
	r, g, b, _ := img.At(x, y).RGBA()
	return [3]byte{byte(r >> 8), byte(g >> 8), byte(b >> 8)}
}
