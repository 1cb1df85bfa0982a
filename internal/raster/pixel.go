package raster

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

var le = binary.LittleEndian

// f16Round rounds v to the nearest float16 and widens it back.
func f16Round(v float64) float32 {
	return float16.Fromfloat32(float32(v)).Float32()
}

// loadFloat reads the pixel at byte offset off as float64.
func loadFloat(t DataType, b []byte, off int) float64 {
	switch t {
	case Byte:
		return float64(b[off])
	case Int8:
		return float64(int8(b[off]))
	case UInt16:
		return float64(le.Uint16(b[off:]))
	case Int16:
		return float64(int16(le.Uint16(b[off:])))
	case UInt32:
		return float64(le.Uint32(b[off:]))
	case Int32:
		return float64(int32(le.Uint32(b[off:])))
	case UInt64:
		return float64(le.Uint64(b[off:]))
	case Int64:
		return float64(int64(le.Uint64(b[off:])))
	case Float16:
		return float64(float16.Frombits(le.Uint16(b[off:])).Float32())
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b[off:])))
	case Float64:
		return math.Float64frombits(le.Uint64(b[off:]))
	}
	return 0
}

// loadInt reads an integer pixel. Unsigned types return the value in u with
// unsigned set; signed types return it in s.
func loadInt(t DataType, b []byte, off int) (s int64, u uint64, unsigned bool) {
	switch t {
	case Byte:
		return 0, uint64(b[off]), true
	case UInt16:
		return 0, uint64(le.Uint16(b[off:])), true
	case UInt32:
		return 0, uint64(le.Uint32(b[off:])), true
	case UInt64:
		return 0, le.Uint64(b[off:]), true
	case Int8:
		return int64(int8(b[off])), 0, false
	case Int16:
		return int64(int16(le.Uint16(b[off:]))), 0, false
	case Int32:
		return int64(int32(le.Uint32(b[off:]))), 0, false
	case Int64:
		return int64(le.Uint64(b[off:])), 0, false
	}
	return 0, 0, false
}

// storeUint writes an unsigned value into an integer pixel, clamping.
func storeUint(t DataType, b []byte, off int, u uint64) {
	switch t {
	case Byte:
		b[off] = byte(min(u, math.MaxUint8))
	case UInt16:
		le.PutUint16(b[off:], uint16(min(u, math.MaxUint16)))
	case UInt32:
		le.PutUint32(b[off:], uint32(min(u, math.MaxUint32)))
	case UInt64:
		le.PutUint64(b[off:], u)
	case Int8:
		b[off] = byte(int8(min(u, math.MaxInt8)))
	case Int16:
		le.PutUint16(b[off:], uint16(int16(min(u, math.MaxInt16))))
	case Int32:
		le.PutUint32(b[off:], uint32(int32(min(u, math.MaxInt32))))
	case Int64:
		le.PutUint64(b[off:], uint64(int64(min(u, math.MaxInt64))))
	}
}

// storeInt writes a signed value into an integer pixel, clamping.
func storeInt(t DataType, b []byte, off int, s int64) {
	if s >= 0 {
		storeUint(t, b, off, uint64(s))
		return
	}
	switch t {
	case Byte, UInt16, UInt32, UInt64:
		storeUint(t, b, off, 0)
	case Int8:
		b[off] = byte(int8(max(s, math.MinInt8)))
	case Int16:
		le.PutUint16(b[off:], uint16(int16(max(s, math.MinInt16))))
	case Int32:
		le.PutUint32(b[off:], uint32(int32(max(s, math.MinInt32))))
	case Int64:
		le.PutUint64(b[off:], uint64(s))
	}
}

// storeFloat writes v into a pixel. Integer targets round half up and clamp;
// NaN becomes 0.
func storeFloat(t DataType, b []byte, off int, v float64) {
	switch t {
	case Float64:
		le.PutUint64(b[off:], math.Float64bits(v))
		return
	case Float32:
		le.PutUint32(b[off:], math.Float32bits(float32(v)))
		return
	case Float16:
		le.PutUint16(b[off:], float16.Fromfloat32(float32(v)).Bits())
		return
	}
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Floor(v + 0.5)
	switch t {
	case UInt64:
		switch {
		case v <= 0:
			le.PutUint64(b[off:], 0)
		case v >= 18446744073709551616.0:
			le.PutUint64(b[off:], math.MaxUint64)
		default:
			le.PutUint64(b[off:], uint64(v))
		}
	case Int64:
		switch {
		case v <= -9223372036854775808.0:
			le.PutUint64(b[off:], 1<<63)
		case v >= 9223372036854775808.0:
			le.PutUint64(b[off:], math.MaxInt64)
		default:
			le.PutUint64(b[off:], uint64(int64(v)))
		}
	default:
		v = math.Max(t.MinValue(), math.Min(t.MaxValue(), v))
		storeInt(t, b, off, int64(v))
	}
}

// copyWords converts count pixels from src to dst. Offsets and strides are in
// bytes. Integer to integer conversion clamps without a float round trip.
func copyWords(src []byte, srcType DataType, srcOff, srcStride int,
	dst []byte, dstType DataType, dstOff, dstStride int, count int) {
	if count <= 0 {
		return
	}
	size := srcType.Size()
	if srcType == dstType {
		if srcStride == size && dstStride == size {
			copy(dst[dstOff:dstOff+count*size], src[srcOff:srcOff+count*size])
			return
		}
		for i := 0; i < count; i++ {
			copy(dst[dstOff:dstOff+size], src[srcOff:srcOff+size])
			srcOff += srcStride
			dstOff += dstStride
		}
		return
	}

	if srcType.IsInteger() && dstType.IsInteger() {
		for i := 0; i < count; i++ {
			s, u, unsigned := loadInt(srcType, src, srcOff)
			if unsigned {
				storeUint(dstType, dst, dstOff, u)
			} else {
				storeInt(dstType, dst, dstOff, s)
			}
			srcOff += srcStride
			dstOff += dstStride
		}
		return
	}

	if dstType.IsInteger() && srcType.IsFloat() {
		for i := 0; i < count; i++ {
			storeFloat(dstType, dst, dstOff, loadFloat(srcType, src, srcOff))
			srcOff += srcStride
			dstOff += dstStride
		}
		return
	}

	// Integer to float, float to float.
	for i := 0; i < count; i++ {
		if srcType == Int64 || srcType == UInt64 {
			s, u, unsigned := loadInt(srcType, src, srcOff)
			if unsigned {
				storeFloat(dstType, dst, dstOff, float64(u))
			} else {
				storeFloat(dstType, dst, dstOff, float64(s))
			}
		} else {
			storeFloat(dstType, dst, dstOff, loadFloat(srcType, src, srcOff))
		}
		srcOff += srcStride
		dstOff += dstStride
	}
}

// setPixels fills count pixels of dst with v.
func setPixels(dst []byte, t DataType, off, stride int, v float64, count int) {
	var one [8]byte
	storeFloat(t, one[:], 0, v)
	size := t.Size()
	for i := 0; i < count; i++ {
		copy(dst[off:off+size], one[:size])
		off += stride
	}
}
