package raster

import (
	"math"
	"strings"
)

// DataType is the numeric type of a band's pixels. Buffers always hold
// little-endian values.
type DataType int

const (
	Unknown DataType = iota
	Byte
	Int8
	UInt16
	Int16
	UInt32
	Int32
	UInt64
	Int64
	Float16
	Float32
	Float64
)

var dataTypeNames = [...]string{
	Unknown: "Unknown",
	Byte:    "Byte",
	Int8:    "Int8",
	UInt16:  "UInt16",
	Int16:   "Int16",
	UInt32:  "UInt32",
	Int32:   "Int32",
	UInt64:  "UInt64",
	Int64:   "Int64",
	Float16: "Float16",
	Float32: "Float32",
	Float64: "Float64",
}

// AllDataTypes lists every concrete pixel type.
var AllDataTypes = []DataType{Byte, Int8, UInt16, Int16, UInt32, Int32, UInt64, Int64, Float16, Float32, Float64}

func (t DataType) String() string {
	if t < 0 || int(t) >= len(dataTypeNames) {
		return "Unknown"
	}
	return dataTypeNames[t]
}

// ParseDataType looks a type up by name, case-insensitively.
func ParseDataType(name string) DataType {
	for i, n := range dataTypeNames {
		if strings.EqualFold(n, name) {
			return DataType(i)
		}
	}
	return Unknown
}

// Size returns the size of one pixel in bytes, or 0 for Unknown.
func (t DataType) Size() int {
	switch t {
	case Byte, Int8:
		return 1
	case UInt16, Int16, Float16:
		return 2
	case UInt32, Int32, Float32:
		return 4
	case UInt64, Int64, Float64:
		return 8
	}
	return 0
}

// Bits returns the size of one pixel in bits.
func (t DataType) Bits() int { return t.Size() * 8 }

// IsInteger reports whether t is an integer type.
func (t DataType) IsInteger() bool {
	switch t {
	case Byte, Int8, UInt16, Int16, UInt32, Int32, UInt64, Int64:
		return true
	}
	return false
}

// IsFloat reports whether t is a floating point type.
func (t DataType) IsFloat() bool {
	return t == Float16 || t == Float32 || t == Float64
}

// IsSigned reports whether t can hold negative values.
func (t DataType) IsSigned() bool {
	switch t {
	case Int8, Int16, Int32, Int64, Float16, Float32, Float64:
		return true
	}
	return false
}

// MinValue returns the lowest finite value of t.
func (t DataType) MinValue() float64 {
	switch t {
	case Byte, UInt16, UInt32, UInt64:
		return 0
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	case Int64:
		return math.MinInt64
	case Float16:
		return -65504
	case Float32:
		return -math.MaxFloat32
	}
	return -math.MaxFloat64
}

// MaxValue returns the highest finite value of t.
func (t DataType) MaxValue() float64 {
	switch t {
	case Byte:
		return math.MaxUint8
	case Int8:
		return math.MaxInt8
	case UInt16:
		return math.MaxUint16
	case Int16:
		return math.MaxInt16
	case UInt32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	case UInt64:
		return math.MaxUint64
	case Int64:
		return math.MaxInt64
	case Float16:
		return 65504
	case Float32:
		return math.MaxFloat32
	}
	return math.MaxFloat64
}

// Union returns the smallest type able to represent every value of a and b.
func Union(a, b DataType) DataType {
	if a == Unknown {
		return b
	}
	if b == Unknown {
		return a
	}
	if a == b {
		return a
	}
	if a.IsFloat() || b.IsFloat() {
		bits := max(a.floatBitsNeeded(), b.floatBitsNeeded())
		switch {
		case bits <= 16:
			return Float16
		case bits <= 32:
			return Float32
		}
		return Float64
	}

	signed := a.IsSigned() || b.IsSigned()
	bits := max(a.intBitsNeeded(signed), b.intBitsNeeded(signed))
	if signed {
		switch {
		case bits <= 8:
			return Int8
		case bits <= 16:
			return Int16
		case bits <= 32:
			return Int32
		case bits <= 64:
			return Int64
		}
		return Float64
	}
	switch {
	case bits <= 8:
		return Byte
	case bits <= 16:
		return UInt16
	case bits <= 32:
		return UInt32
	}
	return UInt64
}

// intBitsNeeded is the width of a signed (or unsigned) integer type able to
// hold every value of t.
func (t DataType) intBitsNeeded(signed bool) int {
	if signed && !t.IsSigned() {
		return t.Bits() * 2
	}
	return t.Bits()
}

// floatBitsNeeded is the width of a float type able to hold every value of t
// exactly.
func (t DataType) floatBitsNeeded() int {
	switch t {
	case Byte, Int8, Float16:
		return 16
	case UInt16, Int16, Float32:
		return 32
	}
	return 64
}

// UnionWithValue returns the smallest type extending t so that v is exactly
// representable.
func UnionWithValue(t DataType, v float64) DataType {
	if IsValueExactAs(t, v) {
		return t
	}
	var vt DataType
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		vt = Float32
	case v == math.Trunc(v) && v >= 0 && v <= math.MaxUint32:
		switch {
		case v <= math.MaxUint8:
			vt = Byte
		case v <= math.MaxUint16:
			vt = UInt16
		default:
			vt = UInt32
		}
	case v == math.Trunc(v) && v >= math.MinInt32 && v < 0:
		switch {
		case v >= math.MinInt8:
			vt = Int8
		case v >= math.MinInt16:
			vt = Int16
		default:
			vt = Int32
		}
	case float64(float32(v)) == v:
		vt = Float32
	default:
		vt = Float64
	}
	return Union(t, vt)
}

// AdjustValueToDataType returns v clamped to the range of t and, for integer
// types, rounded to the nearest integer. clamped and rounded report which
// adjustments were applied.
func AdjustValueToDataType(t DataType, v float64) (adjusted float64, clamped, rounded bool) {
	if math.IsNaN(v) {
		if t.IsFloat() {
			return v, false, false
		}
		return 0, true, false
	}
	if t.IsInteger() {
		lo, hi := t.MinValue(), t.MaxValue()
		if v < lo {
			return lo, true, false
		}
		if v > hi {
			return hi, true, false
		}
		r := math.Floor(v + 0.5)
		return r, false, r != v
	}
	if math.IsInf(v, 0) {
		return v, false, false
	}
	switch t {
	case Float16:
		if v < -65504 {
			return -65504, true, false
		}
		if v > 65504 {
			return 65504, true, false
		}
		f := float64(f16Round(v))
		return f, false, f != v
	case Float32:
		if v < -math.MaxFloat32 {
			return -math.MaxFloat32, true, false
		}
		if v > math.MaxFloat32 {
			return math.MaxFloat32, true, false
		}
		f := float64(float32(v))
		return f, false, f != v
	}
	return v, false, false
}

// IsValueInRangeOf reports whether v lies within the range of t. NaN and
// infinities are in range of floating point types only.
func IsValueInRangeOf(t DataType, v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return t.IsFloat()
	}
	if t == Float64 {
		return true
	}
	return v >= t.MinValue() && v <= t.MaxValue()
}

// IsValueExactAs reports whether v survives a round trip through t.
func IsValueExactAs(t DataType, v float64) bool {
	switch t {
	case Byte, Int8, UInt16, Int16, UInt32, Int32:
		return v >= t.MinValue() && v <= t.MaxValue() && v == math.Trunc(v)
	case UInt64:
		// 2^64 is representable in float64 but not in uint64.
		return v >= 0 && v < 18446744073709551616.0 && v == math.Trunc(v)
	case Int64:
		return v >= -9223372036854775808.0 && v < 9223372036854775808.0 && v == math.Trunc(v)
	case Float16:
		return math.IsNaN(v) || float64(f16Round(v)) == v
	case Float32:
		return math.IsNaN(v) || float64(float32(v)) == v
	case Float64:
		return true
	}
	return false
}
