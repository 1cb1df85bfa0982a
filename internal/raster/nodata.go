package raster

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// NoDataKind tags the representation a NoData value is stored in.
type NoDataKind int

const (
	NoDataNone NoDataKind = iota
	NoDataFloat64
	NoDataInt64
	NoDataUInt64
	NoDataFloat32
	NoDataFloat16
)

func (k NoDataKind) String() string {
	switch k {
	case NoDataFloat64:
		return "Float64"
	case NoDataInt64:
		return "Int64"
	case NoDataUInt64:
		return "UInt64"
	case NoDataFloat32:
		return "Float32"
	case NoDataFloat16:
		return "Float16"
	}
	return "None"
}

// NoData is a band's no-data sentinel, held in the representation matching
// the band type so comparisons never lose precision. The zero value is "no
// nodata".
type NoData struct {
	kind NoDataKind
	f64  float64
	i64  int64
	u64  uint64
	f32  float32
	f16  float16.Float16
	// exact is false when the requested value has no exact narrow
	// representation; such a value never matches a pixel.
	exact bool
}

// IsSet reports whether a value is defined.
func (n NoData) IsSet() bool { return n.kind != NoDataNone }

// Kind returns the representation tag.
func (n NoData) Kind() NoDataKind { return n.kind }

// Float64 returns the value widened to float64.
func (n NoData) Float64() float64 {
	switch n.kind {
	case NoDataInt64:
		return float64(n.i64)
	case NoDataUInt64:
		return float64(n.u64)
	case NoDataFloat32:
		return float64(n.f32)
	case NoDataFloat16:
		return float64(n.f16.Float32())
	}
	return n.f64
}

// Int64 returns the value of an Int64 nodata.
func (n NoData) Int64() (int64, bool) {
	return n.i64, n.kind == NoDataInt64
}

// UInt64 returns the value of a UInt64 nodata.
func (n NoData) UInt64() (uint64, bool) {
	return n.u64, n.kind == NoDataUInt64
}

// String formats the value the way it is persisted in metadata.
func (n NoData) String() string {
	switch n.kind {
	case NoDataNone:
		return ""
	case NoDataInt64:
		return strconv.FormatInt(n.i64, 10)
	case NoDataUInt64:
		return strconv.FormatUint(n.u64, 10)
	}
	return formatNoDataFloat(n.Float64())
}

func formatNoDataFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', 18, 64)
}

// ParseNoData parses a persisted nodata string for a band of type t.
func ParseNoData(t DataType, s string) (NoData, error) {
	s = strings.TrimSpace(s)
	switch t {
	case Int64:
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return noDataFromInt64(t, v)
		}
	case UInt64:
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			return noDataFromUInt64(t, v)
		}
	}
	v, err := parseFloatLoose(s)
	if err != nil {
		return NoData{}, fmt.Errorf("parsing nodata %q: %w", s, err)
	}
	return noDataFromFloat64(t, v)
}

func parseFloatLoose(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "nan", "-nan":
		return math.NaN(), nil
	case "inf", "+inf", "infinity":
		return math.Inf(1), nil
	case "-inf", "-infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// adjustCloseToMax snaps v to ±maxVal when it lies within 1e-10 relative of
// it. Values written as text frequently lose the last digits of FLT_MAX.
func adjustCloseToMax(v, maxVal float64) float64 {
	if math.Abs(v-maxVal) < 1e-10*maxVal {
		return maxVal
	}
	if math.Abs(v+maxVal) < 1e-10*maxVal {
		return -maxVal
	}
	return v
}

func noDataFromFloat64(t DataType, v float64) (NoData, error) {
	switch t {
	case Int64:
		if !IsValueExactAs(Int64, v) {
			return NoData{}, fmt.Errorf("nodata %v not representable as Int64: %w", v, ErrInvalidArgument)
		}
		return NoData{kind: NoDataInt64, i64: int64(v), exact: true}, nil
	case UInt64:
		if !IsValueExactAs(UInt64, v) {
			return NoData{}, fmt.Errorf("nodata %v not representable as UInt64: %w", v, ErrInvalidArgument)
		}
		return NoData{kind: NoDataUInt64, u64: uint64(v), exact: true}, nil
	case Float32:
		v = adjustCloseToMax(v, math.MaxFloat32)
		f := float32(v)
		return NoData{kind: NoDataFloat32, f64: v, f32: f,
			exact: math.IsNaN(v) || float64(f) == v}, nil
	case Float16:
		v = adjustCloseToMax(v, 65504)
		h := float16.Fromfloat32(float32(v))
		return NoData{kind: NoDataFloat16, f64: v, f16: h,
			exact: math.IsNaN(v) || float64(h.Float32()) == v}, nil
	}
	return NoData{kind: NoDataFloat64, f64: v, exact: true}, nil
}

func noDataFromInt64(t DataType, v int64) (NoData, error) {
	switch t {
	case Int64:
		return NoData{kind: NoDataInt64, i64: v, exact: true}, nil
	case UInt64:
		if v < 0 {
			return NoData{}, fmt.Errorf("nodata %d not representable as UInt64: %w", v, ErrInvalidArgument)
		}
		return NoData{kind: NoDataUInt64, u64: uint64(v), exact: true}, nil
	}
	f := float64(v)
	if int64(f) != v {
		return NoData{}, fmt.Errorf("nodata %d not representable as %s: %w", v, t, ErrInvalidArgument)
	}
	return noDataFromFloat64(t, f)
}

func noDataFromUInt64(t DataType, v uint64) (NoData, error) {
	switch t {
	case UInt64:
		return NoData{kind: NoDataUInt64, u64: v, exact: true}, nil
	case Int64:
		if v > math.MaxInt64 {
			return NoData{}, fmt.Errorf("nodata %d not representable as Int64: %w", v, ErrInvalidArgument)
		}
		return NoData{kind: NoDataInt64, i64: int64(v), exact: true}, nil
	}
	f := float64(v)
	if f >= 18446744073709551616.0 || uint64(f) != v {
		return NoData{}, fmt.Errorf("nodata %d not representable as %s: %w", v, t, ErrInvalidArgument)
	}
	return noDataFromFloat64(t, f)
}

// inRange reports whether the nodata value can occur in pixels of type t.
func (n NoData) inRange(t DataType) bool {
	switch n.kind {
	case NoDataNone:
		return false
	case NoDataInt64:
		return t == Int64 || IsValueInRangeOf(t, float64(n.i64))
	case NoDataUInt64:
		return t == UInt64 || IsValueInRangeOf(t, float64(n.u64))
	}
	return IsValueInRangeOf(t, n.Float64())
}

// pixelFilter classifies pixels of one type as valid or nodata. NaN float
// pixels are never valid.
type pixelFilter struct {
	t      DataType
	active bool // a nodata value that can match pixels
	f64    float64
	i64    int64
	u64    uint64
	f32    float32
}

func newPixelFilter(t DataType, n NoData) pixelFilter {
	f := pixelFilter{t: t}
	if !n.IsSet() || !n.exact {
		return f
	}
	switch n.kind {
	case NoDataInt64:
		f.active = t == Int64 || IsValueExactAs(t, float64(n.i64))
		f.i64, f.f64 = n.i64, float64(n.i64)
	case NoDataUInt64:
		f.active = t == UInt64 || IsValueExactAs(t, float64(n.u64))
		f.u64, f.f64 = n.u64, float64(n.u64)
	case NoDataFloat32:
		f.f32 = n.f32
		f.f64 = float64(n.f32)
		f.active = !math.IsNaN(f.f64) && IsValueExactAs(t, f.f64)
	case NoDataFloat16:
		f.f32 = n.f16.Float32()
		f.f64 = float64(f.f32)
		f.active = !math.IsNaN(f.f64) && IsValueExactAs(t, f.f64)
	default:
		f.f64 = n.f64
		f.active = !math.IsNaN(n.f64) && IsValueExactAs(t, n.f64)
	}
	if f.active {
		switch t {
		case Int64:
			if n.kind != NoDataInt64 {
				f.i64 = int64(f.f64)
			}
		case UInt64:
			if n.kind != NoDataUInt64 {
				f.u64 = uint64(f.f64)
			}
		case Float32, Float16:
			f.f32 = float32(f.f64)
		}
	}
	return f
}

// value reads the pixel at off and reports whether it is valid.
func (f *pixelFilter) value(b []byte, off int) (float64, bool) {
	switch f.t {
	case Int64:
		v := int64(le.Uint64(b[off:]))
		return float64(v), !f.active || v != f.i64
	case UInt64:
		v := le.Uint64(b[off:])
		return float64(v), !f.active || v != f.u64
	case Float32:
		v := math.Float32frombits(le.Uint32(b[off:]))
		if v != v {
			return 0, false
		}
		return float64(v), !f.active || v != f.f32
	case Float16:
		v := float16.Frombits(le.Uint16(b[off:])).Float32()
		if v != v {
			return 0, false
		}
		return float64(v), !f.active || v != f.f32
	case Float64:
		v := math.Float64frombits(le.Uint64(b[off:]))
		if math.IsNaN(v) {
			return 0, false
		}
		return v, !f.active || v != f.f64
	}
	v := loadFloat(f.t, b, off)
	return v, !f.active || v != f.f64
}
