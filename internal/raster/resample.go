package raster

import (
	"fmt"
	"math"
	"strings"
)

// Resampling selects how pixels are combined when a window is read at a
// different resolution.
type Resampling int

const (
	Nearest Resampling = iota
	Bilinear
	Cubic
	CubicSpline
	Lanczos
	Average
	RMS
	ModeResampling
	Gauss
)

var resamplingNames = [...]string{
	Nearest:        "NEAREST",
	Bilinear:       "BILINEAR",
	Cubic:          "CUBIC",
	CubicSpline:    "CUBICSPLINE",
	Lanczos:        "LANCZOS",
	Average:        "AVERAGE",
	RMS:            "RMS",
	ModeResampling: "MODE",
	Gauss:          "GAUSS",
}

func (r Resampling) String() string {
	if r >= 0 && int(r) < len(resamplingNames) {
		return resamplingNames[r]
	}
	return fmt.Sprintf("Resampling(%d)", int(r))
}

// ParseResampling converts a resampling name (case-insensitive) to a
// Resampling. The empty string means Nearest.
func ParseResampling(s string) (Resampling, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Nearest, nil
	}
	for i, n := range resamplingNames {
		if n == s {
			return Resampling(i), nil
		}
	}
	return Nearest, fmt.Errorf("unknown resampling %q (use nearest, bilinear, cubic, cubicspline, lanczos, average, rms, mode or gauss): %w",
		s, ErrInvalidArgument)
}

// boxFilter reports whether the mode weights source pixels by their overlap
// with the output pixel footprint.
func (r Resampling) boxFilter() bool {
	return r == Average || r == RMS || r == ModeResampling
}

// kernelLUTSize is the number of samples over the kernel half-width.
const kernelLUTSize = 1024

// kernelLUT is a symmetric convolution kernel evaluated through a table
// with linear interpolation.
type kernelLUT struct {
	radius float64
	table  [kernelLUTSize]float64
}

func newKernelLUT(radius float64, fn func(float64) float64) *kernelLUT {
	k := &kernelLUT{radius: radius}
	for i := range k.table {
		k.table[i] = fn(float64(i) * radius / kernelLUTSize)
	}
	return k
}

func (k *kernelLUT) at(x float64) float64 {
	if x < 0 {
		x = -x
	}
	if x >= k.radius {
		return 0
	}
	pos := x * (kernelLUTSize / k.radius)
	idx := int(pos)
	if idx >= kernelLUTSize-1 {
		return k.table[kernelLUTSize-1]
	}
	frac := pos - float64(idx)
	return k.table[idx]*(1-frac) + k.table[idx+1]*frac
}

var (
	bilinearKernel    = newKernelLUT(1, triangle)
	cubicKernel       = newKernelLUT(2, catmullRom)
	cubicSplineKernel = newKernelLUT(2, bSpline)
	lanczosKernel     = newKernelLUT(3, lanczos3)
	gaussKernel       = newKernelLUT(1.5, gaussian)
)

func (r Resampling) kernel() *kernelLUT {
	switch r {
	case Bilinear:
		return bilinearKernel
	case Cubic:
		return cubicKernel
	case CubicSpline:
		return cubicSplineKernel
	case Lanczos:
		return lanczosKernel
	case Gauss:
		return gaussKernel
	}
	return nil
}

func triangle(x float64) float64 {
	if x < 1 {
		return 1 - x
	}
	return 0
}

// catmullRom is the cubic convolution kernel with a = -0.5:
//
//	W(x) = 1.5|x|³ - 2.5|x|² + 1         for |x| ≤ 1
//	W(x) = -0.5|x|³ + 2.5|x|² - 4|x| + 2 for 1 < |x| < 2
func catmullRom(x float64) float64 {
	if x >= 2 {
		return 0
	}
	x2 := x * x
	x3 := x2 * x
	if x <= 1 {
		return 1.5*x3 - 2.5*x2 + 1
	}
	return -0.5*x3 + 2.5*x2 - 4*x + 2
}

// bSpline is the cubic B-spline, a smoothing kernel that does not pass
// through the samples.
func bSpline(x float64) float64 {
	switch {
	case x < 1:
		return (4 - 6*x*x + 3*x*x*x) / 6
	case x < 2:
		t := 2 - x
		return t * t * t / 6
	}
	return 0
}

// lanczos3 is the windowed sinc L₃(x) = 3·sin(πx)·sin(πx/3) / (π²x²).
func lanczos3(x float64) float64 {
	if x == 0 {
		return 1
	}
	if x >= 3 {
		return 0
	}
	xPi := x * math.Pi
	return 3 * math.Sin(xPi) * math.Sin(xPi/3) / (xPi * xPi)
}

func gaussian(x float64) float64 {
	return math.Exp(-2 * x * x)
}

// contrib is the weight of one source index for one output index.
type contrib struct {
	idx    int
	weight float64
}

// contributions returns, for each of n outputs covering source span
// [off, off+span) of an axis of length size, the source pixels involved.
func (r Resampling) contributions(off, span, n, size int) [][]contrib {
	scale := float64(span) / float64(n)
	out := make([][]contrib, n)
	if r.boxFilter() {
		for i := range out {
			lo := float64(off) + float64(i)*scale
			hi := lo + scale
			for k := int(math.Floor(lo)); float64(k) < hi && k < size; k++ {
				if k < 0 {
					continue
				}
				w := math.Min(hi, float64(k+1)) - math.Max(lo, float64(k))
				if w > 1e-12 {
					out[i] = append(out[i], contrib{k, w})
				}
			}
		}
		return out
	}
	k := r.kernel()
	stretch := math.Max(1, scale)
	support := k.radius * stretch
	for i := range out {
		center := float64(off) + (float64(i)+0.5)*scale
		first := max(0, int(math.Floor(center-support-0.5)))
		last := min(size-1, int(math.Ceil(center+support-0.5)))
		for s := first; s <= last; s++ {
			w := k.at((float64(s) + 0.5 - center) / stretch)
			if w != 0 {
				out[i] = append(out[i], contrib{s, w})
			}
		}
		if len(out[i]) == 0 {
			// Tiny kernels can miss every center; fall back to the nearest pixel.
			s := min(size-1, max(0, int(center)))
			out[i] = append(out[i], contrib{s, 1})
		}
	}
	return out
}

// contribRange returns the smallest and largest source index in c.
func contribRange(c [][]contrib) (lo, hi int) {
	lo, hi = math.MaxInt, -1
	for _, cs := range c {
		for _, e := range cs {
			lo = min(lo, e.idx)
			hi = max(hi, e.idx)
		}
	}
	return lo, hi
}

// resampler combines weighted valid samples into one value.
type resampler struct {
	alg   Resampling
	sum   float64
	wsum  float64
	modeV []float64
	modeW []float64
}

func (r *resampler) reset() {
	r.sum, r.wsum = 0, 0
	r.modeV, r.modeW = r.modeV[:0], r.modeW[:0]
}

func (r *resampler) add(v, w float64) {
	switch r.alg {
	case RMS:
		r.sum += w * v * v
	case ModeResampling:
		for i, mv := range r.modeV {
			if mv == v {
				r.modeW[i] += w
				r.wsum += w
				return
			}
		}
		r.modeV = append(r.modeV, v)
		r.modeW = append(r.modeW, w)
	default:
		r.sum += w * v
	}
	r.wsum += w
}

// value returns the combined value, or false when no valid sample
// contributed.
func (r *resampler) value() (float64, bool) {
	if r.wsum <= 0 {
		return 0, false
	}
	switch r.alg {
	case RMS:
		return math.Sqrt(r.sum / r.wsum), true
	case ModeResampling:
		best := 0
		for i := range r.modeW {
			if r.modeW[i] > r.modeW[best] {
				best = i
			}
		}
		return r.modeV[best], true
	}
	return r.sum / r.wsum, true
}
