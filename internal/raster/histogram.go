package raster

import (
	"math"
)

// HistogramOptions selects the buckets of a histogram pass.
type HistogramOptions struct {
	Min, Max float64
	Buckets  int
	// IncludeOutOfRange counts values outside [Min, Max) in the first or
	// last bucket instead of discarding them.
	IncludeOutOfRange bool
	ApproxOK          bool
	Progress          ProgressFunc
}

// Histogram is a bucketed value distribution over [Min, Max).
type Histogram struct {
	Min, Max float64
	Counts   []uint64
}

func (h Histogram) clone() Histogram {
	h.Counts = append([]uint64(nil), h.Counts...)
	return h
}

// bucketer maps values to bucket indices; -1 discards the value.
type bucketer struct {
	min, scale float64
	buckets    int
	outOfRange bool
}

func (k *bucketer) index(v float64) int {
	if math.IsNaN(v) {
		return -1
	}
	f := (v - k.min) * k.scale
	if f < 0 {
		if !k.outOfRange {
			return -1
		}
		return 0
	}
	i := int(math.Min(f, float64(math.MaxInt32)))
	if i >= k.buckets {
		if !k.outOfRange {
			return -1
		}
		return k.buckets - 1
	}
	return i
}

// Histogram counts valid pixels per bucket: a value v falls in bucket
// floor((v-Min)*Buckets/(Max-Min)).
func (b *Band) Histogram(opts HistogramOptions) ([]uint64, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.histogram(opts)
}

func (b *Band) histogram(opts HistogramOptions) ([]uint64, error) {
	const op = "Histogram"
	if opts.Buckets <= 0 {
		return nil, b.fail(op, ErrInvalidArgument, "%d buckets", opts.Buckets)
	}
	if !(opts.Max > opts.Min) {
		return nil, b.fail(op, ErrIllegalState, "max %g not above min %g", opts.Max, opts.Min)
	}
	scale := float64(opts.Buckets) / (opts.Max - opts.Min)
	if math.IsInf(scale, 0) || math.IsNaN(scale) || scale == 0 {
		return nil, b.fail(op, ErrInvalidArgument, "range [%g, %g] with %d buckets has no usable scale",
			opts.Min, opts.Max, opts.Buckets)
	}
	if err := b.takeLatched(op); err != nil {
		return nil, err
	}
	k := bucketer{min: opts.Min, scale: scale, buckets: opts.Buckets, outOfRange: opts.IncludeOutOfRange}

	src, stride, _ := b.sampleSource(opts.ApproxOK)
	withMask, err := src.useMask()
	if err != nil {
		return nil, err
	}
	et := src.effectiveType()
	size := et.Size()
	filter := newPixelFilter(et, src.nodata)
	counts := make([]uint64, opts.Buckets)

	if et == Byte {
		var lut [256]int
		for v := range lut {
			lut[v] = k.index(float64(v))
			if filter.active && float64(v) == filter.f64 {
				lut[v] = -1
			}
		}
		var table [256]uint64
		err = b.walkBlocks(op, src, stride, withMask, opts.Progress, func(v *blockView) error {
			for y := 0; y < v.h; y++ {
				line := v.data[y*v.stride : y*v.stride+v.w]
				if v.mask == nil {
					for _, px := range line {
						table[px]++
					}
					continue
				}
				for x, px := range line {
					if v.mask[y*v.w+x] != 0 {
						table[px]++
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for v, n := range table {
			if i := lut[v]; i >= 0 {
				counts[i] += n
			}
		}
		return counts, nil
	}

	err = b.walkBlocks(op, src, stride, withMask, opts.Progress, func(v *blockView) error {
		for y := 0; y < v.h; y++ {
			off := y * v.stride * size
			for x := 0; x < v.w; x++ {
				if v.mask != nil && v.mask[y*v.w+x] == 0 {
					continue
				}
				px, ok := filter.value(v.data, off+x*size)
				if !ok {
					continue
				}
				if i := k.index(px); i >= 0 {
					counts[i]++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// DefaultHistogram returns the stored default histogram. With force a
// missing one is computed: Byte bands use 256 buckets over [-0.5, 255.5],
// other types 256 buckets around the approximate value range.
func (b *Band) DefaultHistogram(force bool, progress ProgressFunc) (Histogram, bool, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if b.defaultHist != nil {
		return b.defaultHist.clone(), true, nil
	}
	if !force {
		return Histogram{}, false, nil
	}
	const buckets = 256
	var lo, hi float64
	switch t := b.effectiveType(); t {
	case Byte, Int8:
		lo, hi = t.MinValue()-0.5, t.MaxValue()+0.5
	default:
		st, ok := b.cachedStatistics()
		if !ok {
			var err error
			if st, err = b.computeStatistics(true, nil); err != nil {
				return Histogram{}, false, err
			}
		}
		lo, hi = st.Min, st.Max
		if hi == lo {
			lo, hi = lo-0.5, hi+0.5
		} else {
			half := (hi - lo) / (2 * (buckets - 1))
			lo, hi = lo-half, hi+half
		}
	}
	counts, err := b.histogram(HistogramOptions{
		Min: lo, Max: hi, Buckets: buckets,
		IncludeOutOfRange: true, ApproxOK: true, Progress: progress,
	})
	if err != nil {
		return Histogram{}, false, err
	}
	h := Histogram{Min: lo, Max: hi, Counts: counts}
	b.defaultHist = &h
	return h.clone(), true, nil
}

// SetDefaultHistogram stores h as the band's default histogram.
func (b *Band) SetDefaultHistogram(h Histogram) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if len(h.Counts) == 0 || !(h.Max > h.Min) {
		return b.fail("SetDefaultHistogram", ErrInvalidArgument, "histogram [%g, %g] with %d buckets",
			h.Min, h.Max, len(h.Counts))
	}
	c := h.clone()
	b.defaultHist = &c
	return nil
}
