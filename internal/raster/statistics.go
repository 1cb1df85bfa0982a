package raster

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
)

// Statistics summarises the valid pixels of a band.
type Statistics struct {
	Min, Max     float64
	Mean, StdDev float64
	// ValidPercent is the share of sampled pixels that were valid.
	ValidPercent float64
	ValidCount   uint64
	// Approximate is set when only a subset of the pixels was visited.
	Approximate bool
}

// blockView is the valid part of one block handed to a statistics pass.
type blockView struct {
	data   []byte
	stride int // pixels per line of data
	x0, y0 int // raster position of the first pixel
	w, h   int
	// mask holds w*h validity bytes when the pass honours the mask band.
	mask []byte
}

// sampleSource chooses the band and block stride a statistics pass visits.
// Approximate passes use the smallest overview that still has more than
// the target pixel count and then skip blocks.
func (b *Band) sampleSource(approxOK bool) (src *Band, stride int, approx bool) {
	if !approxOK {
		return b, 1, false
	}
	src = b
	target := float64(b.ds.cfg.StatsTargetSamples)
	if target <= 0 {
		target = 10000 * 10000
	}
	best := float64(b.width) * float64(b.height)
	for _, ov := range b.overviews {
		n := float64(ov.width) * float64(ov.height)
		if n < best && n > target {
			src, best = ov, n
		}
	}
	stride = int(math.Ceil(math.Sqrt(float64(src.blocksPerRow) * float64(src.blocksPerCol))))
	if stride == src.blocksPerRow && src.blocksPerRow > 1 {
		stride++
	}
	stride = max(1, stride)
	return src, stride, src != b || stride > 1
}

// useMask reports whether a statistics pass over b must consult its mask
// band. A nodata value takes precedence over the mask.
func (b *Band) useMask() (bool, error) {
	if b.nodata.IsSet() {
		return false, nil
	}
	if err := b.resolveMask(); err != nil {
		return false, err
	}
	return b.maskFlags != MaskAllValid, nil
}

// walkBlocks visits every stride-th block of src in row-major block order.
func (b *Band) walkBlocks(op string, src *Band, stride int, withMask bool, progress ProgressFunc,
	fn func(v *blockView) error) error {
	total := src.blocksPerRow * src.blocksPerCol
	et := src.effectiveType()
	size := et.Size()
	if err := b.report(op, progress, 0); err != nil {
		return err
	}
	for i := 0; i < total; i += stride {
		col, row := i%src.blocksPerRow, i/src.blocksPerRow
		v := blockView{x0: col * src.blockW, y0: row * src.blockH}
		v.w = min(src.blockW, src.width-v.x0)
		v.h = min(src.blockH, src.height-v.y0)
		if withMask {
			v.mask = make([]byte, v.w*v.h)
			if err := src.mask.rasterIO(Read, v.x0, v.y0, v.w, v.h, v.mask, v.w, v.h, Byte, 0, 0, nil); err != nil {
				return err
			}
		}
		var err error
		if src.noCache {
			v.data = make([]byte, v.w*v.h*size)
			v.stride = v.w
			if err = src.rasterIO(Read, v.x0, v.y0, v.w, v.h, v.data, v.w, v.h, et, 0, 0, nil); err != nil {
				return err
			}
			err = fn(&v)
		} else {
			c, cerr := src.blockCache()
			if cerr != nil {
				return cerr
			}
			hd, gerr := c.GetLocked(col, row, false)
			if gerr != nil {
				return src.wrap(op, gerr, ErrIOFailure)
			}
			v.data, v.stride = hd.Data(), src.blockW
			err = fn(&v)
			hd.Release()
		}
		if err != nil {
			return err
		}
		if err := b.report(op, progress, float64(min(total, i+stride))/float64(total)); err != nil {
			return err
		}
	}
	return nil
}

// welford accumulates mean and variance in one pass.
type welford struct {
	n        uint64
	mean, m2 float64
	min, max float64
}

func (w *welford) add(v float64) {
	if w.n == 0 {
		w.min, w.max = v, v
	} else {
		w.min = math.Min(w.min, v)
		w.max = math.Max(w.max, v)
	}
	w.n++
	d := v - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (v - w.mean)
}

// intAccumulator sums small unsigned integers exactly.
type intAccumulator struct {
	n, sum, sumSq uint64
	min, max      uint64
}

func (a *intAccumulator) add(v uint64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.n++
	a.sum += v
	a.sumSq += v * v
}

// variance computes (sumSq*n - sum²)/n² with 128-bit intermediates.
func (a *intAccumulator) variance() float64 {
	if a.n == 0 {
		return 0
	}
	hi1, lo1 := bits.Mul64(a.sumSq, a.n)
	hi2, lo2 := bits.Mul64(a.sum, a.sum)
	lo, borrow := bits.Sub64(lo1, lo2, 0)
	hi, _ := bits.Sub64(hi1, hi2, borrow)
	num := float64(hi)*math.Exp2(64) + float64(lo)
	n := float64(a.n)
	return num / (n * n)
}

// fastIntLimit is the sampled pixel count below which the integer sums of
// t cannot overflow, or 0 when t has no integer path.
func fastIntLimit(t DataType) uint64 {
	switch t {
	case Byte:
		return 1 << 48
	case UInt16:
		return 1 << 32
	}
	return 0
}

// ComputeStatistics scans the band and stores the result as STATISTICS_*
// metadata. With approxOK an overview and a subset of blocks may be used.
func (b *Band) ComputeStatistics(approxOK bool, progress ProgressFunc) (Statistics, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.computeStatistics(approxOK, progress)
}

func (b *Band) computeStatistics(approxOK bool, progress ProgressFunc) (Statistics, error) {
	const op = "ComputeStatistics"
	if err := b.takeLatched(op); err != nil {
		return Statistics{}, err
	}
	src, stride, approx := b.sampleSource(approxOK)
	withMask, err := src.useMask()
	if err != nil {
		return Statistics{}, err
	}
	et := src.effectiveType()
	size := et.Size()
	filter := newPixelFilter(et, src.nodata)

	visited := uint64((src.blocksPerRow*src.blocksPerCol + stride - 1) / stride)
	upper := visited * uint64(src.blockW) * uint64(src.blockH)
	var sampled uint64
	var st Statistics

	if limit := fastIntLimit(et); limit > 0 && !withMask && upper < limit {
		var acc intAccumulator
		err = b.walkBlocks(op, src, stride, false, progress, func(v *blockView) error {
			sampled += uint64(v.w * v.h)
			for y := 0; y < v.h; y++ {
				off := y * v.stride * size
				for x := 0; x < v.w; x++ {
					var px uint64
					if et == Byte {
						px = uint64(v.data[off+x])
					} else {
						px = uint64(le.Uint16(v.data[off+x*2:]))
					}
					if filter.active && float64(px) == filter.f64 {
						continue
					}
					acc.add(px)
				}
			}
			return nil
		})
		if err != nil {
			return Statistics{}, err
		}
		st = Statistics{ValidCount: acc.n}
		if acc.n > 0 {
			st.Min, st.Max = float64(acc.min), float64(acc.max)
			st.Mean = float64(acc.sum) / float64(acc.n)
			st.StdDev = math.Sqrt(acc.variance())
		}
	} else {
		var acc welford
		err = b.walkBlocks(op, src, stride, withMask, progress, func(v *blockView) error {
			sampled += uint64(v.w * v.h)
			for y := 0; y < v.h; y++ {
				off := y * v.stride * size
				for x := 0; x < v.w; x++ {
					if v.mask != nil && v.mask[y*v.w+x] == 0 {
						continue
					}
					if px, ok := filter.value(v.data, off+x*size); ok {
						acc.add(px)
					}
				}
			}
			return nil
		})
		if err != nil {
			return Statistics{}, err
		}
		st = Statistics{ValidCount: acc.n}
		if acc.n > 0 {
			st.Min, st.Max, st.Mean = acc.min, acc.max, acc.mean
			st.StdDev = math.Sqrt(acc.m2 / float64(acc.n))
		}
	}
	if st.ValidCount == 0 {
		return Statistics{}, b.wrap(op, ErrNoValidPixels, ErrIllegalState)
	}
	st.Approximate = approx
	if sampled > 0 {
		st.ValidPercent = float64(st.ValidCount) * 100 / float64(sampled)
	}
	b.setStatistics(st)
	return st, nil
}

// GetStatistics returns cached statistics. Cached approximate results only
// satisfy approximate requests. With force, missing statistics are
// computed; otherwise the second result reports whether any were found.
func (b *Band) GetStatistics(approxOK, force bool) (Statistics, bool, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if st, ok := b.cachedStatistics(); ok && (approxOK || !st.Approximate) {
		return st, true, nil
	}
	if !force {
		return Statistics{}, false, nil
	}
	st, err := b.computeStatistics(approxOK, nil)
	if err != nil {
		return Statistics{}, false, err
	}
	return st, true, nil
}

func (b *Band) cachedStatistics() (Statistics, bool) {
	var st Statistics
	for key, dst := range map[string]*float64{
		MDStatisticsMinimum: &st.Min,
		MDStatisticsMaximum: &st.Max,
		MDStatisticsMean:    &st.Mean,
		MDStatisticsStdDev:  &st.StdDev,
	} {
		raw, ok := b.md.get(key, DomainDefault)
		if !ok {
			return Statistics{}, false
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Statistics{}, false
		}
		*dst = v
	}
	st.ValidPercent = 100
	if raw, ok := b.md.get(MDStatisticsValidPercent, DomainDefault); ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			st.ValidPercent = v
		}
	}
	raw, _ := b.md.get(MDStatisticsApproximate, DomainDefault)
	st.Approximate = raw == "YES"
	return st, true
}

// SetStatistics stores externally computed statistics.
func (b *Band) SetStatistics(st Statistics) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if math.IsNaN(st.Min) || math.IsNaN(st.Max) || st.Min > st.Max {
		return b.fail("SetStatistics", ErrInvalidArgument, "min %g max %g", st.Min, st.Max)
	}
	b.setStatistics(st)
	return nil
}

func (b *Band) setStatistics(st Statistics) {
	b.md.set(MDStatisticsMinimum, fmt.Sprintf("%.14g", st.Min), DomainDefault)
	b.md.set(MDStatisticsMaximum, fmt.Sprintf("%.14g", st.Max), DomainDefault)
	b.md.set(MDStatisticsMean, fmt.Sprintf("%.14g", st.Mean), DomainDefault)
	b.md.set(MDStatisticsStdDev, fmt.Sprintf("%.14g", st.StdDev), DomainDefault)
	if st.Approximate {
		b.md.set(MDStatisticsApproximate, "YES", DomainDefault)
	} else {
		b.md.remove(MDStatisticsApproximate, DomainDefault)
	}
	if st.ValidPercent > 0 {
		b.md.set(MDStatisticsValidPercent, fmt.Sprintf("%.4g", st.ValidPercent), DomainDefault)
	} else {
		b.md.remove(MDStatisticsValidPercent, DomainDefault)
	}
}

// ClearStatistics removes cached statistics and the default histogram.
func (b *Band) ClearStatistics() {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.invalidateStatistics()
}

func (b *Band) invalidateStatistics() {
	for _, k := range statisticsKeys {
		b.md.remove(k, DomainDefault)
	}
	b.defaultHist = nil
}
