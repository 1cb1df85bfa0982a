package raster

import (
	"math"
	"slices"

	"github.com/go-kit/log/level"
)

// BuildOverviews computes in-memory overviews of the band, one per
// reduction factor, resampling the full-resolution pixels with alg.
// Overviews of matching size are recomputed in place.
func (b *Band) BuildOverviews(alg Resampling, factors []int, progress ProgressFunc) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "BuildOverviews"
	if b.parent != nil || b.noCache {
		return b.fail(op, ErrNotSupported, "band cannot hold overviews")
	}
	factors = slices.Clone(factors)
	slices.Sort(factors)
	factors = slices.Compact(factors)
	for _, f := range factors {
		if f < 2 {
			return b.fail(op, ErrInvalidArgument, "overview factor %d", f)
		}
	}
	if err := b.takeLatched(op); err != nil {
		return err
	}

	var targets []*Band
	var strips, done int
	for _, f := range factors {
		ow := (b.width + f - 1) / f
		oh := (b.height + f - 1) / f
		var ov *Band
		for _, o := range b.overviews {
			if o.width == ow && o.height == oh {
				ov = o
			}
		}
		if ov == nil {
			info := BandInfo{Width: ow, Height: oh, BlockWidth: min(b.blockW, ow), BlockHeight: min(b.blockH, oh),
				Type: b.dtype, Access: Update}
			var err error
			if ov, err = b.addOverview(info, NewMemDriver(info)); err != nil {
				return err
			}
		}
		if ov.access != Update {
			return b.fail(op, ErrNotSupported, "overview %dx%d is read-only", ow, oh)
		}
		targets = append(targets, ov)
		strips += ov.blocksPerCol
	}

	if err := b.report(op, progress, 0); err != nil {
		return err
	}
	et := b.effectiveType()
	size := et.Size()
	for _, ov := range targets {
		sy := float64(b.height) / float64(ov.height)
		for row := 0; row < ov.blocksPerCol; row++ {
			oy := row * ov.blockH
			oh := min(ov.blockH, ov.height-oy)
			y0 := int(math.Round(float64(oy) * sy))
			y1 := min(b.height, max(y0+1, int(math.Round(float64(oy+oh)*sy))))
			strip := make([]byte, ov.width*oh*size)
			if err := b.cachedIO(Read, 0, y0, b.width, y1-y0, strip, ov.width, oh, et, size, ov.width*size, alg); err != nil {
				return b.wrap(op, err, ErrIOFailure)
			}
			if err := ov.blockIO(Write, 0, oy, ov.width, oh, strip, et, size, ov.width*size); err != nil {
				return ov.wrap(op, err, ErrIOFailure)
			}
			done++
			if err := b.report(op, progress, float64(done)/float64(strips)); err != nil {
				return err
			}
		}
		ov.invalidateStatistics()
		level.Debug(b.ds.logger).Log("msg", "built overview", "band", b.index,
			"width", ov.width, "height", ov.height, "resampling", alg)
	}
	b.invalidateMask()
	return nil
}
