package raster

import "math"

// MinMaxLocation is the extreme values of a band and the first pixel
// holding each, in block order.
type MinMaxLocation struct {
	Min, Max   float64
	MinX, MinY int
	MaxX, MaxY int
}

// ComputeRasterMinMax returns the minimum and maximum valid value. With
// approxOK cached statistics or a sampled overview may answer.
func (b *Band) ComputeRasterMinMax(approxOK bool) (float64, float64, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "ComputeRasterMinMax"
	if approxOK {
		if st, ok := b.cachedStatistics(); ok {
			return st.Min, st.Max, nil
		}
	}
	if err := b.takeLatched(op); err != nil {
		return 0, 0, err
	}
	src, stride, _ := b.sampleSource(approxOK)
	lo, hi := math.Inf(1), math.Inf(-1)
	found := false
	err := b.scanValid(op, src, stride, func(v float64, _, _ int) {
		found = true
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	})
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, b.wrap(op, ErrNoValidPixels, ErrIllegalState)
	}
	return lo, hi, nil
}

// ComputeMinMaxLocation scans every pixel at full resolution.
func (b *Band) ComputeMinMaxLocation() (MinMaxLocation, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "ComputeMinMaxLocation"
	if err := b.takeLatched(op); err != nil {
		return MinMaxLocation{}, err
	}
	var loc MinMaxLocation
	found := false
	err := b.scanValid(op, b, 1, func(v float64, x, y int) {
		if !found {
			found = true
			loc = MinMaxLocation{Min: v, Max: v, MinX: x, MinY: y, MaxX: x, MaxY: y}
			return
		}
		if v < loc.Min {
			loc.Min, loc.MinX, loc.MinY = v, x, y
		}
		if v > loc.Max {
			loc.Max, loc.MaxX, loc.MaxY = v, x, y
		}
	})
	if err != nil {
		return MinMaxLocation{}, err
	}
	if !found {
		return MinMaxLocation{}, b.wrap(op, ErrNoValidPixels, ErrIllegalState)
	}
	return loc, nil
}

// scanValid calls fn with every valid pixel of the visited blocks and its
// position in src.
func (b *Band) scanValid(op string, src *Band, stride int, fn func(v float64, x, y int)) error {
	withMask, err := src.useMask()
	if err != nil {
		return err
	}
	et := src.effectiveType()
	size := et.Size()
	filter := newPixelFilter(et, src.nodata)
	return b.walkBlocks(op, src, stride, withMask, nil, func(v *blockView) error {
		for y := 0; y < v.h; y++ {
			off := y * v.stride * size
			for x := 0; x < v.w; x++ {
				if v.mask != nil && v.mask[y*v.w+x] == 0 {
					continue
				}
				if px, ok := filter.value(v.data, off+x*size); ok {
					fn(px, v.x0+x, v.y0+y)
				}
			}
		}
		return nil
	})
}
