package raster

import "math"

// RandomRasterSample returns up to maxSamples valid pixel values spread
// over the band. The most reduced overview that still has maxSamples
// pixels is sampled, visiting a regular subset of its blocks and pixels.
func (b *Band) RandomRasterSample(maxSamples int) ([]float32, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "RandomRasterSample"
	if maxSamples <= 0 {
		return nil, b.fail(op, ErrInvalidArgument, "%d samples", maxSamples)
	}
	if err := b.takeLatched(op); err != nil {
		return nil, err
	}
	src := b
	best := int64(b.width) * int64(b.height)
	for _, ov := range b.overviews {
		n := int64(ov.width) * int64(ov.height)
		if n < best && n > int64(maxSamples) {
			src, best = ov, n
		}
	}

	blockPixels := int64(src.blockW) * int64(src.blockH)
	blockCount := int64(src.blocksPerRow) * int64(src.blocksPerCol)
	rate := int64(math.Max(1, math.Sqrt(float64(blockCount))-2))
	if rate == int64(src.blocksPerRow) && rate > 1 {
		rate--
	}
	for rate > 1 && ((blockCount-1)/rate+1)*blockPixels < int64(maxSamples) {
		rate--
	}
	pixelRate := 1
	if per := int64(maxSamples) / ((blockCount-1)/rate + 1); per != 0 {
		pixelRate = int(max(1, blockPixels/per))
	}

	et := src.effectiveType()
	size := et.Size()
	filter := newPixelFilter(et, src.nodata)
	out := make([]float32, 0, maxSamples)
	err := b.walkBlocks(op, src, int(rate), false, nil, func(v *blockView) error {
		rem := 0
		for y := 0; y < v.h; y++ {
			x := rem
			for ; x < v.w; x += pixelRate {
				px, ok := filter.value(v.data, (y*v.stride+x)*size)
				if ok && len(out) < maxSamples {
					out = append(out, float32(px))
				}
			}
			rem = x - v.w
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
