package raster

import "math"

// window is a pixel rectangle of a band.
type window struct {
	x, y, w, h int
}

// oversamplingThreshold is the decimation factor from which overviews are
// considered.
func (b *Band) oversamplingThreshold(args *IOArgs) float64 {
	if args != nil && args.OversamplingThreshold > 0 {
		return args.OversamplingThreshold
	}
	if b.ds.cfg.OversamplingThreshold > 0 {
		return b.ds.cfg.OversamplingThreshold
	}
	if args == nil || args.Resampling == Nearest {
		return 1.2
	}
	return 1.0
}

// bestOverview picks the most reduced overview that is still at least as
// detailed as the requested buffer, and maps the window onto it.
func (b *Band) bestOverview(x, y, w, h, bufW, bufH int, args *IOArgs) (*Band, window, bool) {
	if len(b.overviews) == 0 || bufW <= 0 || bufH <= 0 {
		return nil, window{}, false
	}
	factor := math.Min(float64(w)/float64(bufW), float64(h)/float64(bufH))
	if factor < b.oversamplingThreshold(args) {
		return nil, window{}, false
	}
	var best *Band
	bestFactor := 1.0
	for _, ov := range b.overviews {
		f := ov.reduction(b)
		if f <= factor*(1+1e-9) && f > bestFactor {
			best, bestFactor = ov, f
		}
	}
	if best == nil {
		return nil, window{}, false
	}
	sx := float64(b.width) / float64(best.width)
	sy := float64(b.height) / float64(best.height)
	return best, mapWindow(x, y, w, h, sx, sy, best.width, best.height), true
}

// reduction is the decimation factor of b relative to base.
func (b *Band) reduction(base *Band) float64 {
	return math.Min(float64(base.width)/float64(b.width), float64(base.height)/float64(b.height))
}

func mapWindow(x, y, w, h int, sx, sy float64, maxW, maxH int) window {
	ox := int(math.Round(float64(x) / sx))
	oy := int(math.Round(float64(y) / sy))
	ow := max(1, int(math.Round(float64(x+w)/sx))-ox)
	oh := max(1, int(math.Round(float64(y+h)/sy))-oy)
	ox = min(ox, maxW-1)
	oy = min(oy, maxH-1)
	ow = min(ow, maxW-ox)
	oh = min(oh, maxH-oy)
	return window{ox, oy, ow, oh}
}
