package raster

import (
	"math"

	"github.com/go-kit/log/level"
)

// IOArgs tunes a RasterIO call. A nil *IOArgs uses the configured defaults.
type IOArgs struct {
	// Resampling applies when the buffer size differs from the window.
	// The zero value is Nearest; nil args use the configured default.
	Resampling Resampling
	// ForceCachedIO routes the call through the block cache even when the
	// driver serves windows itself.
	ForceCachedIO bool
	// OversamplingThreshold overrides the decimation factor from which
	// overviews are used. 0 keeps the default.
	OversamplingThreshold float64
}

func (b *Band) resolveArgs(args *IOArgs) IOArgs {
	if args != nil {
		return *args
	}
	var a IOArgs
	if b.ds.cfg.Resampling != "" {
		r, err := ParseResampling(b.ds.cfg.Resampling)
		if err != nil {
			level.Warn(b.ds.logger).Log("msg", "ignoring configured resampling", "err", err)
		} else {
			a.Resampling = r
		}
	}
	return a
}

// RasterIO reads or writes the window (x, y, w, h) of the band from or to
// buf, which holds bufW×bufH pixels of bufType. pixelSpace and lineSpace
// are byte strides; 0 selects packed pixels and lines. When the buffer size
// differs from the window the data is resampled; reads may then be served
// from an overview.
func (b *Band) RasterIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int, args *IOArgs) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.rasterIO(mode, x, y, w, h, buf, bufW, bufH, bufType, pixelSpace, lineSpace, args)
}

func (b *Band) rasterIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int, args *IOArgs) error {
	const op = "RasterIO"
	if b.ds.closed {
		return b.fail(op, ErrIllegalState, "dataset closed")
	}
	if w < 0 || h < 0 || bufW < 0 || bufH < 0 {
		return b.fail(op, ErrInvalidArgument, "negative size: window %dx%d, buffer %dx%d", w, h, bufW, bufH)
	}
	if pixelSpace < 0 || lineSpace < 0 {
		return b.fail(op, ErrInvalidArgument, "negative stride: pixel %d, line %d", pixelSpace, lineSpace)
	}
	if bufType.Size() == 0 {
		return b.fail(op, ErrInvalidArgument, "buffer type %s", bufType)
	}
	if x < 0 || y < 0 || int64(x)+int64(w) > int64(b.width) || int64(y)+int64(h) > int64(b.height) {
		return b.fail(op, ErrInvalidArgument, "window (%d,%d) %dx%d outside raster %dx%d",
			x, y, w, h, b.width, b.height)
	}
	if w == 0 || h == 0 || bufW == 0 || bufH == 0 {
		return nil
	}
	if pixelSpace == 0 {
		pixelSpace = bufType.Size()
	}
	if lineSpace == 0 {
		lineSpace = pixelSpace * bufW
	}
	need := int64(bufH-1)*int64(lineSpace) + int64(bufW-1)*int64(pixelSpace) + int64(bufType.Size())
	if int64(len(buf)) < need {
		return b.fail(op, ErrInvalidArgument, "buffer of %d bytes, request needs %d", len(buf), need)
	}
	if mode == Write && b.access != Update {
		return b.fail(op, ErrNotSupported, "band is read-only")
	}
	if err := b.takeLatched(op); err != nil {
		return err
	}
	a := b.resolveArgs(args)
	if mode == Write {
		b.invalidateStatistics()
	}

	if mode == Read && (bufW < w || bufH < h) {
		if ov, win, ok := b.bestOverview(x, y, w, h, bufW, bufH, &a); ok {
			level.Debug(b.ds.logger).Log("msg", "reading from overview", "band", b.index,
				"overview", ov.cacheName(), "x", win.x, "y", win.y, "w", win.w, "h", win.h)
			return ov.rasterIO(mode, win.x, win.y, win.w, win.h, buf, bufW, bufH, bufType, pixelSpace, lineSpace, &a)
		}
	}

	if wio, ok := b.driver.(WindowIO); ok && (b.noCache || !(a.ForceCachedIO || b.ds.cfg.ForceCachedIO)) {
		if b.cache != nil {
			var err error
			if mode == Read {
				err = b.cache.FlushDirty()
			} else {
				err = b.cache.FlushAll()
			}
			if err != nil {
				return b.wrap(op, err, ErrIOFailure)
			}
		}
		err := wio.WindowIO(mode, x, y, w, h, buf, bufW, bufH, bufType, pixelSpace, lineSpace)
		return b.wrap(op, err, ErrIOFailure)
	}
	if b.noCache {
		return b.fail(op, ErrNotSupported, "band without block cache needs a window driver")
	}

	err := b.cachedIO(mode, x, y, w, h, buf, bufW, bufH, bufType, pixelSpace, lineSpace, a.Resampling)
	return b.wrap(op, err, ErrIOFailure)
}

// cachedIO serves a validated request from the band's own blocks.
func (b *Band) cachedIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int, alg Resampling) error {
	switch {
	case w == bufW && h == bufH:
		return b.blockIO(mode, x, y, w, h, buf, bufType, pixelSpace, lineSpace)
	case mode == Write:
		return b.writeReplicated(x, y, w, h, buf, bufW, bufH, bufType, pixelSpace, lineSpace)
	case alg == Nearest:
		return b.readNearest(x, y, w, h, buf, bufW, bufH, bufType, pixelSpace, lineSpace)
	}
	return b.readResampled(x, y, w, h, buf, bufW, bufH, bufType, pixelSpace, lineSpace, alg)
}

// blockIO copies a window between buf and the cached blocks at full
// resolution, locking one block at a time.
func (b *Band) blockIO(mode Mode, x, y, w, h int, buf []byte, bufType DataType, pixelSpace, lineSpace int) error {
	c, err := b.blockCache()
	if err != nil {
		return err
	}
	et := b.effectiveType()
	size := et.Size()
	for by := y / b.blockH; by <= (y+h-1)/b.blockH; by++ {
		y0 := max(y, by*b.blockH)
		y1 := min(y+h, (by+1)*b.blockH)
		for bx := x / b.blockW; bx <= (x+w-1)/b.blockW; bx++ {
			x0 := max(x, bx*b.blockW)
			x1 := min(x+w, (bx+1)*b.blockW)
			whole := mode == Write &&
				x0 == bx*b.blockW && x1 == min(b.width, (bx+1)*b.blockW) &&
				y0 == by*b.blockH && y1 == min(b.height, (by+1)*b.blockH)
			hd, err := c.GetLocked(bx, by, whole)
			if err != nil {
				return err
			}
			data := hd.Data()
			for yy := y0; yy < y1; yy++ {
				blockOff := ((yy-by*b.blockH)*b.blockW + x0 - bx*b.blockW) * size
				bufOff := (yy-y)*lineSpace + (x0-x)*pixelSpace
				if mode == Read {
					copyWords(data, et, blockOff, size, buf, bufType, bufOff, pixelSpace, x1-x0)
				} else {
					copyWords(buf, bufType, bufOff, pixelSpace, data, et, blockOff, size, x1-x0)
				}
			}
			if mode == Write {
				hd.MarkDirty()
			}
			hd.Release()
		}
	}
	return nil
}

// nearestIndex maps output index i of n onto a source span.
func nearestIndex(off, span, n, i int) int {
	return off + min(span-1, int((float64(i)+0.5)*float64(span)/float64(n)))
}

// readNearest decimates or replicates by sampling the block pixel nearest to
// each output pixel center.
func (b *Band) readNearest(x, y, w, h int, buf []byte, bufW, bufH int, bufType DataType, pixelSpace, lineSpace int) error {
	c, err := b.blockCache()
	if err != nil {
		return err
	}
	et := b.effectiveType()
	size := et.Size()
	srcX := make([]int, bufW)
	for i := range srcX {
		srcX[i] = nearestIndex(x, w, bufW, i)
	}
	for j := 0; j < bufH; j++ {
		sy := nearestIndex(y, h, bufH, j)
		by := sy / b.blockH
		rowOff := (sy - by*b.blockH) * b.blockW
		for i := 0; i < bufW; {
			bx := srcX[i] / b.blockW
			hd, err := c.GetLocked(bx, by, false)
			if err != nil {
				return err
			}
			data := hd.Data()
			for ; i < bufW && srcX[i]/b.blockW == bx; i++ {
				blockOff := (rowOff + srcX[i] - bx*b.blockW) * size
				copyWords(data, et, blockOff, size, buf, bufType, j*lineSpace+i*pixelSpace, pixelSpace, 1)
			}
			hd.Release()
		}
	}
	return nil
}

// readResampled reads the source window at full resolution and combines it
// with the kernel or box weights of alg, skipping nodata pixels.
func (b *Band) readResampled(x, y, w, h int, buf []byte, bufW, bufH int, bufType DataType,
	pixelSpace, lineSpace int, alg Resampling) error {
	cx := alg.contributions(x, w, bufW, b.width)
	cy := alg.contributions(y, h, bufH, b.height)
	x0, x1 := contribRange(cx)
	y0, y1 := contribRange(cy)
	sw, sh := x1-x0+1, y1-y0+1

	et := b.effectiveType()
	size := et.Size()
	if int64(sw)*int64(sh)*int64(size) > math.MaxInt32*4 {
		return b.fail("RasterIO", ErrOutOfMemory, "resampling window %dx%d too large", sw, sh)
	}
	src := make([]byte, sw*sh*size)
	if err := b.blockIO(Read, x0, y0, sw, sh, src, et, size, sw*size); err != nil {
		return err
	}

	filter := newPixelFilter(et, b.nodata)
	fill := 0.0
	if b.nodata.IsSet() {
		fill = b.nodata.Float64()
	}
	r := resampler{alg: alg}
	for j := 0; j < bufH; j++ {
		for i := 0; i < bufW; i++ {
			r.reset()
			for _, ey := range cy[j] {
				line := (ey.idx - y0) * sw
				for _, ex := range cx[i] {
					v, ok := filter.value(src, (line+ex.idx-x0)*size)
					if ok {
						r.add(v, ex.weight*ey.weight)
					}
				}
			}
			v, ok := r.value()
			if !ok {
				v = fill
			}
			storeFloat(bufType, buf, j*lineSpace+i*pixelSpace, v)
		}
	}
	return nil
}

// writeReplicated scales a buffer to the window by nearest neighbour and
// writes the result at full resolution.
func (b *Band) writeReplicated(x, y, w, h int, buf []byte, bufW, bufH int, bufType DataType, pixelSpace, lineSpace int) error {
	size := bufType.Size()
	if int64(w)*int64(h)*int64(size) > math.MaxInt32*4 {
		return b.fail("RasterIO", ErrOutOfMemory, "write window %dx%d too large", w, h)
	}
	tmp := make([]byte, w*h*size)
	srcX := make([]int, w)
	for i := range srcX {
		srcX[i] = nearestIndex(0, bufW, w, i)
	}
	for j := 0; j < h; j++ {
		sy := nearestIndex(0, bufH, h, j)
		for i, sx := range srcX {
			copy(tmp[(j*w+i)*size:(j*w+i+1)*size], buf[sy*lineSpace+sx*pixelSpace:])
		}
	}
	return b.blockIO(Write, x, y, w, h, tmp, bufType, size, w*size)
}
