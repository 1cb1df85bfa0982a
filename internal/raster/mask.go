package raster

import (
	"math"
	"strings"

	"github.com/go-kit/log/level"
)

// MaskFlags describes how a band's validity mask is derived.
type MaskFlags int

const (
	MaskAllValid   MaskFlags = 0x01
	MaskPerDataset MaskFlags = 0x02
	MaskAlpha      MaskFlags = 0x04
	MaskNoData     MaskFlags = 0x08
)

func (f MaskFlags) String() string {
	var parts []string
	for _, p := range []struct {
		f    MaskFlags
		name string
	}{{MaskAllValid, "ALL_VALID"}, {MaskPerDataset, "PER_DATASET"}, {MaskAlpha, "ALPHA"}, {MaskNoData, "NODATA"}} {
		if f&p.f != 0 {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, ",")
}

// MaskBand returns the band holding 0 for invalid and 255 for valid pixels.
func (b *Band) MaskBand() (*Band, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if err := b.resolveMask(); err != nil {
		return nil, err
	}
	return b.mask, nil
}

// MaskFlags returns the flags of the resolved mask.
func (b *Band) MaskFlags() MaskFlags {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if err := b.resolveMask(); err != nil {
		level.Warn(b.ds.logger).Log("msg", "mask resolution failed", "band", b.index, "err", err)
		return MaskAllValid
	}
	return b.maskFlags
}

// invalidateMask forgets the resolved mask of the band and its overviews.
func (b *Band) invalidateMask() {
	b.mask, b.maskFlags, b.maskOwned, b.maskResolved = nil, 0, false, false
	for _, ov := range b.overviews {
		ov.invalidateMask()
	}
}

func (b *Band) setMask(m *Band, flags MaskFlags, owned bool) {
	b.mask, b.maskFlags, b.maskOwned, b.maskResolved = m, flags, owned, true
}

// resolveMask picks the mask source, first match wins: a stored dataset
// mask, dataset NODATA_VALUES, the band nodata, an alpha band, all valid.
func (b *Band) resolveMask() error {
	if b.maskResolved {
		return nil
	}
	d := b.ds
	if b.isMask {
		return b.deriveMask(&allValidMask{}, MaskAllValid)
	}
	if b.parent != nil {
		return b.resolveOverviewMask()
	}
	if d.extMask != nil {
		b.setMask(d.extMask, MaskPerDataset, false)
		return nil
	}
	shared, err := d.noDataValuesMask()
	if err != nil {
		return err
	}
	if shared != nil {
		b.setMask(shared, MaskPerDataset|MaskNoData, false)
		return nil
	}
	if b.nodata.inRange(b.effectiveType()) {
		return b.deriveMask(&noDataMask{src: b}, MaskNoData)
	}
	if n := len(d.bands); (n == 2 || n == 4) && d.bands[n-1].colorInterp == ColorAlpha && d.bands[n-1] != b {
		alpha := d.bands[n-1]
		if alpha.dtype == Byte {
			b.setMask(alpha, MaskAlpha|MaskPerDataset, false)
			return nil
		}
		return b.deriveMask(&alphaMask{src: alpha}, MaskAlpha|MaskPerDataset)
	}
	return b.deriveMask(&allValidMask{}, MaskAllValid)
}

// resolveOverviewMask masks an overview with its own nodata, or with its
// parent's mask read at the overview resolution.
func (b *Band) resolveOverviewMask() error {
	if b.nodata.inRange(b.effectiveType()) {
		return b.deriveMask(&noDataMask{src: b}, MaskNoData)
	}
	if err := b.parent.resolveMask(); err != nil {
		return err
	}
	if b.parent.maskFlags == MaskAllValid {
		return b.deriveMask(&allValidMask{}, MaskAllValid)
	}
	return b.deriveMask(&scaledMask{ov: b, src: b.parent.mask}, b.parent.maskFlags)
}

// deriveMask wraps drv in a cache-less Byte band the size of b.
func (b *Band) deriveMask(drv derivedDriver, flags MaskFlags) error {
	m, err := newDerivedBand(b.ds, b.index, b.width, b.height, b.blockW, b.blockH, drv)
	if err != nil {
		return err
	}
	b.setMask(m, flags, true)
	return nil
}

func newDerivedBand(d *Dataset, index, w, h, bw, bh int, drv derivedDriver) (*Band, error) {
	m, err := newBand(d, index, BandInfo{Width: w, Height: h, BlockWidth: bw, BlockHeight: bh, Type: Byte}, drv)
	if err != nil {
		return nil, err
	}
	m.isMask = true
	return m, nil
}

// noDataValuesMask returns the mask shared by every band when the dataset
// carries a usable NODATA_VALUES item, creating it on first use.
func (d *Dataset) noDataValuesMask() (*Band, error) {
	if d.sharedMask != nil {
		return d.sharedMask, nil
	}
	raw, ok := d.md.get(MDNoDataValues, DomainDefault)
	if !ok || len(d.bands) == 0 {
		return nil, nil
	}
	fields := strings.Fields(raw)
	if len(fields) != len(d.bands) {
		level.Warn(d.logger).Log("msg", "ignoring NODATA_VALUES", "values", len(fields), "bands", len(d.bands))
		return nil, nil
	}
	t := d.bands[0].effectiveType()
	filters := make([]pixelFilter, len(fields))
	for i, f := range fields {
		if d.bands[i].effectiveType() != t {
			level.Warn(d.logger).Log("msg", "ignoring NODATA_VALUES on bands of mixed types")
			return nil, nil
		}
		nd, err := ParseNoData(t, f)
		if err != nil {
			level.Warn(d.logger).Log("msg", "ignoring NODATA_VALUES", "err", err)
			return nil, nil
		}
		filters[i] = newPixelFilter(t, nd)
	}
	first := d.bands[0]
	m, err := newDerivedBand(d, 0, d.width, d.height, first.blockW, first.blockH,
		&noDataValuesMask{bands: append([]*Band(nil), d.bands...), filters: filters, t: t})
	if err != nil {
		return nil, err
	}
	d.sharedMask = m
	return m, nil
}

// derivedDriver computes a band from other bands on every read. Bands
// served by one never cache blocks.
type derivedDriver interface {
	BlockReader
	WindowIO
	derived()
}

// nearestArgs requests nearest-neighbour reads from source bands.
var nearestArgs = &IOArgs{Resampling: Nearest}

// storeMask fills an output buffer from per-pixel validity.
func storeMask(buf []byte, bufW, bufH int, bufType DataType, pixelSpace, lineSpace int, valid func(i int) float64) {
	for j := 0; j < bufH; j++ {
		for i := 0; i < bufW; i++ {
			storeFloat(bufType, buf, j*lineSpace+i*pixelSpace, valid(j*bufW+i))
		}
	}
}

func readOnlyMask(mode Mode) error {
	if mode == Write {
		return ErrNotSupported
	}
	return nil
}

type allValidMask struct{}

func (allValidMask) derived() {}

func (allValidMask) ReadBlock(_, _ int, dst []byte) error {
	for i := range dst {
		dst[i] = 255
	}
	return nil
}

func (allValidMask) WindowIO(mode Mode, _, _, _, _ int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int) error {
	if err := readOnlyMask(mode); err != nil {
		return err
	}
	storeMask(buf, bufW, bufH, bufType, pixelSpace, lineSpace, func(int) float64 { return 255 })
	return nil
}

// noDataMask marks pixels equal to the source nodata value, and NaN.
type noDataMask struct {
	src *Band
}

func (*noDataMask) derived() {}

func (m *noDataMask) ReadBlock(col, row int, dst []byte) error {
	return readDerivedBlock(m, m.src, col, row, dst)
}

func (m *noDataMask) WindowIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int) error {
	if err := readOnlyMask(mode); err != nil {
		return err
	}
	t := m.src.effectiveType()
	tmp := make([]byte, bufW*bufH*t.Size())
	if err := m.src.rasterIO(Read, x, y, w, h, tmp, bufW, bufH, t, 0, 0, nearestArgs); err != nil {
		return err
	}
	filter := newPixelFilter(t, m.src.nodata)
	storeMask(buf, bufW, bufH, bufType, pixelSpace, lineSpace, func(i int) float64 {
		if _, ok := filter.value(tmp, i*t.Size()); ok {
			return 255
		}
		return 0
	})
	return nil
}

// noDataValuesMask marks pixels where every band equals its entry of
// NODATA_VALUES.
type noDataValuesMask struct {
	bands   []*Band
	filters []pixelFilter
	t       DataType
}

func (*noDataValuesMask) derived() {}

func (m *noDataValuesMask) ReadBlock(col, row int, dst []byte) error {
	return readDerivedBlock(m, m.bands[0], col, row, dst)
}

func (m *noDataValuesMask) WindowIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int) error {
	if err := readOnlyMask(mode); err != nil {
		return err
	}
	size := m.t.Size()
	n := bufW * bufH
	nodata := make([]bool, n)
	for i := range nodata {
		nodata[i] = true
	}
	tmp := make([]byte, n*size)
	for bi, band := range m.bands {
		if err := band.rasterIO(Read, x, y, w, h, tmp, bufW, bufH, m.t, 0, 0, nearestArgs); err != nil {
			return err
		}
		f := &m.filters[bi]
		for i := range nodata {
			if nodata[i] {
				if _, ok := f.value(tmp, i*size); ok {
					nodata[i] = false
				}
			}
		}
	}
	storeMask(buf, bufW, bufH, bufType, pixelSpace, lineSpace, func(i int) float64 {
		if nodata[i] {
			return 0
		}
		return 255
	})
	return nil
}

// alphaMask rescales a non-Byte alpha band to 0..255.
type alphaMask struct {
	src *Band
}

func (*alphaMask) derived() {}

func (m *alphaMask) ReadBlock(col, row int, dst []byte) error {
	return readDerivedBlock(m, m.src, col, row, dst)
}

func (m *alphaMask) WindowIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int) error {
	if err := readOnlyMask(mode); err != nil {
		return err
	}
	tmp := make([]byte, bufW*bufH*8)
	if err := m.src.rasterIO(Read, x, y, w, h, tmp, bufW, bufH, Float64, 0, 0, nearestArgs); err != nil {
		return err
	}
	storeMask(buf, bufW, bufH, bufType, pixelSpace, lineSpace, func(i int) float64 {
		return rescaleAlpha(math.Float64frombits(le.Uint64(tmp[i*8:])))
	})
	return nil
}

// rescaleAlpha maps a 16-bit style alpha onto 0..255, keeping any non-zero
// value non-zero.
func rescaleAlpha(v float64) float64 {
	switch {
	case !(v > 0):
		return 0
	case v < 257:
		return 1
	}
	return math.Min(255, math.Floor(v/257))
}

// scaledMask reads the mask of a full-resolution band at the resolution of
// one of its overviews.
type scaledMask struct {
	ov  *Band
	src *Band
}

func (*scaledMask) derived() {}

func (m *scaledMask) ReadBlock(col, row int, dst []byte) error {
	return readDerivedBlock(m, m.ov, col, row, dst)
}

func (m *scaledMask) WindowIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
	bufType DataType, pixelSpace, lineSpace int) error {
	if err := readOnlyMask(mode); err != nil {
		return err
	}
	sx := float64(m.src.width) / float64(m.ov.width)
	sy := float64(m.src.height) / float64(m.ov.height)
	px := int(math.Floor(float64(x) * sx))
	py := int(math.Floor(float64(y) * sy))
	pw := min(m.src.width, int(math.Ceil(float64(x+w)*sx))) - px
	ph := min(m.src.height, int(math.Ceil(float64(y+h)*sy))) - py
	return m.src.rasterIO(Read, px, py, max(1, pw), max(1, ph), buf, bufW, bufH, bufType, pixelSpace, lineSpace, nearestArgs)
}

// readDerivedBlock fills one block of a derived mask through its window
// path. like supplies the block layout.
func readDerivedBlock(w WindowIO, like *Band, col, row int, dst []byte) error {
	x, y := col*like.blockW, row*like.blockH
	bw := min(like.blockW, like.width-x)
	bh := min(like.blockH, like.height-y)
	if bw <= 0 || bh <= 0 {
		return ErrInvalidArgument
	}
	return w.WindowIO(Read, x, y, bw, bh, dst, bw, bh, Byte, 1, like.blockW)
}
