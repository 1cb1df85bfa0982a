package raster

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-kit/log/level"

	"github.com/pspoerri/rasterband/internal/blockcache"
)

// Band is one two-dimensional array of pixels of a Dataset.
type Band struct {
	ds     *Dataset
	index  int // 1-based; 0 for stored masks
	parent *Band

	width, height              int
	blockW, blockH             int
	blocksPerRow, blocksPerCol int
	dtype                      DataType
	access                     Access
	description                string

	driver BlockReader
	// noCache bands serve every request through their WindowIO driver.
	noCache bool
	isMask  bool

	cache       *blockcache.Cache
	colorInterp ColorInterp
	nodata      NoData
	md          metadataStore
	overviews   []*Band

	mask         *Band
	maskFlags    MaskFlags
	maskOwned    bool
	maskResolved bool

	defaultHist *Histogram
}

func newBand(d *Dataset, index int, info BandInfo, drv BlockReader) (*Band, error) {
	if drv == nil {
		return nil, fmt.Errorf("band %d: nil driver: %w", index, ErrInvalidArgument)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("band %d: size %dx%d: %w", index, info.Width, info.Height, ErrInvalidArgument)
	}
	if info.Type.Size() == 0 {
		return nil, fmt.Errorf("band %d: data type %s: %w", index, info.Type, ErrInvalidArgument)
	}
	if info.BlockWidth == 0 && info.BlockHeight == 0 {
		info.BlockWidth, info.BlockHeight = info.Width, 1
	}
	if info.BlockWidth <= 0 || info.BlockHeight <= 0 {
		return nil, fmt.Errorf("band %d: block size %dx%d: %w", index, info.BlockWidth, info.BlockHeight, ErrInvalidArgument)
	}
	if int64(info.BlockWidth)*int64(info.BlockHeight)*int64(info.Type.Size()) > math.MaxInt32 {
		return nil, fmt.Errorf("band %d: block of %dx%d %s too large: %w",
			index, info.BlockWidth, info.BlockHeight, info.Type, ErrOutOfMemory)
	}
	_, noCache := drv.(derivedDriver)
	return &Band{
		ds:           d,
		index:        index,
		width:        info.Width,
		height:       info.Height,
		blockW:       info.BlockWidth,
		blockH:       info.BlockHeight,
		blocksPerRow: (info.Width + info.BlockWidth - 1) / info.BlockWidth,
		blocksPerCol: (info.Height + info.BlockHeight - 1) / info.BlockHeight,
		dtype:        info.Type,
		access:       info.Access,
		description:  info.Description,
		colorInterp:  info.ColorInterp,
		driver:       drv,
		noCache:      noCache,
	}, nil
}

// fail builds an *Error for this band.
func (b *Band) fail(op string, kind error, format string, args ...any) error {
	return &Error{Op: op, DatasetID: b.ds.id, Dataset: b.ds.name, Band: b.index,
		Kind: kind, Err: fmt.Errorf(format, args...)}
}

// wrap attaches band context to err unless it already carries it.
func (b *Band) wrap(op string, err error, fallback error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Op: op, DatasetID: b.ds.id, Dataset: b.ds.name, Band: b.index,
		Kind: classify(err, fallback), Err: err}
}

// Dataset returns the owning dataset.
func (b *Band) Dataset() *Dataset { return b.ds }

// Index returns the 1-based band number; stored masks return 0.
func (b *Band) Index() int { return b.index }

// Width returns the band width in pixels.
func (b *Band) Width() int { return b.width }

// Height returns the band height in pixels.
func (b *Band) Height() int { return b.height }

// BlockSize returns the native block width and height.
func (b *Band) BlockSize() (int, int) { return b.blockW, b.blockH }

// BlockCount returns the number of block columns and rows.
func (b *Band) BlockCount() (int, int) { return b.blocksPerRow, b.blocksPerCol }

// ActualBlockSize returns the part of block (col, row) inside the raster.
func (b *Band) ActualBlockSize(col, row int) (int, int, error) {
	if col < 0 || col >= b.blocksPerRow || row < 0 || row >= b.blocksPerCol {
		return 0, 0, b.fail("ActualBlockSize", ErrInvalidArgument, "block (%d,%d) out of range", col, row)
	}
	return min(b.blockW, b.width-col*b.blockW), min(b.blockH, b.height-row*b.blockH), nil
}

// DataType returns the storage type of the pixels.
func (b *Band) DataType() DataType { return b.dtype }

// Access returns the access mode.
func (b *Band) Access() Access { return b.access }

// Description returns the band description.
func (b *Band) Description() string { return b.description }

// IsOverview reports whether the band is a reduced-resolution view of
// another band.
func (b *Band) IsOverview() bool { return b.parent != nil }

// effectiveType is the type pixel values are interpreted as.
func (b *Band) effectiveType() DataType {
	if b.dtype == Byte {
		src := b
		if b.parent != nil {
			src = b.parent
		}
		if v, ok := src.md.get(MDPixelType, DomainImageStructure); ok && v == "SIGNEDBYTE" {
			return Int8
		}
	}
	return b.dtype
}

// ColorInterpretation returns the color interpretation.
func (b *Band) ColorInterpretation() ColorInterp {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.colorInterp
}

// SetColorInterpretation changes the color interpretation. Masks of every
// band in the dataset are resolved again.
func (b *Band) SetColorInterpretation(c ColorInterp) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if b.colorInterp == c {
		return
	}
	b.colorInterp = c
	for _, ov := range b.overviews {
		ov.colorInterp = c
	}
	b.ds.invalidateMasks()
}

// NoDataValue returns the nodata value; NoData.IsSet is false when none.
func (b *Band) NoDataValue() NoData {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.nodata
}

// SetNoDataValue sets the nodata value. Int64 and UInt64 bands accept only
// exactly representable values; use SetNoDataValueAsInt64 or
// SetNoDataValueAsUInt64 for the full range.
func (b *Band) SetNoDataValue(v float64) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	n, err := noDataFromFloat64(b.dtype, v)
	if err != nil {
		return b.wrap("SetNoDataValue", err, ErrInvalidArgument)
	}
	b.setNoData(n)
	return nil
}

// SetNoDataValueAsInt64 sets a signed 64-bit nodata value.
func (b *Band) SetNoDataValueAsInt64(v int64) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	n, err := noDataFromInt64(b.dtype, v)
	if err != nil {
		return b.wrap("SetNoDataValueAsInt64", err, ErrInvalidArgument)
	}
	b.setNoData(n)
	return nil
}

// SetNoDataValueAsUInt64 sets an unsigned 64-bit nodata value.
func (b *Band) SetNoDataValueAsUInt64(v uint64) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	n, err := noDataFromUInt64(b.dtype, v)
	if err != nil {
		return b.wrap("SetNoDataValueAsUInt64", err, ErrInvalidArgument)
	}
	b.setNoData(n)
	return nil
}

// DeleteNoDataValue removes the nodata value.
func (b *Band) DeleteNoDataValue() {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.setNoData(NoData{})
}

// setNoData also updates the overviews, which share the parent's nodata.
func (b *Band) setNoData(n NoData) {
	b.nodata = n
	for _, ov := range b.overviews {
		ov.nodata = n
		ov.invalidateStatistics()
	}
	b.invalidateMask()
	b.invalidateStatistics()
	level.Debug(b.ds.logger).Log("msg", "nodata changed", "band", b.index, "value", n.String())
}

// Metadata returns a copy of one metadata domain.
func (b *Band) Metadata(domain string) map[string]string {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.md.list(domain)
}

// MetadataDomains lists the domains holding metadata.
func (b *Band) MetadataDomains() []string {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.md.domainNames()
}

// MetadataItem returns one metadata value.
func (b *Band) MetadataItem(key, domain string) (string, bool) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.md.get(key, domain)
}

// SetMetadataItem sets one metadata value.
func (b *Band) SetMetadataItem(key, value, domain string) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	b.md.set(key, value, domain)
	if key == MDPixelType && domain == DomainImageStructure {
		b.invalidateMask()
		b.invalidateStatistics()
	}
}

// OverviewCount returns the number of overviews.
func (b *Band) OverviewCount() int {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return len(b.overviews)
}

// Overview returns overview i, counting from 0 (least reduced first).
func (b *Band) Overview(i int) (*Band, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if i < 0 || i >= len(b.overviews) {
		return nil, b.fail("Overview", ErrInvalidArgument, "overview %d of %d", i, len(b.overviews))
	}
	return b.overviews[i], nil
}

// AddOverview attaches a reduced-resolution view served by drv. Overviews
// are kept sorted from least to most reduced and inherit the nodata value.
func (b *Band) AddOverview(info BandInfo, drv BlockReader) (*Band, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.addOverview(info, drv)
}

func (b *Band) addOverview(info BandInfo, drv BlockReader) (*Band, error) {
	if b.parent != nil {
		return nil, b.fail("AddOverview", ErrNotSupported, "overviews of overviews")
	}
	if info.Width > b.width || info.Height > b.height {
		return nil, b.fail("AddOverview", ErrInvalidArgument, "overview %dx%d larger than band %dx%d",
			info.Width, info.Height, b.width, b.height)
	}
	if info.Type == Unknown {
		info.Type = b.dtype
	}
	ov, err := newBand(b.ds, b.index, info, drv)
	if err != nil {
		return nil, err
	}
	ov.parent = b
	ov.nodata = b.nodata
	ov.colorInterp = b.colorInterp
	pos := len(b.overviews)
	for i, o := range b.overviews {
		if ov.width > o.width {
			pos = i
			break
		}
	}
	b.overviews = append(b.overviews, nil)
	copy(b.overviews[pos+1:], b.overviews[pos:])
	b.overviews[pos] = ov
	return ov, nil
}

// blockCache returns the band's cache, creating it on first use.
func (b *Band) blockCache() (*blockcache.Cache, error) {
	if b.cache != nil {
		return b.cache, nil
	}
	strategy, err := blockcache.ParseStrategy(b.ds.cfg.CacheStrategy)
	if err != nil {
		return nil, b.wrap("blockCache", err, ErrInvalidArgument)
	}
	var write blockcache.WriteFunc
	if w, ok := b.driver.(BlockWriter); ok && b.access == Update {
		write = w.WriteBlock
	}
	c, err := blockcache.New(b.ds.registry, blockcache.Config{
		Name:          b.cacheName(),
		BlockBytes:    b.blockW * b.blockH * b.dtype.Size(),
		BlocksPerRow:  b.blocksPerRow,
		BlocksPerCol:  b.blocksPerCol,
		DatasetBlocks: b.ds.estimateBlocks(),
		Strategy:      strategy,
		Locker:        &b.ds.mu,
		Read:          b.driver.ReadBlock,
		Write:         write,
	})
	if err != nil {
		return nil, b.wrap("blockCache", err, ErrOutOfMemory)
	}
	b.cache = c
	return c, nil
}

func (b *Band) cacheName() string {
	name := b.ds.label() + "/" + strconv.Itoa(b.index)
	switch {
	case b.isMask:
		name += "/mask"
	case b.parent != nil:
		name += fmt.Sprintf("/ov%dx%d", b.width, b.height)
	}
	return name
}

// takeLatched drains an error raised while a dirty block of this band was
// flushed by an eviction.
func (b *Band) takeLatched(op string) error {
	if b.cache == nil {
		return nil
	}
	if err := b.cache.TakeError(); err != nil {
		return b.wrap(op, fmt.Errorf("deferred block flush: %w", err), ErrIOFailure)
	}
	return nil
}

// ReadBlock copies block (col, row) into dst, which must hold a full block.
func (b *Band) ReadBlock(col, row int, dst []byte) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "ReadBlock"
	if err := b.checkBlock(op, col, row, len(dst)); err != nil {
		return err
	}
	if b.noCache {
		return b.wrap(op, b.driver.ReadBlock(col, row, dst), ErrIOFailure)
	}
	c, err := b.blockCache()
	if err != nil {
		return err
	}
	h, err := c.GetLocked(col, row, false)
	if err != nil {
		return b.wrap(op, err, ErrIOFailure)
	}
	copy(dst, h.Data())
	h.Release()
	return nil
}

// WriteBlock replaces block (col, row) with src.
func (b *Band) WriteBlock(col, row int, src []byte) error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "WriteBlock"
	if err := b.checkBlock(op, col, row, len(src)); err != nil {
		return err
	}
	if b.access != Update {
		return b.fail(op, ErrNotSupported, "band is read-only")
	}
	if err := b.takeLatched(op); err != nil {
		return err
	}
	c, err := b.blockCache()
	if err != nil {
		return err
	}
	h, err := c.GetLocked(col, row, true)
	if err != nil {
		return b.wrap(op, err, ErrIOFailure)
	}
	copy(h.Data(), src)
	h.MarkDirty()
	h.Release()
	b.invalidateStatistics()
	return nil
}

// LockedBlock returns a locked reference to block (col, row). The caller
// must Release it; a handle whose data is modified must be marked dirty.
func (b *Band) LockedBlock(col, row int, justInitialize bool) (*blockcache.Handle, error) {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	const op = "LockedBlock"
	if err := b.checkBlock(op, col, row, -1); err != nil {
		return nil, err
	}
	if b.noCache {
		return nil, b.fail(op, ErrNotSupported, "band has no block cache")
	}
	c, err := b.blockCache()
	if err != nil {
		return nil, err
	}
	h, err := c.GetLocked(col, row, justInitialize)
	if err != nil {
		return nil, b.wrap(op, err, ErrIOFailure)
	}
	return h, nil
}

func (b *Band) checkBlock(op string, col, row, bufLen int) error {
	if b.ds.closed {
		return b.fail(op, ErrIllegalState, "dataset closed")
	}
	if col < 0 || col >= b.blocksPerRow || row < 0 || row >= b.blocksPerCol {
		return b.fail(op, ErrInvalidArgument, "block (%d,%d) outside %dx%d", col, row, b.blocksPerRow, b.blocksPerCol)
	}
	if need := b.blockW * b.blockH * b.dtype.Size(); bufLen >= 0 && bufLen < need {
		return b.fail(op, ErrInvalidArgument, "buffer of %d bytes, block needs %d", bufLen, need)
	}
	return nil
}

// FlushCache writes every dirty block and frees the band's cached blocks,
// after reporting any error latched by an earlier eviction.
func (b *Band) FlushCache() error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.flushCache()
}

func (b *Band) flushCache() error {
	var errs []error
	if err := b.takeLatched("FlushCache"); err != nil {
		errs = append(errs, err)
	}
	if b.cache != nil {
		if err := b.cache.FlushAll(); err != nil {
			errs = append(errs, b.wrap("FlushCache", err, ErrIOFailure))
		}
	}
	for _, ov := range b.overviews {
		if err := ov.flushCache(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DropCache flushes and discards the band's cache. It is recreated on the
// next block access.
func (b *Band) DropCache() error {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	return b.dropCache()
}

func (b *Band) dropCache() error {
	if b.cache == nil {
		return nil
	}
	err := b.takeLatched("DropCache")
	if cerr := b.cache.Close(); cerr != nil {
		err = errors.Join(err, b.wrap("DropCache", cerr, ErrIOFailure))
	}
	b.cache = nil
	return err
}

// closeCaches drops the caches of the band, its overviews and an owned
// mask.
func (b *Band) closeCaches() error {
	var errs []error
	for _, ov := range b.overviews {
		if err := ov.dropCache(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.mask != nil && b.maskOwned {
		if err := b.mask.dropCache(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.dropCache(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CacheStats reports the band's resident, dirty and locked blocks.
func (b *Band) CacheStats() blockcache.CacheStats {
	b.ds.mu.Lock()
	defer b.ds.mu.Unlock()
	if b.cache == nil {
		return blockcache.CacheStats{}
	}
	return b.cache.Stats()
}
