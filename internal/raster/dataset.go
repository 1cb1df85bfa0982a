// Package raster exposes raster bands backed by block-caching format drivers:
// windowed reads and writes with type conversion and overview selection,
// statistics and histograms, and validity masks.
//
// A Dataset serializes every call on itself and its bands with one mutex.
// Different datasets may be used concurrently.
package raster

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/pspoerri/rasterband/internal/blockcache"
	"github.com/pspoerri/rasterband/internal/config"
)

// Dataset is a set of bands sharing a size, a lock and metadata.
type Dataset struct {
	// mu is the dataset lock. Public methods take it; unexported methods
	// assume it is held. Block caches release it while waiting for memory.
	mu sync.Mutex

	id       uuid.UUID
	name     string
	width    int
	height   int
	registry *blockcache.Registry
	cfg      config.Config
	hasCfg   bool
	logger   log.Logger
	closer   io.Closer

	bands      []*Band
	md         metadataStore
	bounds     orb.Bound
	hasBounds  bool
	epsg       int
	extMask    *Band // stored per-dataset mask
	sharedMask *Band // mask derived from NODATA_VALUES
	closed     bool
}

// DatasetOption configures a Dataset.
type DatasetOption func(*Dataset)

// WithRegistry attaches the dataset's caches to reg instead of the
// process-wide registry.
func WithRegistry(reg *blockcache.Registry) DatasetOption {
	return func(d *Dataset) { d.registry = reg }
}

// WithConfig replaces config.Default.
func WithConfig(cfg config.Config) DatasetOption {
	return func(d *Dataset) { d.cfg = cfg; d.hasCfg = true }
}

// WithLogger sets the dataset logger.
func WithLogger(l log.Logger) DatasetOption {
	return func(d *Dataset) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithName sets a human-readable name used in errors and logs.
func WithName(name string) DatasetOption {
	return func(d *Dataset) { d.name = name }
}

// WithCloser registers a resource released by Close after every cache has
// been flushed.
func WithCloser(c io.Closer) DatasetOption {
	return func(d *Dataset) { d.closer = c }
}

// NewDataset creates an empty dataset of the given size.
func NewDataset(width, height int, opts ...DatasetOption) (*Dataset, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("dataset size %dx%d: %w", width, height, ErrInvalidArgument)
	}
	d := &Dataset{
		id:     uuid.New(),
		width:  width,
		height: height,
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	if !d.hasCfg {
		d.cfg = config.Default()
	}
	if d.registry == nil {
		d.registry = blockcache.Default()
	}
	d.logger = log.With(d.logger, "dataset", d.label())
	return d, nil
}

func (d *Dataset) label() string {
	if d.name != "" {
		return d.name
	}
	return d.id.String()
}

// ID returns the dataset identifier.
func (d *Dataset) ID() uuid.UUID { return d.id }

// Name returns the dataset name, or its identifier when unnamed.
func (d *Dataset) Name() string { return d.label() }

// Width returns the raster width in pixels.
func (d *Dataset) Width() int { return d.width }

// Height returns the raster height in pixels.
func (d *Dataset) Height() int { return d.height }

// Registry returns the block cache registry of the dataset.
func (d *Dataset) Registry() *blockcache.Registry { return d.registry }

// Config returns the configuration in effect.
func (d *Dataset) Config() config.Config { return d.cfg }

// BandCount returns the number of bands.
func (d *Dataset) BandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bands)
}

// Band returns band i, counting from 1.
func (d *Dataset) Band(i int) (*Band, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 1 || i > len(d.bands) {
		return nil, fmt.Errorf("band %d of %d: %w", i, len(d.bands), ErrInvalidArgument)
	}
	return d.bands[i-1], nil
}

// Bands returns all bands in order.
func (d *Dataset) Bands() []*Band {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Band(nil), d.bands...)
}

// AddBand attaches a band served by drv.
func (d *Dataset) AddBand(info BandInfo, drv BlockReader) (*Band, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("adding band: dataset closed: %w", ErrIllegalState)
	}
	if info.Width == 0 && info.Height == 0 {
		info.Width, info.Height = d.width, d.height
	}
	if info.Width != d.width || info.Height != d.height {
		return nil, fmt.Errorf("band size %dx%d differs from dataset %dx%d: %w",
			info.Width, info.Height, d.width, d.height, ErrInvalidArgument)
	}
	b, err := newBand(d, len(d.bands)+1, info, drv)
	if err != nil {
		return nil, err
	}
	d.bands = append(d.bands, b)
	d.invalidateMasks()
	return b, nil
}

// SetMaskBand attaches a stored mask shared by every band. It takes
// precedence over every derived mask.
func (d *Dataset) SetMaskBand(info BandInfo, drv BlockReader) (*Band, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info.Width == 0 && info.Height == 0 {
		info.Width, info.Height = d.width, d.height
	}
	if info.Type == Unknown {
		info.Type = Byte
	}
	m, err := newBand(d, 0, info, drv)
	if err != nil {
		return nil, err
	}
	m.isMask = true
	if d.extMask != nil {
		if err := d.extMask.dropCache(); err != nil {
			return nil, err
		}
	}
	d.extMask = m
	d.invalidateMasks()
	return m, nil
}

// SetBounds records the georeferenced extent and EPSG code.
func (d *Dataset) SetBounds(b orb.Bound, epsg int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bounds, d.hasBounds, d.epsg = b, true, epsg
}

// Bounds returns the georeferenced extent and EPSG code, if known.
func (d *Dataset) Bounds() (orb.Bound, int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bounds, d.epsg, d.hasBounds
}

// Metadata returns a copy of one metadata domain.
func (d *Dataset) Metadata(domain string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.md.list(domain)
}

// MetadataItem returns one metadata value.
func (d *Dataset) MetadataItem(key, domain string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.md.get(key, domain)
}

// SetMetadataItem sets one metadata value. Setting NODATA_VALUES changes
// the masks of every band.
func (d *Dataset) SetMetadataItem(key, value, domain string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.md.set(key, value, domain)
	if key == MDNoDataValues && domain == DomainDefault {
		d.invalidateMasks()
	}
}

// invalidateMasks forgets every resolved mask.
func (d *Dataset) invalidateMasks() {
	d.sharedMask = nil
	for _, b := range d.bands {
		b.invalidateMask()
	}
}

// estimateBlocks sums the block counts of every band and overview.
func (d *Dataset) estimateBlocks() int64 {
	var n int64
	for _, b := range d.bands {
		n += int64(b.blocksPerRow) * int64(b.blocksPerCol)
		for _, ov := range b.overviews {
			n += int64(ov.blocksPerRow) * int64(ov.blocksPerCol)
		}
	}
	return n
}

// FlushCache writes every dirty block of every band.
func (d *Dataset) FlushCache() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushCache()
}

func (d *Dataset) flushCache() error {
	var errs []error
	for _, b := range d.bands {
		if err := b.flushCache(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.extMask != nil {
		if err := d.extMask.flushCache(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and drops every cache, then releases the driver resource.
func (d *Dataset) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	var errs []error
	for _, b := range d.bands {
		if err := b.closeCaches(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.extMask != nil {
		if err := d.extMask.closeCaches(); err != nil {
			errs = append(errs, err)
		}
	}
	d.closed = true
	if d.closer != nil {
		if err := d.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing driver: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		level.Warn(d.logger).Log("msg", "dataset closed with errors", "err", err)
	} else {
		level.Debug(d.logger).Log("msg", "dataset closed")
	}
	return err
}
