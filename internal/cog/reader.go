// Package cog is a read-only GeoTIFF and Cloud Optimized GeoTIFF driver for
// raster datasets. Files are memory-mapped or fetched through HTTP range
// requests; each stored tile or strip becomes one block of the band cache.
package cog

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/valyala/fasthttp"

	"github.com/pspoerri/rasterband/internal/raster"
)

// File is a parsed TIFF. Its block reads are safe for concurrent use.
type File struct {
	src    Source
	name   string
	bo     binary.ByteOrder
	ifds   []IFD
	images []int // full resolution first, then overviews by decreasing width
	mask   int   // full resolution mask IFD, or -1
	geo    GeoInfo
	tiles  *tileCache
	logger log.Logger
}

type options struct {
	tileCache int
	chunks    int
	client    *fasthttp.Client
	logger    log.Logger
	dsOpts    []raster.DatasetOption
}

// Option configures how a file is opened.
type Option func(*options)

// WithTileCacheSize sets the number of decoded blocks shared by the bands
// of a file.
func WithTileCacheSize(n int) Option {
	return func(o *options) { o.tileCache = n }
}

// WithHTTPClient sets the client used for http and https paths.
func WithHTTPClient(c *fasthttp.Client) Option {
	return func(o *options) { o.client = c }
}

// WithRemoteChunks sets the number of range request chunks cached for
// remote files.
func WithRemoteChunks(n int) Option {
	return func(o *options) { o.chunks = n }
}

// WithLogger sets the logger of the file and its dataset.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDatasetOptions passes options to the created dataset.
func WithDatasetOptions(opts ...raster.DatasetOption) Option {
	return func(o *options) { o.dsOpts = append(o.dsOpts, opts...) }
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// Open opens a local path or an http(s) URL as a read-only dataset.
func Open(path string, opts ...Option) (*raster.Dataset, error) {
	f, err := Parse(path, opts...)
	if err != nil {
		return nil, err
	}
	ds, err := f.Dataset(opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ds, nil
}

// Parse opens and parses a local path or an http(s) URL without creating
// a dataset.
func Parse(path string, opts ...Option) (*File, error) {
	o := collect(opts)
	var src Source
	var err error
	if isRemote(path) {
		src, err = NewHTTPRangeReader(path, o.client, o.chunks)
	} else {
		src, err = OpenFile(path)
	}
	if err != nil {
		return nil, err
	}
	f, err := ParseSource(src, path, opts...)
	if err != nil {
		src.Close()
		return nil, err
	}
	if !f.geo.Valid() && !isRemote(path) {
		geo, ok, err := worldFileGeoInfo(path)
		if err != nil {
			level.Warn(f.logger).Log("msg", "ignoring world file", "err", err)
		} else if ok {
			geo.EPSG = f.geo.EPSG
			f.geo = geo
		}
	}
	return f, nil
}

func collect(opts []Option) options {
	o := options{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ParseSource parses the TIFF structure read from src. The file owns src.
func ParseSource(src Source, name string, opts ...Option) (*File, error) {
	o := collect(opts)
	ifds, bo, err := parseTIFF(io.NewSectionReader(src, 0, src.Size()))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	tiles, err := newTileCache(o.tileCache)
	if err != nil {
		return nil, err
	}
	f := &File{
		src:    src,
		name:   name,
		bo:     bo,
		ifds:   ifds,
		mask:   -1,
		tiles:  tiles,
		logger: log.With(o.logger, "file", name),
	}
	if err := f.classify(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	f.geo = parseGeoInfo(&f.ifds[f.images[0]])
	level.Debug(f.logger).Log("msg", "parsed TIFF", "ifds", len(ifds), "overviews", len(f.images)-1,
		"mask", f.mask >= 0, "big_endian", bo == binary.BigEndian)
	return f, nil
}

// classify sorts the directories into the image, its overviews and its mask.
func (f *File) classify() error {
	full := -1
	for i := range f.ifds {
		if !f.ifds[i].IsMask() {
			full = i
			break
		}
	}
	if full < 0 {
		return fmt.Errorf("no image directory found: %w", raster.ErrNotSupported)
	}
	base := &f.ifds[full]
	if base.Width == 0 || base.Height == 0 {
		return fmt.Errorf("image of size %dx%d: %w", base.Width, base.Height, raster.ErrNotSupported)
	}
	t, err := base.DataType()
	if err != nil {
		return err
	}
	if err := f.checkLayout(full); err != nil {
		return err
	}
	f.images = []int{full}
	for i := range f.ifds {
		if i == full {
			continue
		}
		ifd := &f.ifds[i]
		if ifd.IsMask() {
			if f.mask < 0 && ifd.Width == base.Width && ifd.Height == base.Height &&
				ifd.SamplesPerPixel == 1 && f.checkLayout(i) == nil {
				f.mask = i
			}
			continue
		}
		ot, err := ifd.DataType()
		if err != nil || ot != t || ifd.SamplesPerPixel != base.SamplesPerPixel ||
			ifd.Width >= base.Width || ifd.Height >= base.Height || ifd.Width == 0 || ifd.Height == 0 ||
			f.checkLayout(i) != nil {
			level.Debug(f.logger).Log("msg", "skipping directory", "ifd", i, "width", ifd.Width, "height", ifd.Height)
			continue
		}
		f.images = append(f.images, i)
	}
	sort.SliceStable(f.images[1:], func(a, b int) bool {
		return f.ifds[f.images[1+a]].Width > f.ifds[f.images[1+b]].Width
	})
	return nil
}

// checkLayout rejects directories whose block tables do not cover the image.
func (f *File) checkLayout(i int) error {
	ifd := &f.ifds[i]
	planes := 1
	if ifd.Separate() {
		planes = int(ifd.SamplesPerPixel)
	}
	need := planes * ifd.BlocksAcross() * ifd.BlocksDown()
	if len(ifd.Offsets) < need || len(ifd.ByteCounts) < need {
		return fmt.Errorf("directory %d has %d of %d block offsets: %w", i, len(ifd.Offsets), need, raster.ErrNotSupported)
	}
	if ifd.Compression == compressionJPEG && planes == 1 && ifd.SamplesPerPixel > 1 && ifd.SamplesPerPixel != 3 {
		return fmt.Errorf("JPEG with %d samples: %w", ifd.SamplesPerPixel, raster.ErrNotSupported)
	}
	return nil
}

// Name returns the path the file was opened from.
func (f *File) Name() string { return f.name }

// IFDs returns the parsed directories.
func (f *File) IFDs() []IFD { return f.ifds }

// GeoInfo returns the georeferencing of the full-resolution image.
func (f *File) GeoInfo() GeoInfo { return f.geo }

// ByteOrder returns the byte order of the file.
func (f *File) ByteOrder() binary.ByteOrder { return f.bo }

// Close releases the source and the decoded blocks.
func (f *File) Close() error {
	f.tiles.purge()
	return f.src.Close()
}

// Dataset creates a read-only dataset over the file. Closing the dataset
// closes the file.
func (f *File) Dataset(opts ...Option) (*raster.Dataset, error) {
	o := collect(opts)
	base := &f.ifds[f.images[0]]
	md := parseGDALMetadata(base.GDALMetadata)

	dsOpts := append([]raster.DatasetOption{
		raster.WithName(f.name), raster.WithLogger(o.logger), raster.WithCloser(f),
	}, o.dsOpts...)
	ds, err := raster.NewDataset(int(base.Width), int(base.Height), dsOpts...)
	if err != nil {
		return nil, err
	}

	t, _ := base.DataType()
	spp := int(base.SamplesPerPixel)
	interp := colorInterps(base)
	bands := make([]*raster.Band, spp)
	for s := 0; s < spp; s++ {
		info := f.bandInfo(f.images[0], t)
		info.ColorInterp = interp[s]
		info.Description = md.description(s)
		b, err := ds.AddBand(info, &bandDriver{f: f, ifd: f.images[0], sample: s, dtype: t})
		if err != nil {
			return nil, err
		}
		bands[s] = b
		for _, ov := range f.images[1:] {
			if _, err := b.AddOverview(f.bandInfo(ov, t), &bandDriver{f: f, ifd: ov, sample: s, dtype: t}); err != nil {
				return nil, err
			}
		}
		if base.HasNoData {
			if err := setNoData(b, t, base.NoData); err != nil {
				level.Warn(f.logger).Log("msg", "ignoring GDAL_NODATA", "value", base.NoData, "err", err)
			}
		}
	}
	md.apply(ds, bands)

	if f.mask >= 0 {
		info := f.bandInfo(f.mask, raster.Byte)
		if _, err := ds.SetMaskBand(info, &maskDriver{bandDriver{f: f, ifd: f.mask, dtype: raster.Byte}}); err != nil {
			return nil, err
		}
	}

	interleave := "PIXEL"
	if base.Separate() {
		interleave = "BAND"
	}
	ds.SetMetadataItem("COMPRESSION", CompressionName(base.Compression), raster.DomainImageStructure)
	ds.SetMetadataItem("INTERLEAVE", interleave, raster.DomainImageStructure)
	if base.Tiled() && len(f.images) > 1 {
		ds.SetMetadataItem("LAYOUT", "COG", raster.DomainImageStructure)
	}
	if f.geo.Valid() {
		ds.SetBounds(f.geo.Bound(int(base.Width), int(base.Height)), f.geo.EPSG)
	}
	return ds, nil
}

func (f *File) bandInfo(i int, t raster.DataType) raster.BandInfo {
	ifd := &f.ifds[i]
	bw, bh := ifd.BlockSize()
	return raster.BandInfo{
		Width: int(ifd.Width), Height: int(ifd.Height),
		BlockWidth: bw, BlockHeight: bh,
		Type: t, Access: raster.ReadOnly,
	}
}

// colorInterps derives band color interpretation from the photometric
// interpretation and the ExtraSamples tag.
func colorInterps(ifd *IFD) []raster.ColorInterp {
	spp := int(ifd.SamplesPerPixel)
	out := make([]raster.ColorInterp, spp)
	switch ifd.Photometric {
	case 0, 1:
		out[0] = raster.ColorGray
	case 2, 6:
		for i, c := range []raster.ColorInterp{raster.ColorRed, raster.ColorGreen, raster.ColorBlue} {
			if i < spp {
				out[i] = c
			}
		}
	case 3:
		out[0] = raster.ColorPalette
	}
	first := spp - len(ifd.ExtraSamples)
	for k, es := range ifd.ExtraSamples {
		// 1 is associated alpha, 2 unassociated alpha.
		if (es == 1 || es == 2) && first+k >= 0 {
			out[first+k] = raster.ColorAlpha
		}
	}
	return out
}

// setNoData applies a GDAL_NODATA string to a band.
func setNoData(b *raster.Band, t raster.DataType, s string) error {
	s = strings.TrimSpace(s)
	switch t {
	case raster.Int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		return b.SetNoDataValueAsInt64(v)
	case raster.UInt64:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		return b.SetNoDataValueAsUInt64(v)
	}
	var v float64
	switch strings.ToLower(s) {
	case "nan":
		v = math.NaN()
	case "inf":
		v = math.Inf(1)
	case "-inf":
		v = math.Inf(-1)
	default:
		var err error
		if v, err = strconv.ParseFloat(s, 64); err != nil {
			return err
		}
	}
	return b.SetNoDataValue(v)
}

// gdalMetadata is the XML carried by the GDAL_METADATA tag.
type gdalMetadata struct {
	Items []struct {
		Name   string `xml:"name,attr"`
		Sample *int   `xml:"sample,attr"`
		Domain string `xml:"domain,attr"`
		Role   string `xml:"role,attr"`
		Value  string `xml:",chardata"`
	} `xml:"Item"`
}

func parseGDALMetadata(s string) gdalMetadata {
	var md gdalMetadata
	if s != "" {
		_ = xml.Unmarshal([]byte(s), &md)
	}
	return md
}

func (md gdalMetadata) description(sample int) string {
	for _, it := range md.Items {
		if it.Role == "description" && it.Sample != nil && *it.Sample == sample {
			return it.Value
		}
	}
	return ""
}

// apply stores plain metadata items on the dataset and its bands.
func (md gdalMetadata) apply(ds *raster.Dataset, bands []*raster.Band) {
	for _, it := range md.Items {
		if it.Role != "" || it.Name == "" {
			continue
		}
		switch {
		case it.Sample == nil:
			ds.SetMetadataItem(it.Name, it.Value, it.Domain)
		case *it.Sample >= 0 && *it.Sample < len(bands):
			bands[*it.Sample].SetMetadataItem(it.Name, it.Value, it.Domain)
		}
	}
}

// block returns the decoded samples of one stored block, or nil for a
// sparse block.
func (f *File) block(i, plane, col, row int) ([]byte, error) {
	return f.tiles.get(tileKey{ifd: i, plane: plane, col: col, row: row}, func() ([]byte, error) {
		ifd := &f.ifds[i]
		idx := ifd.blockIndex(plane, col, row)
		off, n := ifd.Offsets[idx], ifd.ByteCounts[idx]
		if n == 0 {
			return nil, nil
		}
		if off+n > uint64(f.src.Size()) || n > maxTagBytes {
			return nil, fmt.Errorf("block %d [%d:%d] exceeds file size %d: %w", idx, off, off+n, f.src.Size(), raster.ErrIOFailure)
		}
		raw := make([]byte, n)
		if _, err := f.src.ReadAt(raw, int64(off)); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading block %d: %w", idx, err)
		}
		bw, bh := ifd.BlockSize()
		bits, _ := ifd.bits()
		samples := int(ifd.SamplesPerPixel)
		if ifd.Separate() {
			samples = 1
		}
		rows := bh
		if !ifd.Tiled() {
			rows = min(bh, int(ifd.Height)-row*bh)
		}
		data, err := decodeBlock(layout{
			width: bw, height: bh, rows: rows, samples: samples, bits: bits,
			bigEndian:   f.bo == binary.BigEndian,
			predictor:   ifd.Predictor,
			compression: ifd.Compression,
			jpegTables:  ifd.JPEGTables,
		}, raw)
		if err != nil {
			return nil, fmt.Errorf("%s block %d of directory %d: %w", f.name, idx, i, err)
		}
		return data, nil
	})
}

// bandDriver serves one sample of one directory as a band.
type bandDriver struct {
	f      *File
	ifd    int
	sample int
	dtype  raster.DataType
}

// ReadBlock extracts the band's sample from the stored block.
func (d *bandDriver) ReadBlock(col, row int, dst []byte) error {
	ifd := &d.f.ifds[d.ifd]
	plane, spp := 0, int(ifd.SamplesPerPixel)
	if ifd.Separate() {
		plane, spp = d.sample, 1
	}
	data, err := d.f.block(d.ifd, plane, col, row)
	if err != nil {
		return err
	}
	if data == nil {
		clear(dst)
		return nil
	}
	if spp == 1 {
		copy(dst, data)
		return nil
	}
	size := d.dtype.Size()
	for p, o := 0, d.sample*size; p+size <= len(dst) && o+size <= len(data); p, o = p+size, o+spp*size {
		copy(dst[p:p+size], data[o:o+size])
	}
	return nil
}

// maskDriver serves a transparency mask directory as 0 and 255 values.
type maskDriver struct {
	bandDriver
}

func (d *maskDriver) ReadBlock(col, row int, dst []byte) error {
	if err := d.bandDriver.ReadBlock(col, row, dst); err != nil {
		return err
	}
	for i, v := range dst {
		if v != 0 {
			dst[i] = 255
		}
	}
	return nil
}
