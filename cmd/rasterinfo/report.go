package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pspoerri/rasterband/internal/cog"
	"github.com/pspoerri/rasterband/internal/coord"
	"github.com/pspoerri/rasterband/internal/raster"
)

// reportOptions selects the computations printed per band.
type reportOptions struct {
	stats     bool
	approx    bool
	hist      bool
	buckets   int
	minMaxLoc bool
	// progress returns the callback for a labelled computation; nil
	// disables progress reporting.
	progress func(label string) (raster.ProgressFunc, func())
}

func (o reportOptions) track(label string) (raster.ProgressFunc, func()) {
	if o.progress == nil {
		return nil, func() {}
	}
	return o.progress(label)
}

// describeFile prints the TIFF directory structure.
func describeFile(w io.Writer, f *cog.File) {
	fmt.Fprintf(w, "Byte order: %s\n", f.ByteOrder())
	for i, ifd := range f.IFDs() {
		bw, bh := ifd.BlockSize()
		kind := "image"
		switch {
		case ifd.IsMask():
			kind = "mask"
		case i > 0:
			kind = "overview"
		}
		layout := "strips"
		if ifd.Tiled() {
			layout = "tiles"
		}
		fmt.Fprintf(w, "  IFD %d: %s %dx%d, %s %dx%d, %d sample(s) of %d bit, %s\n",
			i, kind, ifd.Width, ifd.Height, layout, bw, bh, ifd.SamplesPerPixel, firstOr(ifd.BitsPerSample, 1),
			cog.CompressionName(ifd.Compression))
	}
}

func firstOr(v []uint16, def uint16) uint16 {
	if len(v) == 0 {
		return def
	}
	return v[0]
}

// describe prints the dataset and every band.
func describe(w io.Writer, ds *raster.Dataset, o reportOptions) error {
	fmt.Fprintf(w, "Dataset: %s\n", ds.Name())
	fmt.Fprintf(w, "Size: %d x %d, %d band(s)\n", ds.Width(), ds.Height(), ds.BandCount())
	if b, epsg, ok := ds.Bounds(); ok {
		fmt.Fprintf(w, "EPSG: %d\n", epsg)
		fmt.Fprintf(w, "Bounds: X=[%f, %f], Y=[%f, %f]\n", b.Min[0], b.Max[0], b.Min[1], b.Max[1])
		if g, err := coord.BoundToWGS84(b, epsg); err == nil {
			fmt.Fprintf(w, "WGS84: lon=[%.6f, %.6f], lat=[%.6f, %.6f]\n", g.Min[0], g.Max[0], g.Min[1], g.Max[1])
		}
	}
	printMetadata(w, "Metadata", ds.Metadata(raster.DomainDefault))
	printMetadata(w, "Image structure", ds.Metadata(raster.DomainImageStructure))

	for _, b := range ds.Bands() {
		if err := describeBand(w, b, o); err != nil {
			return err
		}
	}
	return nil
}

func printMetadata(w io.Writer, title string, md map[string]string) {
	if len(md) == 0 {
		return
	}
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%s\n", k, md[k])
	}
}

func describeBand(w io.Writer, b *raster.Band, o reportOptions) error {
	bw, bh := b.BlockSize()
	fmt.Fprintf(w, "Band %d: Block=%dx%d Type=%s ColorInterp=%s\n",
		b.Index(), bw, bh, b.DataType(), b.ColorInterpretation())
	if d := b.Description(); d != "" {
		fmt.Fprintf(w, "  Description = %s\n", d)
	}
	if nd := b.NoDataValue(); nd.IsSet() {
		fmt.Fprintf(w, "  NoData Value=%s\n", nd)
	}
	fmt.Fprintf(w, "  Mask Flags: %s\n", b.MaskFlags())
	if n := b.OverviewCount(); n > 0 {
		sizes := make([]string, 0, n)
		for i := 0; i < n; i++ {
			ov, err := b.Overview(i)
			if err != nil {
				return err
			}
			sizes = append(sizes, fmt.Sprintf("%dx%d", ov.Width(), ov.Height()))
		}
		fmt.Fprintf(w, "  Overviews: %s\n", strings.Join(sizes, ", "))
	}

	if o.stats {
		progress, done := o.track(fmt.Sprintf("Band %d statistics", b.Index()))
		st, err := b.ComputeStatistics(o.approx, progress)
		done()
		if err != nil {
			return fmt.Errorf("band %d statistics: %w", b.Index(), err)
		}
		approx := ""
		if st.Approximate {
			approx = " (approximate)"
		}
		fmt.Fprintf(w, "  Minimum=%.3f, Maximum=%.3f, Mean=%.3f, StdDev=%.3f%s\n",
			st.Min, st.Max, st.Mean, st.StdDev, approx)
		fmt.Fprintf(w, "  Valid=%d (%.2f%%)\n", st.ValidCount, st.ValidPercent)
	}

	if o.minMaxLoc {
		loc, err := b.ComputeMinMaxLocation()
		if err != nil {
			return fmt.Errorf("band %d min/max location: %w", b.Index(), err)
		}
		fmt.Fprintf(w, "  Minimum=%g at (%d,%d), Maximum=%g at (%d,%d)\n",
			loc.Min, loc.MinX, loc.MinY, loc.Max, loc.MaxX, loc.MaxY)
	}

	if o.hist {
		h, err := histogram(b, o)
		if err != nil {
			return fmt.Errorf("band %d histogram: %w", b.Index(), err)
		}
		counts := make([]string, len(h.Counts))
		for i, c := range h.Counts {
			counts[i] = fmt.Sprint(c)
		}
		fmt.Fprintf(w, "  %d buckets from %g to %g:\n  %s\n", len(h.Counts), h.Min, h.Max, strings.Join(counts, " "))
	}
	return nil
}

// histogram returns the default histogram, or one with o.buckets buckets
// over the band's value range.
func histogram(b *raster.Band, o reportOptions) (raster.Histogram, error) {
	progress, done := o.track(fmt.Sprintf("Band %d histogram", b.Index()))
	defer done()
	if o.buckets <= 0 {
		h, _, err := b.DefaultHistogram(true, progress)
		return h, err
	}
	lo, hi, err := b.ComputeRasterMinMax(o.approx)
	if err != nil {
		return raster.Histogram{}, err
	}
	if hi == lo {
		hi = lo + 1
	}
	counts, err := b.Histogram(raster.HistogramOptions{
		Min: lo, Max: hi, Buckets: o.buckets,
		IncludeOutOfRange: true, ApproxOK: o.approx, Progress: progress,
	})
	if err != nil {
		return raster.Histogram{}, err
	}
	return raster.Histogram{Min: lo, Max: hi, Counts: counts}, nil
}
