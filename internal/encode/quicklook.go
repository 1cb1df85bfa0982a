package encode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/pspoerri/rasterband/internal/raster"
)

// DefaultSize bounds the longer edge of a preview when none is given.
const DefaultSize = 256

// QuicklookOptions tunes Quicklook and Terrarium.
type QuicklookOptions struct {
	// Size bounds the longer edge of the result; 0 means DefaultSize.
	// Rasters smaller than Size are not enlarged.
	Size int
	// Ramp colours single-band previews; nil renders gray.
	Ramp Ramp
	// Resampling applies to the decimated read.
	Resampling raster.Resampling
	// ApproxOK lets the stretch come from approximate statistics.
	ApproxOK bool
	// Min and Max fix the stretch when Max > Min.
	Min, Max float64
}

// fitSize scales w×h so the longer edge is at most size.
func fitSize(w, h, size int) (int, int) {
	if w <= size && h <= size {
		return w, h
	}
	if w >= h {
		return size, max(1, int(math.Round(float64(h)*float64(size)/float64(w))))
	}
	return max(1, int(math.Round(float64(w)*float64(size)/float64(h)))), size
}

// PreviewBands picks the bands a preview shows: the red, green and blue
// bands when the dataset has all three, otherwise band 1.
func PreviewBands(ds *raster.Dataset) []int {
	rgb := [3]int{}
	for _, b := range ds.Bands() {
		switch b.ColorInterpretation() {
		case raster.ColorRed:
			rgb[0] = b.Index()
		case raster.ColorGreen:
			rgb[1] = b.Index()
		case raster.ColorBlue:
			rgb[2] = b.Index()
		}
	}
	if rgb[0] != 0 && rgb[1] != 0 && rgb[2] != 0 {
		return rgb[:]
	}
	return []int{1}
}

// Quicklook renders one band, through opts.Ramp, or three bands as RGB.
// Pixels are read through decimated RasterIO, so overviews serve large
// rasters. Values are stretched linearly; transparency comes from the mask
// of the first band and from NaN values.
func Quicklook(ds *raster.Dataset, bands []int, opts QuicklookOptions) (*image.NRGBA, error) {
	if len(bands) == 0 {
		bands = PreviewBands(ds)
	}
	if len(bands) != 1 && len(bands) != 3 {
		return nil, fmt.Errorf("quicklook needs 1 or 3 bands, got %d", len(bands))
	}
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	outW, outH := fitSize(ds.Width(), ds.Height(), size)
	// Read at twice the output size and let the Lanczos filter finish the
	// reduction.
	readW, readH := min(ds.Width(), 2*outW), min(ds.Height(), 2*outH)

	planes := make([][]float64, len(bands))
	stretch := make([][2]float64, len(bands))
	var first *raster.Band
	for i, idx := range bands {
		b, err := ds.Band(idx)
		if err != nil {
			return nil, err
		}
		if first == nil {
			first = b
		}
		if planes[i], err = readFloat64(b, readW, readH, opts.Resampling); err != nil {
			return nil, fmt.Errorf("reading band %d: %w", idx, err)
		}
		if stretch[i], err = stretchRange(b, len(bands) == 3, opts); err != nil {
			return nil, fmt.Errorf("band %d: %w", idx, err)
		}
	}
	alpha, err := readAlpha(first, readW, readH)
	if err != nil {
		return nil, fmt.Errorf("reading mask: %w", err)
	}

	img := image.NewNRGBA(image.Rect(0, 0, readW, readH))
	for i := 0; i < readW*readH; i++ {
		var c color.NRGBA
		valid := alpha == nil || alpha[i] != 0
		for _, p := range planes {
			if math.IsNaN(p[i]) {
				valid = false
			}
		}
		if valid {
			if len(planes) == 1 {
				c = shade(normalise(planes[0][i], stretch[0]), opts.Ramp)
			} else {
				c = color.NRGBA{
					R: toByte(normalise(planes[0][i], stretch[0])),
					G: toByte(normalise(planes[1][i], stretch[1])),
					B: toByte(normalise(planes[2][i], stretch[2])),
					A: 255,
				}
			}
			if alpha != nil {
				c.A = alpha[i]
			}
		}
		img.SetNRGBA(i%readW, i/readW, c)
	}
	if readW == outW && readH == outH {
		return img, nil
	}
	return imaging.Fit(img, outW, outH, imaging.Lanczos), nil
}

// Terrarium renders a band of elevations as a Terrarium image. Encoded
// colours must not be filtered, so the band is read at the output size.
func Terrarium(b *raster.Band, opts QuicklookOptions) (*image.NRGBA, error) {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	w, h := fitSize(b.Width(), b.Height(), size)
	vals, err := readFloat64(b, w, h, opts.Resampling)
	if err != nil {
		return nil, err
	}
	alpha, err := readAlpha(b, w, h)
	if err != nil {
		return nil, fmt.Errorf("reading mask: %w", err)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, v := range vals {
		if alpha != nil && alpha[i] == 0 {
			continue
		}
		img.SetNRGBA(i%w, i/w, ElevationToTerrarium(v))
	}
	return img, nil
}

func readFloat64(b *raster.Band, w, h int, alg raster.Resampling) ([]float64, error) {
	buf := make([]byte, w*h*8)
	err := b.RasterIO(raster.Read, 0, 0, b.Width(), b.Height(), buf, w, h, raster.Float64, 0, 0,
		&raster.IOArgs{Resampling: alg})
	if err != nil {
		return nil, err
	}
	out := make([]float64, w*h)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out, nil
}

// readAlpha reads the band's mask at w×h, or returns nil when every pixel
// is valid.
func readAlpha(b *raster.Band, w, h int) ([]byte, error) {
	if b.MaskFlags() == raster.MaskAllValid {
		return nil, nil
	}
	m, err := b.MaskBand()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, w*h)
	if err := m.RasterIO(raster.Read, 0, 0, m.Width(), m.Height(), buf, w, h, raster.Byte, 0, 0, nil); err != nil {
		return nil, err
	}
	return buf, nil
}

// stretchRange returns the value range mapped onto [0, 1]: the explicit
// range when given, the full byte range for RGB byte bands, otherwise
// mean ± 2 standard deviations clipped to the band's min and max.
func stretchRange(b *raster.Band, rgb bool, opts QuicklookOptions) ([2]float64, error) {
	if opts.Max > opts.Min {
		return [2]float64{opts.Min, opts.Max}, nil
	}
	if rgb && b.DataType() == raster.Byte {
		return [2]float64{0, 255}, nil
	}
	st, _, err := b.GetStatistics(opts.ApproxOK, true)
	if errors.Is(err, raster.ErrNoValidPixels) {
		return [2]float64{0, 1}, nil
	}
	if err != nil {
		return [2]float64{}, err
	}
	lo := math.Max(st.Min, st.Mean-2*st.StdDev)
	hi := math.Min(st.Max, st.Mean+2*st.StdDev)
	if hi <= lo {
		lo, hi = st.Min, st.Max
	}
	return [2]float64{lo, hi}, nil
}

func normalise(v float64, r [2]float64) float64 {
	if r[1] <= r[0] {
		return 0
	}
	return math.Min(math.Max((v-r[0])/(r[1]-r[0]), 0), 1)
}

func toByte(t float64) uint8 { return uint8(math.Round(t * 255)) }

func shade(t float64, ramp Ramp) color.NRGBA {
	if ramp == nil {
		g := toByte(t)
		return color.NRGBA{R: g, G: g, B: g, A: 255}
	}
	return ramp.At(t)
}
