package encode

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/rasterband/internal/blockcache"
	"github.com/pspoerri/rasterband/internal/config"
	"github.com/pspoerri/rasterband/internal/raster"
)

func newDataset(t *testing.T, w, h, bands int, dt raster.DataType) *raster.Dataset {
	t.Helper()
	cfg := config.Config{CacheStrategy: "AUTO", CacheMax: 16 << 20, StatsTargetSamples: config.DefaultStatsTargetSamples}
	ds, err := raster.NewMemDataset(w, h, bands, dt, 16, 16,
		raster.WithRegistry(blockcache.NewRegistry(blockcache.WithMaxBytes(16<<20))),
		raster.WithConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func fillBand(t *testing.T, ds *raster.Dataset, i int, fn func(x, y int) float64) *raster.Band {
	t.Helper()
	b, err := ds.Band(i)
	require.NoError(t, err)
	w, h := b.Width(), b.Height()
	buf := make([]byte, w*h*8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			binary.LittleEndian.PutUint64(buf[(y*w+x)*8:], math.Float64bits(fn(x, y)))
		}
	}
	require.NoError(t, b.RasterIO(raster.Write, 0, 0, w, h, buf, w, h, raster.Float64, 0, 0, nil))
	return b
}

func TestFitSize(t *testing.T) {
	for _, tt := range []struct {
		w, h, size   int
		wantW, wantH int
	}{
		{100, 50, 20, 20, 10},
		{50, 100, 20, 10, 20},
		{10, 5, 256, 10, 5},
		{1000, 1, 100, 100, 1},
	} {
		w, h := fitSize(tt.w, tt.h, tt.size)
		assert.Equal(t, [2]int{tt.wantW, tt.wantH}, [2]int{w, h}, "%dx%d into %d", tt.w, tt.h, tt.size)
	}
}

func TestQuicklookGray(t *testing.T) {
	ds := newDataset(t, 100, 50, 1, raster.Float32)
	b := fillBand(t, ds, 1, func(x, y int) float64 {
		if x < 30 {
			return -9999
		}
		return float64(x)
	})
	require.NoError(t, b.SetNoDataValue(-9999))

	img, err := Quicklook(ds, nil, QuicklookOptions{Size: 20, Min: 30, Max: 99})
	require.NoError(t, err)
	assert.Equal(t, 20, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())

	assert.Zero(t, img.NRGBAAt(2, 5).A, "nodata is transparent")
	right := img.NRGBAAt(18, 5)
	assert.InDelta(t, 255, int(right.A), 1)
	assert.Equal(t, right.R, right.G, "gray")
	assert.Greater(t, right.R, img.NRGBAAt(10, 5).R, "brighter to the right")
}

func TestQuicklookStretchFromStatistics(t *testing.T) {
	ds := newDataset(t, 8, 8, 1, raster.Int16)
	fillBand(t, ds, 1, func(x, y int) float64 { return float64(1000 + x) })

	viridis, err := ParseRamp("viridis")
	require.NoError(t, err)
	img, err := Quicklook(ds, []int{1}, QuicklookOptions{Ramp: viridis})
	require.NoError(t, err)
	require.Equal(t, 8, img.Bounds().Dx(), "small rasters are not enlarged")

	assert.Equal(t, viridis.At(0), img.NRGBAAt(0, 3))
	assert.Equal(t, viridis.At(1), img.NRGBAAt(7, 3))

	b, err := ds.Band(1)
	require.NoError(t, err)
	_, found, err := b.GetStatistics(false, false)
	require.NoError(t, err)
	assert.True(t, found, "the stretch computes and stores statistics")
}

func TestQuicklookRGB(t *testing.T) {
	ds := newDataset(t, 12, 6, 3, raster.Byte)
	for i, ci := range []raster.ColorInterp{raster.ColorRed, raster.ColorGreen, raster.ColorBlue} {
		v := float64(10 * (i + 1))
		b := fillBand(t, ds, i+1, func(x, y int) float64 { return v })
		b.SetColorInterpretation(ci)
	}
	assert.Equal(t, []int{1, 2, 3}, PreviewBands(ds))

	img, err := Quicklook(ds, nil, QuicklookOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint8(10), img.NRGBAAt(4, 4).R)
	assert.Equal(t, uint8(20), img.NRGBAAt(4, 4).G)
	assert.Equal(t, uint8(30), img.NRGBAAt(4, 4).B)
	assert.Equal(t, uint8(255), img.NRGBAAt(4, 4).A)

	_, err = Quicklook(ds, []int{1, 2}, QuicklookOptions{})
	assert.ErrorContains(t, err, "1 or 3 bands")
	_, err = Quicklook(ds, []int{4}, QuicklookOptions{})
	assert.ErrorIs(t, err, raster.ErrInvalidArgument)
}

func TestQuicklookNoValidPixels(t *testing.T) {
	ds := newDataset(t, 4, 4, 1, raster.Float32)
	b := fillBand(t, ds, 1, func(x, y int) float64 { return 7 })
	require.NoError(t, b.SetNoDataValue(7))

	img, err := Quicklook(ds, nil, QuicklookOptions{})
	require.NoError(t, err)
	for i := 3; i < len(img.Pix); i += 4 {
		assert.Zero(t, img.Pix[i])
	}
}

func TestTerrariumImage(t *testing.T) {
	ds := newDataset(t, 8, 8, 1, raster.Float32)
	b := fillBand(t, ds, 1, func(x, y int) float64 {
		if x == 0 {
			return math.NaN()
		}
		return float64(y)*100 - 50.25
	})

	img, err := Terrarium(b, QuicklookOptions{Size: 8})
	require.NoError(t, err)
	for y := 0; y < 8; y++ {
		assert.Zero(t, img.NRGBAAt(0, y).A)
		assert.Equal(t, float64(y)*100-50.25, TerrariumToElevation(img.NRGBAAt(5, y)))
	}

	enc, err := NewEncoder("terrarium", 0)
	require.NoError(t, err)
	data, err := enc.Encode(img)
	require.NoError(t, err)
	decoded, err := DecodeImage(data, enc.Format())
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}
