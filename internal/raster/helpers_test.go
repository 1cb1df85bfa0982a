package raster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pspoerri/rasterband/internal/blockcache"
	"github.com/pspoerri/rasterband/internal/config"
)

// testConfig is the configuration every test dataset uses unless it needs
// something specific.
func testConfig() config.Config {
	return config.Config{
		CacheStrategy:      "AUTO",
		CacheMax:           64 << 20,
		StatsTargetSamples: config.DefaultStatsTargetSamples,
	}
}

func testRegistry(maxBytes int64) *blockcache.Registry {
	return blockcache.NewRegistry(blockcache.WithMaxBytes(maxBytes))
}

// newTestDataset builds an in-memory dataset with an isolated registry.
func newTestDataset(t *testing.T, w, h, bands int, dt DataType, bw, bh int, opts ...DatasetOption) *Dataset {
	t.Helper()
	opts = append([]DatasetOption{WithRegistry(testRegistry(64 << 20)), WithConfig(testConfig())}, opts...)
	d, err := NewMemDataset(w, h, bands, dt, bw, bh, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func band(t *testing.T, d *Dataset, i int) *Band {
	t.Helper()
	b, err := d.Band(i)
	require.NoError(t, err)
	return b
}

// fill writes fn(x, y) into every pixel of b.
func fill(t *testing.T, b *Band, fn func(x, y int) float64) {
	t.Helper()
	w, h := b.Width(), b.Height()
	buf := make([]byte, w*h*8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			le.PutUint64(buf[(y*w+x)*8:], math.Float64bits(fn(x, y)))
		}
	}
	require.NoError(t, b.RasterIO(Write, 0, 0, w, h, buf, w, h, Float64, 0, 0, nil))
}

// readFloats reads a window of b resampled to bw×bh as float64.
func readFloats(t *testing.T, b *Band, x, y, w, h, bw, bh int, args *IOArgs) []float64 {
	t.Helper()
	buf := make([]byte, bw*bh*8)
	require.NoError(t, b.RasterIO(Read, x, y, w, h, buf, bw, bh, Float64, 0, 0, args))
	out := make([]float64, bw*bh)
	for i := range out {
		out[i] = math.Float64frombits(le.Uint64(buf[i*8:]))
	}
	return out
}

func memDriver(b *Band) *MemDriver {
	switch d := b.driver.(type) {
	case *MemDriver:
		return d
	case *MemWindowDriver:
		return d.MemDriver
	}
	return nil
}
