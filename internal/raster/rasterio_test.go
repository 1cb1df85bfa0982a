package raster

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRasterIORoundTripEveryType(t *testing.T) {
	for _, dt := range AllDataTypes {
		t.Run(dt.String(), func(t *testing.T) {
			d := newTestDataset(t, 37, 23, 1, dt, 16, 8)
			b := band(t, d, 1)
			size := dt.Size()
			in := make([]byte, 37*23*size)
			for i := 0; i < 37*23; i++ {
				storeFloat(dt, in, i*size, float64(i%100))
			}
			require.NoError(t, b.RasterIO(Write, 0, 0, 37, 23, in, 37, 23, dt, 0, 0, nil))
			require.NoError(t, b.FlushCache())

			out := make([]byte, len(in))
			require.NoError(t, b.RasterIO(Read, 0, 0, 37, 23, out, 37, 23, dt, 0, 0, nil))
			assert.Equal(t, in, out)
			assert.Zero(t, b.CacheStats().Locked)
		})
	}
}

func TestRasterIOWindowAndStrides(t *testing.T) {
	d := newTestDataset(t, 20, 20, 1, UInt16, 8, 8)
	b := band(t, d, 1)
	fill(t, b, func(x, y int) float64 { return float64(y*100 + x) })

	// Interleave into every second Int32 of a padded buffer.
	const pixelSpace, lineSpace = 8, 64
	buf := make([]byte, 5*lineSpace)
	require.NoError(t, b.RasterIO(Read, 6, 9, 5, 5, buf, 5, 5, Int32, pixelSpace, lineSpace, nil))
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			got := int32(le.Uint32(buf[y*lineSpace+x*pixelSpace:]))
			assert.Equal(t, int32((y+9)*100+x+6), got)
		}
	}
}

func TestRasterIOValidation(t *testing.T) {
	d := newTestDataset(t, 10, 10, 1, Byte, 0, 0)
	b := band(t, d, 1)
	buf := make([]byte, 100)

	tests := []struct {
		name string
		call func() error
		kind error
	}{
		{"negative window", func() error { return b.RasterIO(Read, 0, 0, -1, 1, buf, 1, 1, Byte, 0, 0, nil) }, ErrInvalidArgument},
		{"negative stride", func() error { return b.RasterIO(Read, 0, 0, 1, 1, buf, 1, 1, Byte, -1, 0, nil) }, ErrInvalidArgument},
		{"outside raster", func() error { return b.RasterIO(Read, 5, 5, 6, 1, buf, 6, 1, Byte, 0, 0, nil) }, ErrInvalidArgument},
		{"negative origin", func() error { return b.RasterIO(Read, -1, 0, 1, 1, buf, 1, 1, Byte, 0, 0, nil) }, ErrInvalidArgument},
		{"unknown type", func() error { return b.RasterIO(Read, 0, 0, 1, 1, buf, 1, 1, Unknown, 0, 0, nil) }, ErrInvalidArgument},
		{"short buffer", func() error { return b.RasterIO(Read, 0, 0, 10, 10, buf, 10, 10, UInt16, 0, 0, nil) }, ErrInvalidArgument},
		{"huge strides", func() error {
			return b.RasterIO(Read, 0, 0, 10, 10, buf, 10, 10, Byte, 1, math.MaxInt32, nil)
		}, ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			var re *Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, "RasterIO", re.Op)
			assert.Equal(t, 1, re.Band)
			assert.Equal(t, d.ID(), re.DatasetID)
		})
	}

	// Empty requests succeed without touching anything.
	require.NoError(t, b.RasterIO(Read, 0, 0, 0, 5, nil, 0, 5, Byte, 0, 0, nil))
	require.NoError(t, b.RasterIO(Write, 3, 3, 2, 2, nil, 0, 0, Byte, 0, 0, nil))
	assert.Zero(t, memDriver(b).Reads())
}

func TestRasterIOWriteReadOnly(t *testing.T) {
	d, err := NewDataset(8, 8, WithRegistry(testRegistry(1<<20)), WithConfig(testConfig()))
	require.NoError(t, err)
	info := BandInfo{Type: Byte, Access: ReadOnly}
	b, err := d.AddBand(info, NewMemDriver(BandInfo{Width: 8, Height: 8, Type: Byte}))
	require.NoError(t, err)

	err = b.RasterIO(Write, 0, 0, 1, 1, []byte{1}, 1, 1, Byte, 0, 0, nil)
	assert.ErrorIs(t, err, ErrNotSupported)
	err = b.WriteBlock(0, 0, make([]byte, 8))
	assert.ErrorIs(t, err, ErrNotSupported)
	require.NoError(t, d.Close())
}

func TestRasterIOWholeBlockWriteSkipsRead(t *testing.T) {
	d := newTestDataset(t, 32, 32, 1, Byte, 16, 16)
	b := band(t, d, 1)
	drv := memDriver(b)

	require.NoError(t, b.RasterIO(Write, 0, 0, 16, 16, make([]byte, 256), 16, 16, Byte, 0, 0, nil))
	assert.Zero(t, drv.Reads(), "fully covered block is initialized without reading")

	require.NoError(t, b.RasterIO(Write, 16, 0, 8, 8, make([]byte, 64), 8, 8, Byte, 0, 0, nil))
	assert.Equal(t, int64(1), drv.Reads(), "partial write reads the block first")
	assert.Equal(t, 2, b.CacheStats().Dirty)

	require.NoError(t, d.FlushCache())
	assert.Equal(t, int64(2), drv.Writes())
	assert.Zero(t, b.CacheStats().Blocks)
}

func TestRasterIONearestDecimation(t *testing.T) {
	d := newTestDataset(t, 8, 8, 1, Byte, 4, 4)
	b := band(t, d, 1)
	fill(t, b, func(x, y int) float64 { return float64(y*8 + x) })

	got := readFloats(t, b, 0, 0, 8, 8, 4, 4, &IOArgs{Resampling: Nearest})
	want := []float64{
		9, 11, 13, 15,
		25, 27, 29, 31,
		41, 43, 45, 47,
		57, 59, 61, 63,
	}
	assert.Equal(t, want, got)

	// Upsampling replicates.
	got = readFloats(t, b, 2, 2, 2, 1, 4, 2, nil)
	assert.Equal(t, []float64{18, 18, 19, 19, 18, 18, 19, 19}, got)
}

func TestRasterIOResampled(t *testing.T) {
	d := newTestDataset(t, 8, 8, 1, Float32, 4, 4)
	b := band(t, d, 1)
	fill(t, b, func(x, y int) float64 { return float64(x) })

	avg := readFloats(t, b, 0, 0, 8, 8, 4, 4, &IOArgs{Resampling: Average})
	for i, v := range avg {
		assert.InDelta(t, float64(i%4)*2+0.5, v, 1e-9, "pixel %d", i)
	}

	rms := readFloats(t, b, 0, 0, 2, 2, 1, 1, &IOArgs{Resampling: RMS})
	assert.InDelta(t, math.Sqrt(0.5), rms[0], 1e-9)

	for _, alg := range []Resampling{Bilinear, Cubic, CubicSpline, Lanczos, Gauss} {
		t.Run(alg.String(), func(t *testing.T) {
			flat := newTestDataset(t, 16, 16, 1, Float64, 8, 8)
			fb := band(t, flat, 1)
			fill(t, fb, func(int, int) float64 { return 42 })
			for _, v := range readFloats(t, fb, 0, 0, 16, 16, 5, 7, &IOArgs{Resampling: alg}) {
				assert.InDelta(t, 42, v, 1e-9)
			}
			for _, v := range readFloats(t, fb, 3, 3, 4, 4, 9, 9, &IOArgs{Resampling: alg}) {
				assert.InDelta(t, 42, v, 1e-9)
			}
		})
	}
}

func TestRasterIOResampledSkipsNoData(t *testing.T) {
	d := newTestDataset(t, 4, 4, 1, Int16, 4, 4)
	b := band(t, d, 1)
	require.NoError(t, b.SetNoDataValue(-1))
	fill(t, b, func(x, y int) float64 {
		if x < 2 {
			return -1
		}
		return 10
	})

	got := readFloats(t, b, 0, 0, 4, 4, 2, 2, &IOArgs{Resampling: Average})
	assert.Equal(t, []float64{-1, 10, -1, 10}, got, "all-nodata outputs take the nodata value")

	got = readFloats(t, b, 0, 0, 4, 4, 1, 1, &IOArgs{Resampling: ModeResampling})
	assert.Equal(t, []float64{10}, got)
}

func TestRasterIOReplicatedWrite(t *testing.T) {
	d := newTestDataset(t, 4, 4, 1, Byte, 0, 0)
	b := band(t, d, 1)
	require.NoError(t, b.RasterIO(Write, 0, 0, 4, 4, []byte{1, 2, 3, 4}, 2, 2, Byte, 0, 0, nil))

	out := make([]byte, 16)
	require.NoError(t, b.RasterIO(Read, 0, 0, 4, 4, out, 4, 4, Byte, 0, 0, nil))
	assert.Equal(t, []byte{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, out)
}

func TestRasterIOSignedByte(t *testing.T) {
	d := newTestDataset(t, 2, 1, 1, Byte, 0, 0)
	b := band(t, d, 1)
	require.NoError(t, b.RasterIO(Write, 0, 0, 2, 1, []byte{0xff, 0x7f}, 2, 1, Byte, 0, 0, nil))
	b.SetMetadataItem(MDPixelType, "SIGNEDBYTE", DomainImageStructure)
	assert.Equal(t, []float64{-1, 127}, readFloats(t, b, 0, 0, 2, 1, 2, 1, nil))
}

func TestRasterIODirectWindowPath(t *testing.T) {
	d, err := NewDataset(16, 16, WithRegistry(testRegistry(1<<20)), WithConfig(testConfig()))
	require.NoError(t, err)
	defer d.Close()
	info := BandInfo{BlockWidth: 8, BlockHeight: 8, Type: UInt16, Access: Update}
	info.Width, info.Height = 16, 16
	drv := NewMemWindowDriver(info)
	b, err := d.AddBand(info, drv)
	require.NoError(t, err)

	// A cached write leaves a dirty block that the direct read must see.
	in := make([]byte, 2)
	le.PutUint16(in, 777)
	require.NoError(t, b.RasterIO(Write, 3, 3, 1, 1, in, 1, 1, UInt16, 0, 0, &IOArgs{ForceCachedIO: true}))
	assert.Equal(t, 1, b.CacheStats().Dirty)
	assert.Zero(t, drv.Windows())

	out := make([]byte, 2)
	require.NoError(t, b.RasterIO(Read, 3, 3, 1, 1, out, 1, 1, UInt16, 0, 0, nil))
	assert.Equal(t, uint16(777), le.Uint16(out))
	assert.Equal(t, int64(1), drv.Windows())
	assert.Zero(t, b.CacheStats().Dirty, "dirty blocks flushed before the window read")
	assert.Equal(t, 1, b.CacheStats().Blocks, "read flush keeps blocks resident")

	// A direct write drops the cached copy so later cached reads see it.
	le.PutUint16(in, 5)
	require.NoError(t, b.RasterIO(Write, 3, 3, 1, 1, in, 1, 1, UInt16, 0, 0, nil))
	assert.Zero(t, b.CacheStats().Blocks)
	require.NoError(t, b.RasterIO(Read, 3, 3, 1, 1, out, 1, 1, UInt16, 0, 0, &IOArgs{ForceCachedIO: true}))
	assert.Equal(t, uint16(5), le.Uint16(out))
}

func TestRasterIOForceCachingConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ForceCachedIO = true
	d, err := NewDataset(8, 8, WithRegistry(testRegistry(1<<20)), WithConfig(cfg))
	require.NoError(t, err)
	defer d.Close()
	info := BandInfo{Width: 8, Height: 8, Type: Byte, Access: Update}
	drv := NewMemWindowDriver(info)
	b, err := d.AddBand(info, drv)
	require.NoError(t, err)

	require.NoError(t, b.RasterIO(Read, 0, 0, 8, 8, make([]byte, 64), 8, 8, Byte, 0, 0, nil))
	assert.Zero(t, drv.Windows())
	assert.Equal(t, int64(8), drv.Reads())
}

func TestEvictionKeepsDirtyData(t *testing.T) {
	const blockBytes = 16 * 16
	reg := testRegistry(3 * blockBytes)
	d, err := NewMemDataset(64, 64, 1, Byte, 16, 16, WithRegistry(reg), WithConfig(testConfig()))
	require.NoError(t, err)
	defer d.Close()
	b := band(t, d, 1)

	fill(t, b, func(x, y int) float64 { return float64((x*7 + y*3) % 251) })
	assert.LessOrEqual(t, reg.UsedBytes(), int64(3*blockBytes))
	assert.Positive(t, memDriver(b).Writes(), "evictions flushed dirty blocks")

	got := readFloats(t, b, 0, 0, 64, 64, 64, 64, nil)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			require.Equal(t, float64((x*7+y*3)%251), got[y*64+x], "pixel %d,%d", x, y)
		}
	}
}

func TestLatchedEvictionError(t *testing.T) {
	const blockBytes = 8 * 8
	reg := testRegistry(2 * blockBytes)
	d, err := NewMemDataset(32, 8, 1, Byte, 8, 8, WithRegistry(reg), WithConfig(testConfig()))
	require.NoError(t, err)
	defer d.Close()
	b := band(t, d, 1)
	boom := errors.New("disk full")
	memDriver(b).FailWrites(boom)

	// Four dirty blocks through a two block ceiling: the evictor fails.
	for col := 0; col < 4; col++ {
		err := b.RasterIO(Write, col*8, 0, 8, 8, make([]byte, 64), 8, 8, Byte, 0, 0, nil)
		if err != nil {
			assert.ErrorIs(t, err, boom)
			assert.ErrorIs(t, err, ErrIOFailure)
			memDriver(b).FailWrites(nil)
			require.NoError(t, b.RasterIO(Read, 0, 0, 1, 1, make([]byte, 1), 1, 1, Byte, 0, 0, nil),
				"the latched error is reported once")
			return
		}
	}
	err = b.RasterIO(Read, 0, 0, 1, 1, make([]byte, 1), 1, 1, Byte, 0, 0, nil)
	assert.ErrorIs(t, err, boom)
	memDriver(b).FailWrites(nil)
	require.NoError(t, b.RasterIO(Read, 0, 0, 1, 1, make([]byte, 1), 1, 1, Byte, 0, 0, nil))
}

func TestWritesInvalidateStatistics(t *testing.T) {
	d := newTestDataset(t, 4, 4, 1, Byte, 0, 0)
	b := band(t, d, 1)
	fill(t, b, func(x, y int) float64 { return float64(x) })
	_, err := b.ComputeStatistics(false, nil)
	require.NoError(t, err)
	_, ok := b.MetadataItem(MDStatisticsMean, DomainDefault)
	require.True(t, ok)

	require.NoError(t, b.RasterIO(Write, 0, 0, 1, 1, []byte{9}, 1, 1, Byte, 0, 0, nil))
	_, ok = b.MetadataItem(MDStatisticsMean, DomainDefault)
	assert.False(t, ok)
}

func TestBlockAccess(t *testing.T) {
	d := newTestDataset(t, 10, 10, 1, Int16, 4, 4)
	b := band(t, d, 1)

	bw, bh := b.BlockSize()
	assert.Equal(t, []int{4, 4}, []int{bw, bh})
	cols, rows := b.BlockCount()
	assert.Equal(t, []int{3, 3}, []int{cols, rows})
	aw, ah, err := b.ActualBlockSize(2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, []int{aw, ah})

	blk := make([]byte, 32)
	for i := 0; i < 16; i++ {
		le.PutUint16(blk[i*2:], uint16(i))
	}
	require.NoError(t, b.WriteBlock(1, 1, blk))
	got := make([]byte, 32)
	require.NoError(t, b.ReadBlock(1, 1, got))
	assert.Equal(t, blk, got)

	h, err := b.LockedBlock(1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, b.CacheStats().Locked)
	le.PutUint16(h.Data(), 99)
	h.MarkDirty()
	h.Release()
	h.Release()
	assert.Zero(t, b.CacheStats().Locked)

	v := readFloats(t, b, 4, 4, 1, 1, 1, 1, nil)
	assert.Equal(t, []float64{99}, v)

	assert.ErrorIs(t, b.ReadBlock(3, 0, got), ErrInvalidArgument)
	assert.ErrorIs(t, b.ReadBlock(0, 0, got[:4]), ErrInvalidArgument)

	require.NoError(t, b.DropCache())
	assert.Zero(t, b.CacheStats().Blocks)
	require.NoError(t, b.ReadBlock(1, 1, got))
	assert.Equal(t, uint16(99), le.Uint16(got))
}

func TestDatasetsDoNotDeadlock(t *testing.T) {
	const blockBytes = 8 * 8
	reg := testRegistry(4 * blockBytes)
	var datasets []*Dataset
	for i := 0; i < 4; i++ {
		d, err := NewMemDataset(64, 64, 2, Byte, 8, 8, WithRegistry(reg), WithConfig(testConfig()),
			WithName(fmt.Sprintf("ds%d", i)))
		require.NoError(t, err)
		datasets = append(datasets, d)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i, d := range datasets {
		for bi := 1; bi <= 2; bi++ {
			wg.Add(1)
			go func(d *Dataset, bi, seed int) {
				defer wg.Done()
				b, err := d.Band(bi)
				if err != nil {
					errs <- err
					return
				}
				buf := make([]byte, 64)
				for n := 0; n < 200; n++ {
					x, y := (n*seed*13)%56, (n*7+seed)%56
					mode := Read
					if n%3 == 0 {
						mode = Write
					}
					if err := b.RasterIO(mode, x, y, 8, 8, buf, 8, 8, Byte, 0, 0, nil); err != nil {
						errs <- err
						return
					}
				}
			}(d, bi, i+1)
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("datasets sharing a registry deadlocked")
	}
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	for _, d := range datasets {
		require.NoError(t, d.Close())
	}
	assert.Zero(t, reg.UsedBytes())
}
