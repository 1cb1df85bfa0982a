package raster

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func TestDatasetBands(t *testing.T) {
	d := newTestDataset(t, 4, 3, 2, Int16, 0, 0, WithName("scene"))
	assert.Equal(t, 2, d.BandCount())
	assert.Equal(t, "scene", d.Name())
	assert.Len(t, d.Bands(), 2)

	b := band(t, d, 2)
	assert.Equal(t, 2, b.Index())
	bw, bh := b.BlockSize()
	assert.Equal(t, 4, bw, "default block is one line")
	assert.Equal(t, 1, bh)

	for _, i := range []int{0, 3, -1} {
		_, err := d.Band(i)
		assert.ErrorIs(t, err, ErrInvalidArgument, "band %d", i)
	}

	_, err := d.AddBand(BandInfo{Width: 5, Height: 3, Type: Byte}, NewMemDriver(BandInfo{Width: 5, Height: 3, Type: Byte}))
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewDataset(0, 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDatasetMetadataAndBounds(t *testing.T) {
	d := newTestDataset(t, 2, 2, 1, Byte, 0, 0)
	_, _, ok := d.Bounds()
	assert.False(t, ok)

	want := orb.Bound{Min: orb.Point{5, 45}, Max: orb.Point{6, 46}}
	d.SetBounds(want, 4326)
	got, epsg, ok := d.Bounds()
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, 4326, epsg)

	d.SetMetadataItem("AREA_OR_POINT", "Area", DomainDefault)
	v, ok := d.MetadataItem("AREA_OR_POINT", DomainDefault)
	assert.True(t, ok)
	assert.Equal(t, "Area", v)
	assert.Equal(t, map[string]string{"AREA_OR_POINT": "Area"}, d.Metadata(DomainDefault))
}

func TestDatasetCloseFlushesFirst(t *testing.T) {
	var writesAtClose int64 = -1
	var drv *MemDriver
	d := newTestDataset(t, 8, 2, 1, Byte, 0, 0, WithCloser(closeFunc(func() error {
		writesAtClose = drv.Writes()
		return nil
	})))
	b := band(t, d, 1)
	drv = memDriver(b)
	fill(t, b, func(x, y int) float64 { return float64(x + y) })
	assert.Zero(t, drv.Writes(), "writes stay cached")

	require.NoError(t, d.Close())
	assert.Equal(t, int64(2), writesAtClose, "every dirty block is written before the driver closes")
	require.NoError(t, d.Close(), "closing twice is a no-op")

	assert.ErrorIs(t, b.ReadBlock(0, 0, make([]byte, 8)), ErrIllegalState)
	assert.Zero(t, d.Registry().UsedBytes())
}

func TestDatasetCloseReportsErrors(t *testing.T) {
	boom := errors.New("disk full")
	d := newTestDataset(t, 4, 1, 1, Byte, 0, 0, WithCloser(closeFunc(func() error { return boom })))
	b := band(t, d, 1)
	memDriver(b).FailWrites(boom)
	require.NoError(t, b.RasterIO(Write, 0, 0, 4, 1, []byte{1, 2, 3, 4}, 4, 1, Byte, 0, 0, nil))

	err := d.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "closing driver")
}
