package cog

import (
	"encoding/binary"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pspoerri/rasterband/internal/raster"
)

func TestOpenTiled(t *testing.T) {
	bo := binary.LittleEndian
	e := encoder{bo: bo, t: raster.UInt16, compression: compressionNone}
	fn := func(x, y int) float64 { return float64(x + 100*y) }
	geo := []field{
		doubles(bo, tagModelPixelScaleTag, 10, 10, 0),
		doubles(bo, tagModelTiepointTag, 0, 0, 0, 2600000, 1200000, 0),
		shorts(bo, tagGeoKeyDirectoryTag, 1, 1, 0, 2, 1024, 0, 1, 1, 3072, 0, 1, 2056),
		ascii(tagGDALNoData, "65535"),
	}
	data := buildTIFF(bo, tiledImage(t, e, 24, 20, 16, 16, fn, geo...))

	ds := openBytes(t, data)
	assert.Equal(t, 24, ds.Width())
	assert.Equal(t, 20, ds.Height())
	require.Equal(t, 1, ds.BandCount())

	b, err := ds.Band(1)
	require.NoError(t, err)
	assert.Equal(t, raster.UInt16, b.DataType())
	bw, bh := b.BlockSize()
	assert.Equal(t, 16, bw)
	assert.Equal(t, 16, bh)
	assert.Equal(t, raster.ColorGray, b.ColorInterpretation())

	nd := b.NoDataValue()
	require.True(t, nd.IsSet())
	assert.Equal(t, 65535.0, nd.Float64())

	got := readAll(t, b)
	for y := 0; y < 20; y++ {
		for x := 0; x < 24; x++ {
			require.Equal(t, fn(x, y), got[y*24+x], "pixel (%d,%d)", x, y)
		}
	}

	bound, epsg, ok := ds.Bounds()
	require.True(t, ok)
	assert.Equal(t, 2056, epsg)
	assert.Equal(t, orb.Bound{Min: orb.Point{2600000, 1200000 - 200}, Max: orb.Point{2600000 + 240, 1200000}}, bound)

	c, _ := ds.MetadataItem("COMPRESSION", raster.DomainImageStructure)
	assert.Equal(t, "NONE", c)

	assert.ErrorIs(t, b.RasterIO(raster.Write, 0, 0, 1, 1, make([]byte, 2), 1, 1, raster.UInt16, 0, 0, nil), raster.ErrNotSupported)
}

func TestCodecs(t *testing.T) {
	const w, h, spp, rowsPerStrip = 13, 7, 3, 3
	value := func(x, y, s int) float64 { return float64((x*37+y*101+s*1000)%4000 - 2000) }

	for _, bo := range []order{binary.LittleEndian, binary.BigEndian} {
		for _, c := range []uint16{compressionNone, compressionDeflate, compressionZSTD, compressionPackBits} {
			for _, p := range []uint16{predictorNone, predictorHorizontal} {
				name := CompressionName(c) + "/" + map[bool]string{true: "LE", false: "BE"}[bo == binary.LittleEndian]
				if p == predictorHorizontal {
					name += "/predictor"
				}
				t.Run(name, func(t *testing.T) {
					e := encoder{bo: bo, t: raster.Int16, compression: c, predictor: p}
					img := testImage{fields: append([]field{
						longs(bo, tagImageWidth, w),
						longs(bo, tagImageLength, h),
						shorts(bo, tagRowsPerStrip, rowsPerStrip),
						shorts(bo, tagCompression, c),
						shorts(bo, tagPredictor, p),
						shorts(bo, tagPhotometric, 2),
					}, sampleFields(bo, raster.Int16, spp)...)}
					for y0 := 0; y0 < h; y0 += rowsPerStrip {
						rows := min(rowsPerStrip, h-y0)
						vals := make([]float64, 0, w*rows*spp)
						for y := y0; y < y0+rows; y++ {
							for x := 0; x < w; x++ {
								for s := 0; s < spp; s++ {
									vals = append(vals, value(x, y, s))
								}
							}
						}
						img.blocks = append(img.blocks, e.block(t, vals, w, rows, spp))
					}

					ds := openBytes(t, buildTIFF(bo, img))
					require.Equal(t, spp, ds.BandCount())
					for s := 0; s < spp; s++ {
						b, err := ds.Band(s + 1)
						require.NoError(t, err)
						assert.Equal(t, []raster.ColorInterp{raster.ColorRed, raster.ColorGreen, raster.ColorBlue}[s], b.ColorInterpretation())
						got := readAll(t, b)
						for y := 0; y < h; y++ {
							for x := 0; x < w; x++ {
								require.Equal(t, value(x, y, s), got[y*w+x], "band %d pixel (%d,%d)", s+1, x, y)
							}
						}
					}
				})
			}
		}
	}
}

func TestFloatPredictorSeparatePlanes(t *testing.T) {
	const w, h = 9, 5
	value := func(x, y, s int) float64 { return float64(x)*0.25 - float64(y)*1.5 + float64(s)*1e3 }
	for _, bo := range []order{binary.LittleEndian, binary.BigEndian} {
		e := encoder{bo: bo, t: raster.Float32, compression: compressionDeflate, predictor: predictorFloatingPoint}
		img := testImage{fields: append([]field{
			longs(bo, tagImageWidth, w),
			longs(bo, tagImageLength, h),
			shorts(bo, tagRowsPerStrip, h),
			shorts(bo, tagCompression, compressionDeflate),
			shorts(bo, tagPredictor, predictorFloatingPoint),
			shorts(bo, tagPlanarConfig, 2),
			shorts(bo, tagPhotometric, 1),
		}, sampleFields(bo, raster.Float32, 2)...)}
		for s := 0; s < 2; s++ {
			vals := make([]float64, 0, w*h)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					vals = append(vals, value(x, y, s))
				}
			}
			img.blocks = append(img.blocks, e.block(t, vals, w, h, 1))
		}

		ds := openBytes(t, buildTIFF(bo, img))
		for s := 0; s < 2; s++ {
			b, err := ds.Band(s + 1)
			require.NoError(t, err)
			got := readAll(t, b)
			for i, v := range got {
				require.Equal(t, value(i%w, i/w, s), v, "band %d pixel %d", s+1, i)
			}
		}
		v, _ := ds.MetadataItem("INTERLEAVE", raster.DomainImageStructure)
		assert.Equal(t, "BAND", v)
	}
}

func TestOverviewsAndMask(t *testing.T) {
	bo := binary.LittleEndian
	e := encoder{bo: bo, t: raster.Byte, compression: compressionDeflate}
	full := tiledImage(t, e, 32, 32, 16, 16, func(x, y int) float64 { return 1 })
	ov := tiledImage(t, e, 16, 16, 16, 16, func(x, y int) float64 { return 7 },
		longs(bo, tagNewSubfileType, subfileReduced))

	// One-bit mask, left half valid.
	row := []byte{0xFF, 0xFF, 0x00, 0x00}
	var maskData []byte
	for y := 0; y < 32; y++ {
		maskData = append(maskData, row...)
	}
	mask := testImage{fields: []field{
		longs(bo, tagNewSubfileType, subfileMask),
		longs(bo, tagImageWidth, 32),
		longs(bo, tagImageLength, 32),
		shorts(bo, tagBitsPerSample, 1),
		shorts(bo, tagRowsPerStrip, 32),
		shorts(bo, tagCompression, compressionDeflate),
		shorts(bo, tagPhotometric, 4),
	}, blocks: [][]byte{compress(t, compressionDeflate, maskData)}}

	ds := openBytes(t, buildTIFF(bo, full, ov, mask))
	b, err := ds.Band(1)
	require.NoError(t, err)
	require.Equal(t, 1, b.OverviewCount())
	o, err := b.Overview(0)
	require.NoError(t, err)
	assert.Equal(t, 16, o.Width())

	buf := make([]byte, 16*16)
	require.NoError(t, b.RasterIO(raster.Read, 0, 0, 32, 32, buf, 16, 16, raster.Byte, 0, 0, nil))
	assert.Equal(t, byte(7), buf[0], "a halved read is served by the overview")

	assert.Equal(t, raster.MaskPerDataset, b.MaskFlags())
	m, err := b.MaskBand()
	require.NoError(t, err)
	got := readAll(t, m)
	for i, v := range got {
		want := 0.0
		if i%32 < 16 {
			want = 255
		}
		require.Equal(t, want, v, "mask pixel %d", i)
	}

	st, err := b.ComputeStatistics(false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(32*16), st.ValidCount)
}

func TestAlphaAndMetadata(t *testing.T) {
	bo := binary.BigEndian
	e := encoder{bo: bo, t: raster.Byte, compression: compressionZSTD}
	const w, h = 4, 2
	vals := []float64{
		10, 20, 30, 0, 11, 21, 31, 255, 12, 22, 32, 0, 13, 23, 33, 255,
		14, 24, 34, 0, 15, 25, 35, 255, 16, 26, 36, 0, 17, 27, 37, 255,
	}
	md := `<GDALMetadata>
  <Item name="SOURCE">synthetic</Item>
  <Item name="STATISTICS_MEAN" sample="0">13.5</Item>
  <Item name="DESCRIPTION" sample="1" role="description">green</Item>
</GDALMetadata>`
	img := testImage{fields: append([]field{
		longs(bo, tagImageWidth, w),
		longs(bo, tagImageLength, h),
		shorts(bo, tagRowsPerStrip, h),
		shorts(bo, tagCompression, compressionZSTD),
		shorts(bo, tagPhotometric, 2),
		shorts(bo, tagExtraSamples, 2),
		ascii(tagGDALMetadata, md),
	}, sampleFields(bo, raster.Byte, 4)...), blocks: [][]byte{e.block(t, vals, w, h, 4)}}

	ds := openBytes(t, buildTIFF(bo, img))
	require.Equal(t, 4, ds.BandCount())
	alpha, err := ds.Band(4)
	require.NoError(t, err)
	assert.Equal(t, raster.ColorAlpha, alpha.ColorInterpretation())

	red, err := ds.Band(1)
	require.NoError(t, err)
	assert.Equal(t, raster.MaskAlpha|raster.MaskPerDataset, red.MaskFlags())
	assert.Equal(t, []float64{10, 11, 12, 13, 14, 15, 16, 17}, readAll(t, red))

	v, ok := ds.MetadataItem("SOURCE", raster.DomainDefault)
	assert.True(t, ok)
	assert.Equal(t, "synthetic", v)
	v, _ = red.MetadataItem(raster.MDStatisticsMean, raster.DomainDefault)
	assert.Equal(t, "13.5", v)
	green, err := ds.Band(2)
	require.NoError(t, err)
	assert.Equal(t, "green", green.Description())

	st, err := red.ComputeStatistics(false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), st.ValidCount, "alpha 0 pixels are masked")
	assert.Equal(t, 14.0, st.Mean)
}

func TestParseErrors(t *testing.T) {
	_, err := ParseSource(BytesSource([]byte("not a tiff")), "junk")
	assert.Error(t, err)

	bo := binary.LittleEndian
	img := testImage{fields: append([]field{
		longs(bo, tagImageWidth, 4),
		longs(bo, tagImageLength, 4),
	}, sampleFields(bo, raster.Float16, 1)[:1]...)}
	img.fields = append(img.fields, shorts(bo, tagSampleFormat, 5))
	img.blocks = [][]byte{make([]byte, 32)}
	_, err = ParseSource(BytesSource(buildTIFF(bo, img)), "bad.tif")
	assert.ErrorIs(t, err, raster.ErrNotSupported)
}

func TestUnpackPackBits(t *testing.T) {
	in := []byte{0xFE, 0xAA, 0x02, 0x80, 0x00, 0x2A, 0xFD, 0xAA, 0x03, 0x80, 0x00, 0x2A, 0x22, 0xF7, 0xAA}
	want := []byte{0xAA, 0xAA, 0xAA, 0x80, 0x00, 0x2A, 0xAA, 0xAA, 0xAA, 0xAA, 0x80, 0x00, 0x2A, 0x22,
		0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	got, err := unpackPackBits(in, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = unpackPackBits([]byte{0x05, 0x01}, 6)
	assert.ErrorIs(t, err, raster.ErrIOFailure)
}

func TestParseGeoKeys(t *testing.T) {
	epsg, rt := parseGeoKeys([]uint16{1, 1, 0, 2, 1025, 0, 1, 2, 2048, 0, 1, 4326})
	assert.Equal(t, 4326, epsg)
	assert.Equal(t, rasterPixelIsPoint, rt)

	info := parseGeoInfo(&IFD{
		ModelPixelScale: []float64{0.5, 0.5, 0},
		ModelTiepoint:   []float64{0, 0, 0, 10, 20, 0},
		GeoKeys:         []uint16{1, 1, 0, 1, 1025, 0, 1, 2},
	})
	assert.Equal(t, 9.75, info.OriginX)
	assert.Equal(t, 20.25, info.OriginY)
}

func TestWorldFile(t *testing.T) {
	info, err := parseWorldFile([]byte("2.0\n0\n0\n-2.0\n101\n199\n"))
	require.NoError(t, err)
	assert.Equal(t, GeoInfo{PixelSizeX: 2, PixelSizeY: 2, OriginX: 100, OriginY: 200}, info)

	_, err = parseWorldFile([]byte("1 0.1 0 -1 0 0"))
	assert.Error(t, err)
}
