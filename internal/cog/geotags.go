package cog

import (
	"github.com/paulmach/orb"
)

// GeoTIFF GeoKey IDs.
const (
	gkRasterTypeGeoKey      = 1025
	gkGeographicTypeGeoKey  = 2048
	gkProjectedCSTypeGeoKey = 3072

	rasterPixelIsPoint = 2
)

// GeoInfo is the north-up georeferencing of the full-resolution image.
type GeoInfo struct {
	EPSG       int     // 0 when unknown
	OriginX    float64 // x of the upper-left corner
	OriginY    float64 // y of the upper-left corner
	PixelSizeX float64 // positive
	PixelSizeY float64 // positive
}

// Valid reports whether a pixel size is known.
func (g GeoInfo) Valid() bool { return g.PixelSizeX > 0 && g.PixelSizeY > 0 }

// Bound returns the extent of a width×height image in CRS units.
func (g GeoInfo) Bound(width, height int) orb.Bound {
	return orb.Bound{
		Min: orb.Point{g.OriginX, g.OriginY - float64(height)*g.PixelSizeY},
		Max: orb.Point{g.OriginX + float64(width)*g.PixelSizeX, g.OriginY},
	}
}

// parseGeoInfo extracts georeferencing from the model tiepoint and pixel
// scale tags of an IFD.
func parseGeoInfo(ifd *IFD) GeoInfo {
	var info GeoInfo
	if len(ifd.ModelPixelScale) >= 2 {
		info.PixelSizeX = ifd.ModelPixelScale[0]
		info.PixelSizeY = ifd.ModelPixelScale[1]
	}
	// The tiepoint [I J K X Y Z] maps pixel (I,J) to (X,Y).
	if len(ifd.ModelTiepoint) >= 6 {
		info.OriginX = ifd.ModelTiepoint[3] - ifd.ModelTiepoint[0]*info.PixelSizeX
		info.OriginY = ifd.ModelTiepoint[4] + ifd.ModelTiepoint[1]*info.PixelSizeY
	}
	epsg, rasterType := parseGeoKeys(ifd.GeoKeys)
	info.EPSG = epsg
	if rasterType == rasterPixelIsPoint {
		info.OriginX -= info.PixelSizeX / 2
		info.OriginY += info.PixelSizeY / 2
	}
	return info
}

// parseGeoKeys returns the projected or geographic EPSG code and the raster
// type from a GeoKey directory.
func parseGeoKeys(keys []uint16) (epsg int, rasterType int) {
	if len(keys) < 4 {
		return 0, 0
	}
	// Header: version, revision, minor revision, number of keys.
	n := int(keys[3])
	geographic := 0
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(keys) {
			break
		}
		// Entries stored in other tags have a non-zero location; only
		// inline SHORT values are used here.
		if keys[base+1] != 0 {
			continue
		}
		v := int(keys[base+3])
		switch keys[base] {
		case gkProjectedCSTypeGeoKey:
			if v > 0 && v != 32767 {
				epsg = v
			}
		case gkGeographicTypeGeoKey:
			if v > 0 && v != 32767 {
				geographic = v
			}
		case gkRasterTypeGeoKey:
			rasterType = v
		}
	}
	if epsg == 0 {
		epsg = geographic
	}
	return epsg, rasterType
}
