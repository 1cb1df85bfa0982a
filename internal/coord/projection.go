// Package coord converts raster extents between the supported projected
// CRSs and WGS84 longitude/latitude.
package coord

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Projection converts between a source CRS and WGS84.
type Projection interface {
	// ToWGS84 converts source CRS coordinates to WGS84 longitude/latitude (degrees).
	ToWGS84(p orb.Point) orb.Point

	// FromWGS84 converts WGS84 longitude/latitude (degrees) to source CRS coordinates.
	FromWGS84(p orb.Point) orb.Point

	// EPSG returns the EPSG code for this projection.
	EPSG() int
}

// ForEPSG returns the Projection for an EPSG code.
func ForEPSG(epsg int) (Projection, error) {
	switch epsg {
	case 2056:
		return SwissLV95{}, nil
	case 21781:
		return SwissLV03{}, nil
	case 4326, 4258:
		// ETRS89 stays within a metre of WGS84.
		return geographic(epsg), nil
	case 3857:
		return WebMercator{}, nil
	}
	return nil, fmt.Errorf("EPSG:%d is not supported", epsg)
}

// geographic is the identity for longitude/latitude CRSs.
type geographic int

func (g geographic) ToWGS84(p orb.Point) orb.Point   { return p }
func (g geographic) FromWGS84(p orb.Point) orb.Point { return p }
func (g geographic) EPSG() int                       { return int(g) }

// WebMercator is the spherical pseudo-Mercator of EPSG:3857.
type WebMercator struct{}

func (WebMercator) ToWGS84(p orb.Point) orb.Point   { return project.Mercator.ToWGS84(p) }
func (WebMercator) FromWGS84(p orb.Point) orb.Point { return project.WGS84.ToMercator(p) }
func (WebMercator) EPSG() int                       { return 3857 }
