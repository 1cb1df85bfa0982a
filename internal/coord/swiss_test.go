package coord

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

// Reference points from swisstopo; the polynomial loses accuracy towards
// the borders.
var swissRefPoints = []struct {
	name   string
	lv95   orb.Point
	wgs84  orb.Point
	tolDeg float64
}{
	{"Bern", orb.Point{2_600_000, 1_200_000}, orb.Point{7.438632, 46.951083}, 0.001},
	{"Zurich", orb.Point{2_683_474, 1_247_862}, orb.Point{8.5417, 47.3769}, 0.005},
	{"Geneva", orb.Point{2_500_560, 1_118_017}, orb.Point{6.1432, 46.2075}, 0.01},
}

func TestSwissLV95ReferencePoints(t *testing.T) {
	s := SwissLV95{}
	for _, ref := range swissRefPoints {
		t.Run(ref.name, func(t *testing.T) {
			got := s.ToWGS84(ref.lv95)
			assert.InDelta(t, ref.wgs84[0], got[0], ref.tolDeg, "lon")
			assert.InDelta(t, ref.wgs84[1], got[1], ref.tolDeg, "lat")

			back := s.FromWGS84(ref.wgs84)
			assert.InDelta(t, ref.lv95[0], back[0], 600, "easting")
			assert.InDelta(t, ref.lv95[1], back[1], 600, "northing")

			// The two polynomials agree with each other far better than
			// with the ellipsoid.
			round := s.FromWGS84(got)
			assert.InDelta(t, ref.lv95[0], round[0], 2)
			assert.InDelta(t, ref.lv95[1], round[1], 2)
		})
	}
}

func TestSwissLV95Edges(t *testing.T) {
	s := SwissLV95{}
	for _, p := range []orb.Point{
		{5.96, 45.82},  // near Geneva
		{10.49, 47.81}, // near Bodensee
		{6.13, 47.50},  // Jura
		{10.47, 46.17}, // Engadin
	} {
		got := s.ToWGS84(s.FromWGS84(p))
		assert.InDelta(t, p[0], got[0], 1e-3)
		assert.InDelta(t, p[1], got[1], 1e-3)
	}
}

func TestSwissLV03(t *testing.T) {
	lv03, lv95 := SwissLV03{}, SwissLV95{}
	assert.Equal(t, lv95.ToWGS84(orb.Point{2_600_000, 1_200_000}), lv03.ToWGS84(orb.Point{600_000, 200_000}))
	p := lv03.FromWGS84(orb.Point{7.438632, 46.951083})
	assert.InDelta(t, 600_000, p[0], 600)
	assert.InDelta(t, 200_000, p[1], 600)
}
