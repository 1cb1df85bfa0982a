package coord

import "github.com/paulmach/orb"

// edgeSamples is the number of points projected along each side of a
// bound; curved meridians and parallels make corners alone too small.
const edgeSamples = 16

// BoundToWGS84 returns the longitude/latitude bound enclosing b, given in
// the CRS of epsg.
func BoundToWGS84(b orb.Bound, epsg int) (orb.Bound, error) {
	proj, err := ForEPSG(epsg)
	if err != nil {
		return orb.Bound{}, err
	}
	out := proj.ToWGS84(b.Min).Bound()
	for i := 0; i <= edgeSamples; i++ {
		f := float64(i) / edgeSamples
		x := b.Min[0] + f*(b.Max[0]-b.Min[0])
		y := b.Min[1] + f*(b.Max[1]-b.Min[1])
		for _, p := range []orb.Point{{x, b.Min[1]}, {x, b.Max[1]}, {b.Min[0], y}, {b.Max[0], y}} {
			out = out.Extend(proj.ToWGS84(p))
		}
	}
	return out, nil
}
