package coord

import "github.com/paulmach/orb"

// SwissLV95 is EPSG:2056 (CH1903+ / LV95), using swisstopo's published
// polynomial approximation. Accuracy is about one metre.
type SwissLV95 struct{}

func (SwissLV95) EPSG() int { return 2056 }

// ToWGS84 converts LV95 easting/northing to longitude/latitude.
func (SwissLV95) ToWGS84(p orb.Point) orb.Point {
	// Offsets from the Bern origin in 1000 km.
	y := (p[0] - 2_600_000) / 1_000_000
	x := (p[1] - 1_200_000) / 1_000_000

	// Results in 10000" units.
	lon := 2.6779094 +
		4.728982*y +
		0.791484*y*x +
		0.1306*y*x*x -
		0.0436*y*y*y
	lat := 16.9023892 +
		3.238272*x -
		0.270978*y*y -
		0.002528*x*x -
		0.0447*y*y*x -
		0.0140*x*x*x

	return orb.Point{lon * 100 / 36, lat * 100 / 36}
}

// FromWGS84 converts longitude/latitude to LV95 easting/northing.
func (SwissLV95) FromWGS84(p orb.Point) orb.Point {
	phi := (p[1]*3600 - 169028.66) / 10000
	lambda := (p[0]*3600 - 26782.5) / 10000

	easting := 2_600_072.37 +
		211_455.93*lambda -
		10_938.51*lambda*phi -
		0.36*lambda*phi*phi -
		44.54*lambda*lambda*lambda
	northing := 1_200_147.07 +
		308_807.95*phi +
		3_745.25*lambda*lambda +
		76.63*phi*phi -
		194.56*lambda*lambda*phi +
		119.79*phi*phi*phi

	return orb.Point{easting, northing}
}

// SwissLV03 is EPSG:21781 (CH1903 / LV03). Its grid is LV95 without the
// leading 2 and 1 of the coordinates.
type SwissLV03 struct{}

func (SwissLV03) EPSG() int { return 21781 }

func (SwissLV03) ToWGS84(p orb.Point) orb.Point {
	return SwissLV95{}.ToWGS84(orb.Point{p[0] + 2_000_000, p[1] + 1_000_000})
}

func (SwissLV03) FromWGS84(p orb.Point) orb.Point {
	q := SwissLV95{}.FromWGS84(p)
	return orb.Point{q[0] - 2_000_000, q[1] - 1_000_000}
}
