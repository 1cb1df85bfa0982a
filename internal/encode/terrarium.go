package encode

import (
	"image"
	"image/color"
	"image/png"
	"math"
)

// TerrariumEncoder writes PNG whose RGB channels already hold Terrarium
// encoded elevations (see ElevationToTerrarium).
type TerrariumEncoder struct{}

func (e *TerrariumEncoder) Encode(img image.Image) ([]byte, error) {
	return encodePNG(img, png.BestSpeed)
}

func (e *TerrariumEncoder) Format() string        { return "terrarium" }
func (e *TerrariumEncoder) ContentType() string   { return "image/png" }
func (e *TerrariumEncoder) FileExtension() string { return ".png" }

// Terrarium represents elevation = R*256 + G + B/256 - 32768.
const (
	terrariumOffset = 32768.0
	terrariumMax    = 65535.0 + 255.0/256
)

// ElevationToTerrarium converts an elevation in metres to Terrarium RGB.
// Non-finite values become transparent; others clamp to the representable
// range of about -32768 to +32767.996.
func ElevationToTerrarium(elevation float64) color.NRGBA {
	if math.IsNaN(elevation) || math.IsInf(elevation, 0) {
		return color.NRGBA{}
	}
	v := math.Min(math.Max(elevation+terrariumOffset, 0), terrariumMax)
	// Work in 1/256 m steps so R, G and B fall out of one integer.
	steps := uint32(math.Floor(v * 256))
	return color.NRGBA{R: uint8(steps >> 16), G: uint8(steps >> 8), B: uint8(steps), A: 255}
}

// TerrariumToElevation decodes a Terrarium pixel. Transparent pixels
// decode to NaN.
func TerrariumToElevation(c color.NRGBA) float64 {
	if c.A == 0 {
		return math.NaN()
	}
	return float64(c.R)*256 + float64(c.G) + float64(c.B)/256 - terrariumOffset
}
