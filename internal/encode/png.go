package encode

import (
	"bytes"
	"image"
	"image/png"
)

// PNGEncoder writes quicklooks as PNG. Masked and nodata pixels keep their
// zero alpha, so PNG is the format to use when transparency matters.
type PNGEncoder struct {
	// Level is the zlib effort; the zero value is png.DefaultCompression.
	Level png.CompressionLevel
}

func (e *PNGEncoder) Encode(img image.Image) ([]byte, error) {
	return encodePNG(img, e.Level)
}

func encodePNG(img image.Image, level png.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	enc := &png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *PNGEncoder) Format() string        { return "png" }
func (e *PNGEncoder) ContentType() string   { return "image/png" }
func (e *PNGEncoder) FileExtension() string { return ".png" }
