package encode

import (
	"bytes"
	"image"
	"image/jpeg"
)

// DefaultQuality applies to lossy formats when no quality is given.
const DefaultQuality = 85

// JPEGEncoder encodes JPEG. JPEG has no alpha channel: transparent
// pixels are flattened onto black.
type JPEGEncoder struct {
	Quality int // 1-100, default 85
}

func (e *JPEGEncoder) Encode(img image.Image) ([]byte, error) {
	quality := e.Quality
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *JPEGEncoder) Format() string        { return "jpeg" }
func (e *JPEGEncoder) ContentType() string   { return "image/jpeg" }
func (e *JPEGEncoder) FileExtension() string { return ".jpg" }
