package encode

import (
	"bytes"
	"image"

	"github.com/gen2brain/webp"
)

// WebPEncoder writes quicklooks as WebP. Quality 100 selects lossless
// compression, which keeps a quicklook's pixel values exact.
type WebPEncoder struct {
	Quality  int
	Lossless bool
}

func newWebPEncoder(quality int) *WebPEncoder {
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &WebPEncoder{Quality: quality, Lossless: quality == 100}
}

func (e *WebPEncoder) Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Lossless: e.Lossless, Quality: e.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *WebPEncoder) Format() string        { return "webp" }
func (e *WebPEncoder) ContentType() string   { return "image/webp" }
func (e *WebPEncoder) FileExtension() string { return ".webp" }
