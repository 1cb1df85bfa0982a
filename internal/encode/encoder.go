// Package encode renders raster bands into preview images and encodes
// them as PNG, JPEG, WebP or Terrarium elevation tiles.
package encode

import (
	"fmt"
	"image"
	"strings"
)

// Encoder encodes an image into bytes of one format.
type Encoder interface {
	// Encode encodes an image to bytes in the encoder's format.
	Encode(img image.Image) ([]byte, error)

	// Format returns the format name (e.g. "jpeg", "png", "webp").
	Format() string

	// ContentType returns the MIME type of the encoded bytes.
	ContentType() string

	// FileExtension returns the appropriate file extension.
	FileExtension() string
}

// NewEncoder creates an encoder for the given format and quality.
// Quality is ignored by lossless formats; 0 selects the default.
func NewEncoder(format string, quality int) (Encoder, error) {
	if quality < 0 || quality > 100 {
		return nil, fmt.Errorf("quality %d out of range [0, 100]", quality)
	}
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return &JPEGEncoder{Quality: quality}, nil
	case "png":
		return &PNGEncoder{}, nil
	case "webp":
		return newWebPEncoder(quality), nil
	case "terrarium":
		return &TerrariumEncoder{}, nil
	default:
		return nil, fmt.Errorf("unsupported image format: %q (supported: jpeg, png, webp, terrarium)", format)
	}
}
