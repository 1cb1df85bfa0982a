package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/gen2brain/webp"
)

var decoders = map[string]func(io.Reader) (image.Image, error){
	"png":       png.Decode,
	"terrarium": png.Decode,
	"jpeg":      jpeg.Decode,
	"jpg":       jpeg.Decode,
	"webp":      webp.Decode,
}

// DecodeImage reads back a quicklook written by the Encoder of format, as
// the CLI tests do to check preview sizes and Terrarium elevations.
func DecodeImage(data []byte, format string) (image.Image, error) {
	decode, ok := decoders[strings.ToLower(format)]
	if !ok {
		return nil, fmt.Errorf("unsupported decode format: %q", format)
	}
	img, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", format, err)
	}
	return img, nil
}
