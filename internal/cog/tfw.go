package cog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// parseWorldFile reads the six affine parameters of a TIFF world file:
// pixel width, two rotation terms, pixel height, and the center of the
// upper-left pixel.
func parseWorldFile(data []byte) (GeoInfo, error) {
	lines := strings.Fields(string(data))
	if len(lines) < 6 {
		return GeoInfo{}, fmt.Errorf("world file: expected 6 values, got %d", len(lines))
	}
	var v [6]float64
	for i := range v {
		f, err := strconv.ParseFloat(lines[i], 64)
		if err != nil {
			return GeoInfo{}, fmt.Errorf("world file value %d: %w", i+1, err)
		}
		v[i] = f
	}
	if v[1] != 0 || v[2] != 0 {
		return GeoInfo{}, fmt.Errorf("rotated world files are not supported (rotation: %g, %g)", v[1], v[2])
	}
	sx, sy := math.Abs(v[0]), math.Abs(v[3])
	return GeoInfo{
		PixelSizeX: sx,
		PixelSizeY: sy,
		OriginX:    v[4] - sx/2,
		OriginY:    v[5] + sy/2,
	}, nil
}

// findWorldFile returns the world file next to a TIFF path, or "".
func findWorldFile(tiffPath string) string {
	base := strings.TrimSuffix(tiffPath, filepath.Ext(tiffPath))
	for _, ext := range []string{".tfw", ".TFW", ".tifw", ".TIFW", ".wld"} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return ""
}

// worldFileGeoInfo loads the sidecar world file of a local TIFF, if any.
func worldFileGeoInfo(tiffPath string) (GeoInfo, bool, error) {
	p := findWorldFile(tiffPath)
	if p == "" {
		return GeoInfo{}, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return GeoInfo{}, false, fmt.Errorf("reading %s: %w", p, err)
	}
	info, err := parseWorldFile(data)
	if err != nil {
		return GeoInfo{}, false, fmt.Errorf("%s: %w", p, err)
	}
	return info, true, nil
}
