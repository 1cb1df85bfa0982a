package encode

import (
	"fmt"
	"image/color"
	"math"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Ramp maps a normalised value in [0, 1] to a colour by blending evenly
// spaced stops in HCL space.
type Ramp []colorful.Color

func mustRamp(hexes ...string) Ramp {
	r := make(Ramp, len(hexes))
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			panic(err)
		}
		r[i] = c
	}
	return r
}

var ramps = map[string]Ramp{
	"gray":    mustRamp("#000000", "#ffffff"),
	"viridis": mustRamp("#440154", "#3b528b", "#21918c", "#5ec962", "#fde725"),
	"terrain": mustRamp("#1a5e1a", "#7fbf3f", "#e6d67a", "#a0662a", "#ffffff"),
	"magma":   mustRamp("#000004", "#51127c", "#b73779", "#fc8961", "#fcfdbf"),
}

// RampNames lists the built-in ramps.
func RampNames() []string {
	names := make([]string, 0, len(ramps))
	for n := range ramps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ParseRamp returns a built-in ramp by name. The empty name is gray.
func ParseRamp(name string) (Ramp, error) {
	if name == "" {
		return ramps["gray"], nil
	}
	r, ok := ramps[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown color ramp %q (supported: %s)", name, strings.Join(RampNames(), ", "))
	}
	return r, nil
}

// At returns the colour at t; t is clamped to [0, 1].
func (r Ramp) At(t float64) color.NRGBA {
	if len(r) == 0 {
		return color.NRGBA{}
	}
	if math.IsNaN(t) {
		t = 0
	}
	t = math.Min(math.Max(t, 0), 1)
	var c colorful.Color
	if len(r) == 1 {
		c = r[0]
	} else {
		f := t * float64(len(r)-1)
		i := min(int(f), len(r)-2)
		c = r[i].BlendHcl(r[i+1], f-float64(i))
	}
	red, green, blue := c.Clamped().RGB255()
	return color.NRGBA{R: red, G: green, B: blue, A: 255}
}
