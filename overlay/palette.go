package overlay

import (
	"fmt"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"gocv.io/x/gocv"
)

// Palette holds the overlay colours
type Palette struct {
	AxisX   color.RGBA
	AxisY   color.RGBA
	AxisZ   color.RGBA
	Pillar  color.RGBA
	Ceiling color.RGBA
	Outline color.RGBA
	Text    color.RGBA
}

// DefaultPalette draws the axes red, green, blue and the cube with blue
// pillars under a red ceiling
func DefaultPalette() Palette {
	return Palette{
		AxisX:   color.RGBA{255, 0, 0, 255},
		AxisY:   color.RGBA{0, 255, 0, 255},
		AxisZ:   color.RGBA{0, 0, 255, 255},
		Pillar:  color.RGBA{0, 0, 255, 255},
		Ceiling: color.RGBA{255, 0, 0, 255},
		Outline: color.RGBA{255, 0, 0, 255},
		Text:    color.RGBA{255, 255, 255, 255},
	}
}

// ParseColor parses a #rrggbb hex colour
func ParseColor(hex string) (color.RGBA, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("overlay: bad colour %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}

// PaletteColors are the hex strings a Palette is built from. Empty fields
// keep the default colour.
type PaletteColors struct {
	AxisX   string
	AxisY   string
	AxisZ   string
	Pillar  string
	Ceiling string
	Outline string
	Text    string
}

// NewPalette builds a palette from hex strings on top of DefaultPalette
func NewPalette(colors PaletteColors) (Palette, error) {
	p := DefaultPalette()
	fields := []struct {
		hex string
		dst *color.RGBA
	}{
		{colors.AxisX, &p.AxisX},
		{colors.AxisY, &p.AxisY},
		{colors.AxisZ, &p.AxisZ},
		{colors.Pillar, &p.Pillar},
		{colors.Ceiling, &p.Ceiling},
		{colors.Outline, &p.Outline},
		{colors.Text, &p.Text},
	}
	for _, f := range fields {
		if f.hex == "" {
			continue
		}
		c, err := ParseColor(f.hex)
		if err != nil {
			return p, err
		}
		*f.dst = c
	}
	return p, nil
}

// scalar converts an RGB colour to the BGR scalar order used by OpenCV
func scalar(c color.RGBA) gocv.Scalar {
	return gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), float64(c.A))
}
