package overlay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/geo/r3"
)

// ErrUnknownMode is returned for an overlay mode other than axis or cube
var ErrUnknownMode = errors.New("overlay: unknown mode")

// Mode selects the reference geometry drawn on every marker
type Mode int

const (
	ModeAxis Mode = iota
	ModeCube
)

// ParseMode accepts "axis" or "cube", case-insensitively. An empty string is axis.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "axis":
		return ModeAxis, nil
	case "cube":
		return ModeCube, nil
	default:
		return ModeAxis, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeAxis:
		return "axis"
	case ModeCube:
		return "cube"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// PointCount is the number of reference points the mode projects
func (m Mode) PointCount() int {
	if m == ModeCube {
		return 8
	}
	return 4
}

// AxisGeometry returns the origin followed by the X, Y and Z unit points
// scaled to length
func AxisGeometry(length float64) []r3.Vector {
	return []r3.Vector{
		{},
		{X: length},
		{Y: length},
		{Z: length},
	}
}

// CubeGeometry returns a cube of the given side standing on the marker:
// four floor corners in the marker plane, then the four ceiling corners
// above them in the same order
func CubeGeometry(side float64) []r3.Vector {
	h := side / 2
	floor := []r3.Vector{
		{X: -h, Y: -h},
		{X: -h, Y: h},
		{X: h, Y: h},
		{X: h, Y: -h},
	}
	out := make([]r3.Vector, 0, 8)
	out = append(out, floor...)
	for _, p := range floor {
		out = append(out, r3.Vector{X: p.X, Y: p.Y, Z: side})
	}
	return out
}
