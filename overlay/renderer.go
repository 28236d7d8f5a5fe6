package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"arucam/detection"
	"arucam/geom"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
)

var (
	// ErrPointCount is returned when the projected points do not match the mode
	ErrPointCount = errors.New("overlay: wrong number of projected points")
	// ErrInvalidPoint is returned for a projected point that cannot be drawn
	ErrInvalidPoint = errors.New("overlay: projected point not drawable")
)

// Canvas is the drawing surface the renderer emits primitives to
type Canvas interface {
	Line(from, to image.Point, c color.RGBA, thickness int)
	Polyline(pts []image.Point, closed bool, c color.RGBA, thickness int)
}

// MatCanvas draws on a gocv frame in place
type MatCanvas struct {
	Mat *gocv.Mat
}

// Line draws one segment
func (m MatCanvas) Line(from, to image.Point, c color.RGBA, thickness int) {
	gocv.Line(m.Mat, from, to, c, thickness)
}

// Polyline draws a connected outline through pts
func (m MatCanvas) Polyline(pts []image.Point, closed bool, c color.RGBA, thickness int) {
	pv := gocv.NewPointsVectorFromPoints([][]image.Point{pts})
	defer pv.Close()
	gocv.Polylines(m.Mat, pv, closed, c, thickness)
}

// Options configures a Renderer
type Options struct {
	Mode           Mode
	Length         float64 // axis length or cube side, in marker units
	Thickness      int
	Palette        Palette
	OutlineMarkers bool
	DrawIDs        bool
	HUD            bool
}

// DefaultOptions draws unit axes 3 px thick with marker outlines
func DefaultOptions() Options {
	return Options{
		Mode:           ModeAxis,
		Length:         1,
		Thickness:      3,
		Palette:        DefaultPalette(),
		OutlineMarkers: true,
	}
}

// Renderer draws the per-marker reference geometry. The mode is fixed at
// construction.
type Renderer struct {
	opts     Options
	geometry []r3.Vector
}

// NewRenderer validates opts and precomputes the reference geometry
func NewRenderer(opts Options) (*Renderer, error) {
	if !(opts.Length > 0) || math.IsInf(opts.Length, 0) {
		return nil, fmt.Errorf("overlay: length must be positive, got %g", opts.Length)
	}
	if opts.Thickness <= 0 {
		return nil, fmt.Errorf("overlay: thickness must be positive, got %d", opts.Thickness)
	}

	r := &Renderer{opts: opts}
	switch opts.Mode {
	case ModeAxis:
		r.geometry = AxisGeometry(opts.Length)
	case ModeCube:
		r.geometry = CubeGeometry(opts.Length)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMode, opts.Mode)
	}
	return r, nil
}

// Mode returns the configured overlay mode
func (r *Renderer) Mode() Mode {
	return r.opts.Mode
}

// Geometry returns a copy of the reference points to project for each marker
func (r *Renderer) Geometry() []r3.Vector {
	return append([]r3.Vector(nil), r.geometry...)
}

// Draw emits the overlay for one marker's projected points
func (r *Renderer) Draw(c Canvas, pts []geom.Point2) error {
	if len(pts) != r.opts.Mode.PointCount() {
		return fmt.Errorf("%w: %s needs %d, got %d", ErrPointCount, r.opts.Mode, r.opts.Mode.PointCount(), len(pts))
	}
	px := make([]image.Point, len(pts))
	for i, p := range pts {
		if !p.Finite() || math.Abs(p.X) > math.MaxInt32 || math.Abs(p.Y) > math.MaxInt32 {
			return fmt.Errorf("%w: point %d", ErrInvalidPoint, i)
		}
		px[i] = p.ImagePoint()
	}

	pal := r.opts.Palette
	thick := r.opts.Thickness
	switch r.opts.Mode {
	case ModeAxis:
		c.Line(px[0], px[1], pal.AxisX, thick) // X red
		c.Line(px[0], px[2], pal.AxisY, thick) // Y green
		c.Line(px[0], px[3], pal.AxisZ, thick) // Z blue
	case ModeCube:
		// floor face is left open
		for i := 0; i < 4; i++ {
			c.Line(px[i], px[i+4], pal.Pillar, thick)
		}
		c.Polyline(px[4:8], true, pal.Ceiling, thick)
	}
	return nil
}

// Render draws onto frame in place and returns it
func (r *Renderer) Render(frame *gocv.Mat, pts []geom.Point2) (*gocv.Mat, error) {
	if frame == nil || frame.Empty() {
		return frame, fmt.Errorf("overlay: empty frame")
	}
	if err := r.Draw(MatCanvas{Mat: frame}, pts); err != nil {
		return frame, err
	}
	return frame, nil
}

// DrawOutlines emits a closed border for each marker. Markers with
// corners that cannot be drawn are left out.
func (r *Renderer) DrawOutlines(c Canvas, markers []detection.Marker) {
	for _, m := range markers {
		if !m.Corners.Finite() {
			continue
		}
		px := make([]image.Point, len(m.Corners))
		for i, p := range m.Corners {
			px[i] = p.ImagePoint()
		}
		c.Polyline(px, true, r.opts.Palette.Outline, 1)
	}
}

// Outline draws the borders of the detected markers when enabled. Nothing is
// drawn for an empty marker list.
func (r *Renderer) Outline(frame *gocv.Mat, markers []detection.Marker) {
	if !r.opts.OutlineMarkers || len(markers) == 0 || frame == nil || frame.Empty() {
		return
	}
	if !r.opts.DrawIDs {
		r.DrawOutlines(MatCanvas{Mat: frame}, markers)
		return
	}
	// gocv indexes the id slice, so it must line up with corners
	corners := make([][]gocv.Point2f, len(markers))
	ids := make([]int, len(markers))
	for i, m := range markers {
		corners[i] = m.Corners.Point2f()
		ids[i] = m.ID
	}
	gocv.ArucoDrawDetectedMarkers(*frame, corners, ids, scalar(r.opts.Palette.Outline))
}

// Status draws status lines in the top-left corner when the HUD is enabled
func (r *Renderer) Status(frame *gocv.Mat, lines ...string) {
	if !r.opts.HUD || len(lines) == 0 || frame == nil || frame.Empty() {
		return
	}
	for i, line := range lines {
		pos := image.Point{X: 10, Y: 24 + i*22}
		gocv.PutText(frame, line, pos, gocv.FontHersheySimplex, 0.6, color.RGBA{0, 0, 0, 255}, 3) // shadow
		gocv.PutText(frame, line, pos, gocv.FontHersheySimplex, 0.6, r.opts.Palette.Text, 1)
	}
}
