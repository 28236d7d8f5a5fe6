package pose

import (
	"errors"
	"fmt"
	"math"

	"arucam/calibration"
	"arucam/geom"

	"github.com/golang/geo/r3"
)

var (
	// ErrBehindCamera is returned when a projected point lies at or behind the camera plane
	ErrBehindCamera = errors.New("pose: point behind camera")
	// ErrProjectionOverflow is returned when a projected point is not a usable pixel coordinate
	ErrProjectionOverflow = errors.New("pose: projected point out of range")
)

// maxPixel bounds projected coordinates handed to the drawing layer
const maxPixel = 1 << 24

// Pose is the rotation (axis-angle) and translation of an object relative to the camera
type Pose struct {
	Rotation    r3.Vector
	Translation r3.Vector
}

// Finite reports whether every component of the pose is a real number
func (p Pose) Finite() bool {
	for _, v := range []float64{
		p.Rotation.X, p.Rotation.Y, p.Rotation.Z,
		p.Translation.X, p.Translation.Y, p.Translation.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Transform maps an object point into camera coordinates
func (p Pose) Transform(v r3.Vector) r3.Vector {
	return RotationMatrix(p.Rotation).Apply(v).Add(p.Translation)
}

// ProjectPoints applies the pose to each object point and projects it with
// the pinhole model and lens distortion. Output i corresponds to input i.
func ProjectPoints(points []r3.Vector, p Pose, cam *calibration.Camera) []geom.Point2 {
	rot := RotationMatrix(p.Rotation)
	out := make([]geom.Point2, len(points))
	for i, pt := range points {
		c := rot.Apply(pt).Add(p.Translation)
		z := c.Z
		if z != 0 {
			z = 1 / z
		}
		u, v := cam.Distort(c.X*z, c.Y*z)
		out[i] = geom.Pt(u, v)
	}
	return out
}

// ProjectChecked is ProjectPoints for drawing: it fails when any point is
// behind the camera or lands outside a representable pixel range.
func ProjectChecked(points []r3.Vector, p Pose, cam *calibration.Camera) ([]geom.Point2, error) {
	if !p.Finite() {
		return nil, fmt.Errorf("%w: pose not finite", ErrProjectionOverflow)
	}
	rot := RotationMatrix(p.Rotation)
	for i, pt := range points {
		if rot.Apply(pt).Add(p.Translation).Z <= 0 {
			return nil, fmt.Errorf("%w: point %d", ErrBehindCamera, i)
		}
	}

	out := ProjectPoints(points, p, cam)
	for i, pt := range out {
		if !pt.Finite() || math.Abs(pt.X) > maxPixel || math.Abs(pt.Y) > maxPixel {
			return nil, fmt.Errorf("%w: point %d at (%g, %g)", ErrProjectionOverflow, i, pt.X, pt.Y)
		}
	}
	return out, nil
}

// ReprojectionError returns the RMS pixel distance between the observed
// image points and the projection of the object points under p.
func ReprojectionError(object []r3.Vector, image []geom.Point2, p Pose, cam *calibration.Camera) float64 {
	if len(object) == 0 || len(object) != len(image) {
		return math.Inf(1)
	}
	projected := ProjectPoints(object, p, cam)
	var sum float64
	for i := range projected {
		d := geom.Dist(projected[i], image[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(object)))
}
