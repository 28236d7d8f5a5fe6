package calibration

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMissingIntrinsics is returned when the camera matrix is absent or empty
	ErrMissingIntrinsics = errors.New("calibration: camera matrix missing")
	// ErrMissingDistortion is returned when the distortion coefficients are absent or empty
	ErrMissingDistortion = errors.New("calibration: distortion coefficients missing")
	// ErrInvalidIntrinsics is returned for a camera matrix that cannot describe a pinhole camera
	ErrInvalidIntrinsics = errors.New("calibration: invalid camera matrix")
	// ErrInvalidDistortion is returned for an unsupported coefficient vector
	ErrInvalidDistortion = errors.New("calibration: invalid distortion coefficients")
)

// maxCoefficients is k1 k2 p1 p2 k3 k4 k5 k6 s1 s2 s3 s4
const maxCoefficients = 12

// undistortIterations matches the fixed point iteration count used by OpenCV
const undistortIterations = 20

// Camera holds the intrinsic matrix and lens distortion of a calibrated camera.
// A Camera is immutable once built; use New to construct one.
type Camera struct {
	k    [3][3]float64
	dist []float64

	// padded copy of dist used by the camera model
	coeffs [maxCoefficients]float64
}

// New validates the intrinsic matrix and distortion coefficients and returns
// an immutable Camera. Any missing or malformed field is an error.
func New(intrinsics [][]float64, distortion []float64) (*Camera, error) {
	if len(intrinsics) == 0 {
		return nil, ErrMissingIntrinsics
	}
	if len(distortion) == 0 {
		return nil, ErrMissingDistortion
	}
	if len(intrinsics) != 3 {
		return nil, fmt.Errorf("%w: expected 3 rows, got %d", ErrInvalidIntrinsics, len(intrinsics))
	}

	c := &Camera{}
	for r, row := range intrinsics {
		if len(row) != 3 {
			return nil, fmt.Errorf("%w: row %d has %d columns", ErrInvalidIntrinsics, r, len(row))
		}
		for col, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite value at (%d,%d)", ErrInvalidIntrinsics, r, col)
			}
			c.k[r][col] = v
		}
	}
	if c.k[0][0] <= 0 || c.k[1][1] <= 0 {
		return nil, fmt.Errorf("%w: focal lengths must be positive (fx=%g fy=%g)", ErrInvalidIntrinsics, c.k[0][0], c.k[1][1])
	}
	if c.k[1][0] != 0 || c.k[2][0] != 0 || c.k[2][1] != 0 || c.k[2][2] != 1 {
		return nil, fmt.Errorf("%w: expected [fx s cx; 0 fy cy; 0 0 1]", ErrInvalidIntrinsics)
	}

	switch len(distortion) {
	case 4, 5, 8, 12:
	default:
		return nil, fmt.Errorf("%w: unsupported coefficient count %d (want 4, 5, 8 or 12)", ErrInvalidDistortion, len(distortion))
	}
	for i, v := range distortion {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite coefficient %d", ErrInvalidDistortion, i)
		}
	}
	c.dist = append([]float64(nil), distortion...)
	copy(c.coeffs[:], distortion)

	return c, nil
}

// Intrinsics returns a copy of the 3x3 camera matrix
func (c *Camera) Intrinsics() [3][3]float64 {
	return c.k
}

// Distortion returns a copy of the distortion coefficients as loaded
func (c *Camera) Distortion() []float64 {
	return append([]float64(nil), c.dist...)
}

// Fx returns the horizontal focal length in pixels
func (c *Camera) Fx() float64 { return c.k[0][0] }

// Fy returns the vertical focal length in pixels
func (c *Camera) Fy() float64 { return c.k[1][1] }

// Cx returns the principal point x coordinate
func (c *Camera) Cx() float64 { return c.k[0][2] }

// Cy returns the principal point y coordinate
func (c *Camera) Cy() float64 { return c.k[1][2] }

// Distort maps an ideal normalized image coordinate (x, y) to a pixel
// coordinate using the lens model and intrinsic matrix.
func (c *Camera) Distort(x, y float64) (u, v float64) {
	k := &c.coeffs
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2

	radial := (1 + k[0]*r2 + k[1]*r4 + k[4]*r6) / (1 + k[5]*r2 + k[6]*r4 + k[7]*r6)
	xd := x*radial + 2*k[2]*x*y + k[3]*(r2+2*x*x) + k[8]*r2 + k[9]*r4
	yd := y*radial + k[2]*(r2+2*y*y) + 2*k[3]*x*y + k[10]*r2 + k[11]*r4

	u = c.k[0][0]*xd + c.k[0][1]*yd + c.k[0][2]
	v = c.k[1][1]*yd + c.k[1][2]
	return u, v
}

// Undistort maps a pixel coordinate back to an ideal normalized coordinate.
// The lens model has no closed form inverse, so this iterates the same way
// OpenCV's undistortPoints does.
func (c *Camera) Undistort(u, v float64) (x, y float64) {
	k := &c.coeffs
	y0 := (v - c.k[1][2]) / c.k[1][1]
	x0 := (u - c.k[0][2] - c.k[0][1]*y0) / c.k[0][0]

	x, y = x0, y0
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		r4 := r2 * r2
		r6 := r4 * r2
		icdist := (1 + k[5]*r2 + k[6]*r4 + k[7]*r6) / (1 + k[0]*r2 + k[1]*r4 + k[4]*r6)
		if icdist < 0 {
			// model diverged, fall back to the undistorted guess
			return x0, y0
		}
		dx := 2*k[2]*x*y + k[3]*(r2+2*x*x) + k[8]*r2 + k[9]*r4
		dy := k[2]*(r2+2*y*y) + 2*k[3]*x*y + k[10]*r2 + k[11]*r4
		x = (x0 - dx) * icdist
		y = (y0 - dy) * icdist
	}
	return x, y
}

// String implements fmt.Stringer for log output
func (c *Camera) String() string {
	return fmt.Sprintf("fx=%.2f fy=%.2f cx=%.2f cy=%.2f dist=%v", c.Fx(), c.Fy(), c.Cx(), c.Cy(), c.dist)
}
