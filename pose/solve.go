package pose

import (
	"errors"
	"fmt"
	"math"

	"arucam/calibration"
	"arucam/geom"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidMarkerLength is returned for a non-positive physical marker size
	ErrInvalidMarkerLength = errors.New("pose: marker length must be positive")
	// ErrDegenerateCorners is returned when the observed points cannot constrain a pose
	ErrDegenerateCorners = errors.New("pose: degenerate marker corners")
	// ErrPoseNotFound is returned when the solve produced no usable pose
	ErrPoseNotFound = errors.New("pose: no valid pose")
	// ErrPointMismatch is returned when object and image point lists are unusable together
	ErrPointMismatch = errors.New("pose: object and image points do not match")
)

const (
	minQuadArea     = 1.0  // px^2
	minQuadTurn     = 1e-3 // |sin| between consecutive edges
	minSingularGap  = 1e-10
	maxIterations   = 50
	maxDampingTries = 10
)

// MarkerObjectPoints returns the corners of a square marker of the given
// side length centred on the origin of its XY plane, in detector order.
func MarkerObjectPoints(length float64) []r3.Vector {
	h := length / 2
	return []r3.Vector{
		{X: -h, Y: h, Z: 0},
		{X: h, Y: h, Z: 0},
		{X: h, Y: -h, Z: 0},
		{X: -h, Y: -h, Z: 0},
	}
}

// EstimatePose recovers the pose of a single square marker from its four
// image corners. Degenerate quads fail with ErrDegenerateCorners instead of
// returning a meaningless pose.
func EstimatePose(corners geom.Quad, length float64, cam *calibration.Camera) (Pose, error) {
	if !(length > 0) || math.IsInf(length, 0) {
		return Pose{}, fmt.Errorf("%w: %g", ErrInvalidMarkerLength, length)
	}
	if !corners.Finite() {
		return Pose{}, fmt.Errorf("%w: non-finite corner", ErrDegenerateCorners)
	}
	if area := math.Abs(corners.Area()); area < minQuadArea {
		return Pose{}, fmt.Errorf("%w: area %.3f px^2", ErrDegenerateCorners, area)
	}
	if turn := corners.MinTurn(); turn < minQuadTurn {
		return Pose{}, fmt.Errorf("%w: collinear corners (turn %.2e)", ErrDegenerateCorners, turn)
	}

	return SolvePlanar(MarkerObjectPoints(length), corners.Points(), cam)
}

// SolvePlanar solves the perspective pose of a set of points lying on the
// object's Z=0 plane: homography initialisation followed by a
// Levenberg-Marquardt refinement of the pixel reprojection error.
func SolvePlanar(object []r3.Vector, image []geom.Point2, cam *calibration.Camera) (Pose, error) {
	if len(object) < 4 || len(object) != len(image) {
		return Pose{}, fmt.Errorf("%w: %d object, %d image points", ErrPointMismatch, len(object), len(image))
	}
	for i, p := range object {
		if p.Z != 0 {
			return Pose{}, fmt.Errorf("%w: object point %d is off the Z=0 plane", ErrPointMismatch, i)
		}
	}

	normalized := make([]geom.Point2, len(image))
	for i, p := range image {
		if !p.Finite() {
			return Pose{}, fmt.Errorf("%w: non-finite image point %d", ErrDegenerateCorners, i)
		}
		x, y := cam.Undistort(p.X, p.Y)
		normalized[i] = geom.Pt(x, y)
	}

	h, err := homography(object, normalized)
	if err != nil {
		return Pose{}, err
	}
	initial, err := decompose(h)
	if err != nil {
		return Pose{}, err
	}

	refined := refine(object, image, initial, cam)
	if !refined.Finite() || refined.Translation.Z <= 0 {
		return Pose{}, fmt.Errorf("%w: solution not in front of camera", ErrPoseNotFound)
	}
	return refined, nil
}

// similarity returns the Hartley normalisation of pts: the transform that
// moves the centroid to the origin with mean distance sqrt(2).
func similarity(pts []geom.Point2) (Mat3, Mat3, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx, cy = cx/n, cy/n

	var spread float64
	for _, p := range pts {
		spread += math.Hypot(p.X-cx, p.Y-cy)
	}
	spread /= n
	if spread == 0 || math.IsNaN(spread) {
		return Mat3{}, Mat3{}, fmt.Errorf("%w: coincident points", ErrDegenerateCorners)
	}

	s := math.Sqrt2 / spread
	forward := Mat3{{s, 0, -s * cx}, {0, s, -s * cy}, {0, 0, 1}}
	inverse := Mat3{{1 / s, 0, cx}, {0, 1 / s, cy}, {0, 0, 1}}
	return forward, inverse, nil
}

func applyH(h Mat3, p geom.Point2) geom.Point2 {
	w := h[2][0]*p.X + h[2][1]*p.Y + h[2][2]
	return geom.Pt(
		(h[0][0]*p.X+h[0][1]*p.Y+h[0][2])/w,
		(h[1][0]*p.X+h[1][1]*p.Y+h[1][2])/w,
	)
}

// homography solves the plane to normalized image mapping with the direct
// linear transform.
func homography(object []r3.Vector, image []geom.Point2) (Mat3, error) {
	plane := make([]geom.Point2, len(object))
	for i, p := range object {
		plane[i] = geom.Pt(p.X, p.Y)
	}
	to, _, err := similarity(plane)
	if err != nil {
		return Mat3{}, err
	}
	ti, tiInv, err := similarity(image)
	if err != nil {
		return Mat3{}, err
	}

	n := len(object)
	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		o := applyH(to, plane[i])
		m := applyH(ti, image[i])
		a.SetRow(2*i, []float64{-o.X, -o.Y, -1, 0, 0, 0, m.X * o.X, m.X * o.Y, m.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -o.X, -o.Y, -1, m.Y * o.X, m.Y * o.Y, m.Y})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Mat3{}, fmt.Errorf("%w: homography factorisation failed", ErrDegenerateCorners)
	}
	values := svd.Values(nil)
	// eight independent constraints are needed for a unique null vector
	if len(values) < 8 || values[7] < minSingularGap*values[0] {
		return Mat3{}, fmt.Errorf("%w: points do not span the plane", ErrDegenerateCorners)
	}

	var v mat.Dense
	svd.VTo(&v)
	var hn Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			hn[r][c] = v.At(3*r+c, 8)
		}
	}
	return tiInv.Mul(hn).Mul(to), nil
}

// decompose turns a plane homography into the closest rigid pose
func decompose(h Mat3) (Pose, error) {
	col := func(c int) r3.Vector {
		return r3.Vector{X: h[0][c], Y: h[1][c], Z: h[2][c]}
	}
	h1, h2, h3 := col(0), col(1), col(2)

	norm := (h1.Norm() + h2.Norm()) / 2
	if norm == 0 || math.IsNaN(norm) {
		return Pose{}, fmt.Errorf("%w: singular homography", ErrPoseNotFound)
	}
	lambda := 1 / norm
	t := h3.Mul(lambda)
	if t.Z < 0 {
		lambda = -lambda
		t = t.Mul(-1)
	}
	r1 := h1.Mul(lambda)
	r2 := h2.Mul(lambda)
	r3v := r1.Cross(r2)

	rough := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	var svd mat.SVD
	if !svd.Factorize(rough, mat.SVDFull) {
		return Pose{}, fmt.Errorf("%w: rotation orthonormalisation failed", ErrPoseNotFound)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var rot mat.Dense
	rot.Mul(&u, v.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		rot.Mul(&u, v.T())
	}

	var m Mat3
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m[r][c] = rot.At(r, c)
		}
	}
	return Pose{Rotation: RotationVector(m), Translation: t}, nil
}

func poseFromParams(x []float64) Pose {
	return Pose{
		Rotation:    r3.Vector{X: x[0], Y: x[1], Z: x[2]},
		Translation: r3.Vector{X: x[3], Y: x[4], Z: x[5]},
	}
}

func sumSquares(r []float64) float64 {
	var s float64
	for _, v := range r {
		s += v * v
	}
	return s
}

// refine minimises the pixel reprojection error with Levenberg-Marquardt.
// It never returns a pose with a higher error than the initial guess.
func refine(object []r3.Vector, image []geom.Point2, initial Pose, cam *calibration.Camera) Pose {
	m := 2 * len(object)
	residual := func(y, x []float64) {
		projected := ProjectPoints(object, poseFromParams(x), cam)
		for i, p := range projected {
			y[2*i] = p.X - image[i].X
			y[2*i+1] = p.Y - image[i].Y
		}
	}

	x := []float64{
		initial.Rotation.X, initial.Rotation.Y, initial.Rotation.Z,
		initial.Translation.X, initial.Translation.Y, initial.Translation.Z,
	}
	r := make([]float64, m)
	residual(r, x)
	cost := sumSquares(r)
	if math.IsNaN(cost) {
		return initial
	}

	jac := mat.NewDense(m, 6, nil)
	settings := &fd.JacobianSettings{Formula: fd.Central}
	candidate := make([]float64, 6)
	rc := make([]float64, m)
	damping := 1e-3

	for iter := 0; iter < maxIterations && cost > 1e-20; iter++ {
		fd.Jacobian(jac, residual, x, settings)

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), mat.NewVecDense(m, r))

		improved := false
		var step float64
		for try := 0; try < maxDampingTries; try++ {
			a := mat.DenseCopyOf(&jtj)
			for i := 0; i < 6; i++ {
				d := jtj.At(i, i)
				a.Set(i, i, d+damping*math.Max(d, 1e-12))
			}
			var delta mat.VecDense
			if err := delta.SolveVec(a, &jtr); err != nil {
				damping *= 10
				continue
			}
			for i := range candidate {
				candidate[i] = x[i] - delta.AtVec(i)
			}
			residual(rc, candidate)
			if c := sumSquares(rc); c < cost {
				copy(x, candidate)
				copy(r, rc)
				cost = c
				step = mat.Norm(&delta, 2)
				damping = math.Max(damping/10, 1e-12)
				improved = true
				break
			}
			damping *= 10
		}
		if !improved || step < 1e-12 {
			break
		}
	}

	return poseFromParams(x)
}
