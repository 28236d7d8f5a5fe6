package geom

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Point2 is a sub-pixel image coordinate
type Point2 struct {
	X float64
	Y float64
}

// Quad holds the four corners of a marker in detector winding order:
// top-left, top-right, bottom-right, bottom-left (clockwise in image space)
type Quad [4]Point2

// Pt is shorthand for Point2{X: x, Y: y}
func Pt(x, y float64) Point2 {
	return Point2{X: x, Y: y}
}

// Sub returns p - q
func (p Point2) Sub(q Point2) Point2 {
	return Point2{X: p.X - q.X, Y: p.Y - q.Y}
}

// Norm returns the euclidean length of p
func (p Point2) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Finite reports whether both coordinates are real numbers
func (p Point2) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// ImagePoint rounds p to the nearest integer pixel
func (p Point2) ImagePoint() image.Point {
	return image.Pt(int(math.Round(p.X)), int(math.Round(p.Y)))
}

// Point2f converts p to the gocv float point type
func (p Point2) Point2f() gocv.Point2f {
	return gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
}

// Dist returns the distance between a and b
func Dist(a, b Point2) float64 {
	return a.Sub(b).Norm()
}

// Cross returns the z component of the cross product of a and b
func Cross(a, b Point2) float64 {
	return a.X*b.Y - a.Y*b.X
}

// QuadFromPoint2f builds a Quad from exactly four gocv points
func QuadFromPoint2f(pts []gocv.Point2f) (Quad, error) {
	var q Quad
	if len(pts) != 4 {
		return q, fmt.Errorf("quad needs 4 corners, got %d", len(pts))
	}
	for i, p := range pts {
		q[i] = Point2{X: float64(p.X), Y: float64(p.Y)}
	}
	return q, nil
}

// Point2f returns the corners as gocv points
func (q Quad) Point2f() []gocv.Point2f {
	out := make([]gocv.Point2f, 4)
	for i, p := range q {
		out[i] = p.Point2f()
	}
	return out
}

// Points returns the corners as a slice
func (q Quad) Points() []Point2 {
	return []Point2{q[0], q[1], q[2], q[3]}
}

// Area returns the signed shoelace area. Clockwise winding on an image
// (y pointing down) is positive.
func (q Quad) Area() float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		sum += Cross(q[i], q[(i+1)%4])
	}
	return sum / 2
}

// Perimeter returns the sum of the four edge lengths
func (q Quad) Perimeter() float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		sum += Dist(q[i], q[(i+1)%4])
	}
	return sum
}

// Centroid returns the mean of the corners
func (q Quad) Centroid() Point2 {
	var c Point2
	for _, p := range q {
		c.X += p.X
		c.Y += p.Y
	}
	return Point2{X: c.X / 4, Y: c.Y / 4}
}

// Rotate shifts the corner order so that corner n becomes corner 0
func (q Quad) Rotate(n int) Quad {
	var out Quad
	n = ((n % 4) + 4) % 4
	for i := 0; i < 4; i++ {
		out[i] = q[(i+n)%4]
	}
	return out
}

// MeanDistance returns the mean corner to corner distance between q and o
func (q Quad) MeanDistance(o Quad) float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		sum += Dist(q[i], o[i])
	}
	return sum / 4
}

// Finite reports whether every corner is finite
func (q Quad) Finite() bool {
	for _, p := range q {
		if !p.Finite() {
			return false
		}
	}
	return true
}

// MinTurn returns the smallest |sin| of the angle between consecutive edges.
// A value near zero means three consecutive corners are collinear.
func (q Quad) MinTurn() float64 {
	minTurn := math.Inf(1)
	for i := 0; i < 4; i++ {
		a := q[(i+1)%4].Sub(q[i])
		b := q[(i+2)%4].Sub(q[(i+1)%4])
		la, lb := a.Norm(), b.Norm()
		if la == 0 || lb == 0 {
			return 0
		}
		turn := math.Abs(Cross(a, b)) / (la * lb)
		if turn < minTurn {
			minTurn = turn
		}
	}
	return minTurn
}
