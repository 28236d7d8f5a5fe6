package geom

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func square(x, y, side float64) Quad {
	return Quad{Pt(x, y), Pt(x+side, y), Pt(x+side, y+side), Pt(x, y+side)}
}

func TestQuad_AreaWinding(t *testing.T) {
	q := square(10, 10, 20)
	assert.InDelta(t, 400, q.Area(), 1e-9)

	reversed := Quad{q[0], q[3], q[2], q[1]}
	assert.InDelta(t, -400, reversed.Area(), 1e-9)
}

func TestQuad_CollinearHasNoArea(t *testing.T) {
	q := Quad{Pt(0, 0), Pt(10, 0), Pt(20, 0), Pt(30, 0)}
	assert.InDelta(t, 0, q.Area(), 1e-12)
	assert.InDelta(t, 0, q.MinTurn(), 1e-12)
}

func TestQuad_MinTurnSquare(t *testing.T) {
	assert.InDelta(t, 1, square(0, 0, 5).MinTurn(), 1e-12)
}

func TestQuad_Rotate(t *testing.T) {
	q := square(0, 0, 1)
	r := q.Rotate(1)
	assert.Equal(t, q[1], r[0])
	assert.Equal(t, q[0], r[3])
	assert.Equal(t, q, q.Rotate(4))
	assert.Equal(t, q.Rotate(3), q.Rotate(-1))
}

func TestQuad_MeanDistance(t *testing.T) {
	a := square(0, 0, 10)
	b := square(3, 4, 10)
	assert.InDelta(t, 5, a.MeanDistance(b), 1e-12)
	assert.InDelta(t, 0, a.MeanDistance(a), 1e-12)
}

func TestQuad_CentroidAndPerimeter(t *testing.T) {
	q := square(10, 20, 4)
	assert.Equal(t, Pt(12, 22), q.Centroid())
	assert.InDelta(t, 16, q.Perimeter(), 1e-12)
}

func TestQuad_Finite(t *testing.T) {
	q := square(0, 0, 1)
	assert.True(t, q.Finite())
	q[2].X = math.NaN()
	assert.False(t, q.Finite())
	q[2].X = math.Inf(1)
	assert.False(t, q.Finite())
}

func TestQuadFromPoint2f(t *testing.T) {
	q, err := QuadFromPoint2f([]gocv.Point2f{{X: 1, Y: 2}, {X: 3, Y: 2}, {X: 3, Y: 4}, {X: 1, Y: 4}})
	require.NoError(t, err)
	assert.Equal(t, Pt(3, 4), q[2])
	assert.Len(t, q.Point2f(), 4)

	_, err = QuadFromPoint2f([]gocv.Point2f{{X: 1, Y: 2}})
	assert.Error(t, err)
}

func TestPoint2_ImagePointRounds(t *testing.T) {
	assert.Equal(t, image.Pt(2, -3), Pt(1.6, -2.5).ImagePoint())
}
