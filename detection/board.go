package detection

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ErrInvalidBoard is returned for a board layout that cannot be built
var ErrInvalidBoard = errors.New("detection: invalid board layout")

// Board is a planar grid of markers with consecutive ids. Marker (x, y)
// counted from the top-left has id FirstID + y*MarkersX + x. The board
// frame has its origin at the bottom-left corner, Y up and Z out of the board.
type Board struct {
	MarkersX         int
	MarkersY         int
	MarkerLength     float64
	MarkerSeparation float64
	FirstID          int

	ids     []int
	corners map[int][]r3.Vector
}

// NewBoard builds a grid board and checks its ids fit in dict
func NewBoard(markersX, markersY int, length, separation float64, firstID int, dict *Dictionary) (*Board, error) {
	switch {
	case markersX < 1 || markersY < 1:
		return nil, fmt.Errorf("%w: %dx%d markers", ErrInvalidBoard, markersX, markersY)
	case !(length > 0) || math.IsInf(length, 0):
		return nil, fmt.Errorf("%w: marker length %g", ErrInvalidBoard, length)
	case separation < 0 || math.IsNaN(separation) || math.IsInf(separation, 0):
		return nil, fmt.Errorf("%w: separation %g", ErrInvalidBoard, separation)
	case firstID < 0:
		return nil, fmt.Errorf("%w: first id %d", ErrInvalidBoard, firstID)
	}
	if dict != nil && firstID+markersX*markersY > dict.Size {
		return nil, fmt.Errorf("%w: ids %d..%d exceed dictionary %s", ErrInvalidBoard, firstID, firstID+markersX*markersY-1, dict.Name)
	}

	b := &Board{
		MarkersX:         markersX,
		MarkersY:         markersY,
		MarkerLength:     length,
		MarkerSeparation: separation,
		FirstID:          firstID,
		corners:          make(map[int][]r3.Vector, markersX*markersY),
	}

	step := length + separation
	maxY := float64(markersY)*length + float64(markersY-1)*separation
	for y := 0; y < markersY; y++ {
		for x := 0; x < markersX; x++ {
			id := firstID + y*markersX + x
			tl := r3.Vector{X: float64(x) * step, Y: maxY - float64(y)*step}
			b.ids = append(b.ids, id)
			b.corners[id] = []r3.Vector{
				tl,
				{X: tl.X + length, Y: tl.Y},
				{X: tl.X + length, Y: tl.Y - length},
				{X: tl.X, Y: tl.Y - length},
			}
		}
	}
	return b, nil
}

// IDs returns the board ids in row-major order
func (b *Board) IDs() []int {
	return append([]int(nil), b.ids...)
}

// Contains reports whether id belongs to the board
func (b *Board) Contains(id int) bool {
	_, ok := b.corners[id]
	return ok
}

// ObjectCorners returns the board-frame corners of marker id in detector order
func (b *Board) ObjectCorners(id int) ([]r3.Vector, bool) {
	c, ok := b.corners[id]
	if !ok {
		return nil, false
	}
	return append([]r3.Vector(nil), c...), true
}
