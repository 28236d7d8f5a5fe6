package detection

import (
	"fmt"
	"image"

	"arucam/geom"

	"gocv.io/x/gocv"
)

// sampleGrid reads an (n+2) x (n+2) cell marker image laid out on a square
// grid of cell pixels. It returns the inner bits (black as 1) and the number
// of border cells that are not black.
func sampleGrid(img gocv.Mat, n, cell int) (code uint64, borderErrors int) {
	cells := n + 2
	for row := 0; row < cells; row++ {
		for col := 0; col < cells; col++ {
			black := cellIsBlack(img, row, col, cell)
			inner := row > 0 && row <= n && col > 0 && col <= n
			switch {
			case inner && black:
				code |= 1 << uint((row-1)*n+(col-1))
			case !inner && !black:
				borderErrors++
			}
		}
	}
	return code, borderErrors
}

// cellIsBlack takes a majority vote over the central half of a cell
func cellIsBlack(img gocv.Mat, row, col, cell int) bool {
	margin := cell / 4
	x0, y0 := col*cell+margin, row*cell+margin
	x1, y1 := (col+1)*cell-margin, (row+1)*cell-margin
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}

	var dark, total int
	for y := y0; y < y1 && y < img.Rows(); y++ {
		for x := x0; x < x1 && x < img.Cols(); x++ {
			if img.GetUCharAt(y, x) < 128 {
				dark++
			}
			total++
		}
	}
	return total > 0 && dark*2 > total
}

// readCandidateBits warps the quad to a fronto-parallel grid, binarises it
// with Otsu and samples the bit cells. Corner 0 of q maps to the top-left cell.
func readCandidateBits(gray gocv.Mat, q geom.Quad, n int) (uint64, int, error) {
	side := (n + 2) * cellPixels
	s := float32(side - 1)

	src := gocv.NewPoint2fVectorFromPoints(q.Point2f())
	defer src.Close()
	dst := gocv.NewPoint2fVectorFromPoints([]gocv.Point2f{
		{X: 0, Y: 0}, {X: s, Y: 0}, {X: s, Y: s}, {X: 0, Y: s},
	})
	defer dst.Close()

	transform := gocv.GetPerspectiveTransform2f(src, dst)
	defer transform.Close()
	if transform.Empty() {
		return 0, 0, fmt.Errorf("detection: no perspective transform for candidate")
	}

	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(gray, &warped, transform, image.Pt(side, side))

	binary := gocv.NewMat()
	defer binary.Close()
	gocv.Threshold(warped, &binary, 0, 255, gocv.ThresholdBinary|gocv.ThresholdOtsu)

	code, border := sampleGrid(binary, n, cellPixels)
	return code, border, nil
}
