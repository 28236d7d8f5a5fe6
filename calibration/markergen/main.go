// Command markergen writes a printable image of a marker grid board that
// matches the board.* settings of arucam.
package main

import (
	"fmt"
	"image"
	"os"

	"arucam/detection"

	"github.com/spf13/pflag"
	"gocv.io/x/gocv"
)

// layout is the board geometry in pixels
type layout struct {
	markersX   int
	markersY   int
	firstID    int
	markerPx   int
	separation int
	margin     int
}

func (l layout) size() (width, height int) {
	width = 2*l.margin + l.markersX*l.markerPx + (l.markersX-1)*l.separation
	height = 2*l.margin + l.markersY*l.markerPx + (l.markersY-1)*l.separation
	return width, height
}

// origin is the top-left pixel of the marker in column x, row y. Row 0 is
// the top row, matching the board id order first+y*markersX+x.
func (l layout) origin(x, y int) image.Point {
	step := l.markerPx + l.separation
	return image.Pt(l.margin+x*step, l.margin+y*step)
}

func (l layout) validate(dict *detection.Dictionary) error {
	if l.markerPx < dict.MarkerBits+2 {
		return fmt.Errorf("marker size %d px is smaller than %d cells", l.markerPx, dict.MarkerBits+2)
	}
	if l.separation < 0 || l.margin < 0 {
		return fmt.Errorf("separation and margin must not be negative")
	}
	// reuse the board checks for counts and id range
	_, err := detection.NewBoard(l.markersX, l.markersY, float64(l.markerPx), float64(l.separation), l.firstID, dict)
	return err
}

// renderBoard draws the board on a white single channel canvas
func renderBoard(dict *detection.Dictionary, l layout) (gocv.Mat, error) {
	if err := l.validate(dict); err != nil {
		return gocv.Mat{}, err
	}
	w, h := l.size()
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), h, w, gocv.MatTypeCV8UC1)

	marker := gocv.NewMat()
	defer marker.Close()
	for y := 0; y < l.markersY; y++ {
		for x := 0; x < l.markersX; x++ {
			id := l.firstID + y*l.markersX + x
			gocv.ArucoGenerateImageMarker(dict.Code, id, l.markerPx, marker, 1)
			o := l.origin(x, y)
			roi := canvas.Region(image.Rect(o.X, o.Y, o.X+l.markerPx, o.Y+l.markerPx))
			marker.CopyTo(&roi)
			roi.Close()
		}
	}
	return canvas, nil
}

func main() {
	flags := pflag.NewFlagSet("markergen", pflag.ExitOnError)
	dictName := flags.String("dictionary", "5x5_50", "marker dictionary")
	l := layout{}
	flags.IntVar(&l.markersX, "markers-x", 1, "markers per row")
	flags.IntVar(&l.markersY, "markers-y", 1, "markers per column")
	flags.IntVar(&l.firstID, "first-id", 0, "id of the top-left marker")
	flags.IntVar(&l.markerPx, "marker-pixels", 300, "marker side in pixels")
	flags.IntVar(&l.separation, "separation-pixels", 30, "gap between markers in pixels")
	flags.IntVar(&l.margin, "margin-pixels", 40, "white border around the board")
	out := flags.String("out", "board.png", "output image path")
	flags.Parse(os.Args[1:])

	dict, err := detection.ParseDictionary(*dictName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[markergen] %v\n", err)
		os.Exit(1)
	}
	board, err := renderBoard(dict, l)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[markergen] %v\n", err)
		os.Exit(1)
	}
	defer board.Close()

	if ok := gocv.IMWrite(*out, board); !ok {
		fmt.Fprintf(os.Stderr, "[markergen] failed to write %s\n", *out)
		os.Exit(1)
	}
	w, h := l.size()
	fmt.Printf("[markergen] wrote %s (%dx%d px, %s ids %d..%d)\n",
		*out, w, h, dict.Name, l.firstID, l.firstID+l.markersX*l.markersY-1)
	// separation/marker ratio must match board.markerSeparation/board.markerLength
	fmt.Printf("[markergen] separation ratio %.3f\n", float64(l.separation)/float64(l.markerPx))
}
