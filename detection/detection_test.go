package detection

import (
	"image"
	"testing"

	"arucam/calibration"
	"arucam/geom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// Synthetic scene: f=700 px, marker side 0.2 m at 1 m renders as 140 px
// (7 cells of 20 px for 5x5 markers). A 2x1 board with 0.04 m separation
// seen fronto-parallel has its markers at x=166 and x=334, y=170.
const (
	sceneWidth   = 640
	sceneHeight  = 480
	markerPixels = 140
)

var boardOrigins = []image.Point{{X: 166, Y: 170}, {X: 334, Y: 170}}

func testCamera(t *testing.T) *calibration.Camera {
	t.Helper()
	cam, err := calibration.New([][]float64{
		{700, 0, 320},
		{0, 700, 240},
		{0, 0, 1},
	}, []float64{0, 0, 0, 0, 0})
	require.NoError(t, err)
	return cam
}

func testDictionary(t *testing.T) *Dictionary {
	t.Helper()
	dict, err := ParseDictionary("5x5_50")
	require.NoError(t, err)
	return dict
}

// renderScene draws marker ids[i] with its top-left corner at origins[i]
// on a white grayscale canvas
func renderScene(t *testing.T, dict *Dictionary, ids []int, origins []image.Point) gocv.Mat {
	t.Helper()
	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), sceneHeight, sceneWidth, gocv.MatTypeCV8UC1)
	for i, id := range ids {
		marker := gocv.NewMat()
		gocv.ArucoGenerateImageMarker(dict.Code, id, markerPixels, marker, 1)
		o := origins[i]
		roi := canvas.Region(image.Rect(o.X, o.Y, o.X+markerPixels, o.Y+markerPixels))
		marker.CopyTo(&roi)
		roi.Close()
		marker.Close()
	}
	t.Cleanup(func() { canvas.Close() })
	return canvas
}

func quadAt(o image.Point) geom.Quad {
	x, y := float64(o.X), float64(o.Y)
	s := float64(markerPixels)
	return geom.Quad{geom.Pt(x, y), geom.Pt(x+s, y), geom.Pt(x+s, y+s), geom.Pt(x, y+s)}
}

func countBoardMarkers(b *Board, markers []Marker) int {
	n := 0
	for _, m := range markers {
		if b.Contains(m.ID) {
			n++
		}
	}
	return n
}

func TestParseDictionary(t *testing.T) {
	dict, err := ParseDictionary("DICT_5X5_50")
	require.NoError(t, err)
	assert.Equal(t, "5x5_50", dict.Name)
	assert.Equal(t, 5, dict.MarkerBits)
	assert.Equal(t, 50, dict.Size)

	_, err = ParseDictionary("9x9_9")
	assert.ErrorIs(t, err, ErrUnknownDictionary)
	assert.Contains(t, DictionaryNames(), "apriltag_36h11")
}

func TestDictionary_Bits(t *testing.T) {
	dict := testDictionary(t)

	a, err := dict.Bits(0)
	require.NoError(t, err)
	again, err := dict.Bits(0)
	require.NoError(t, err)
	b, err := dict.Bits(1)
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, uint64(1)<<25)

	_, err = dict.Bits(50)
	assert.Error(t, err)
	_, err = dict.Bits(-1)
	assert.Error(t, err)
}

func TestDictionary_MaxCorrectionBits(t *testing.T) {
	dict := testDictionary(t)
	got, err := dict.MaxCorrectionBits()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, 1)
	assert.Less(t, got, 12)
	again, err := dict.MaxCorrectionBits()
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestMinDistance(t *testing.T) {
	// 2x2 grids: 0b0001 rotates through 0b0010, 0b1000, 0b0100
	assert.Equal(t, 2, minDistance([]uint64{0b0001}, 2))
	// 0b1010 rotated twice is 0b0101, one bit away from 0b0001
	assert.Equal(t, 1, minDistance([]uint64{0b0001, 0b1010}, 2))
	// full and empty grids are rotation invariant
	assert.Equal(t, 0, minDistance([]uint64{0b1111}, 2))
	assert.Equal(t, 4, minDistance(nil, 2))
}

func TestRotateBits(t *testing.T) {
	// 3x3 grid with only the top-left cell set
	code := uint64(1)
	assert.Equal(t, uint64(1)<<2, rotateBits(code, 3, 1), "top-left moves to top-right")
	assert.Equal(t, uint64(1)<<8, rotateBits(code, 3, 2))
	assert.Equal(t, code, rotateBits(code, 3, 4))
	assert.Equal(t, 0, hamming(0b1011, 0b1011))
	assert.Equal(t, 2, hamming(0b1011, 0b1000))
}

func TestSampleGrid_GeneratedMarker(t *testing.T) {
	dict := testDictionary(t)
	img := gocv.NewMat()
	defer img.Close()
	gocv.ArucoGenerateImageMarker(dict.Code, 3, 7*cellPixels, img, 1)

	code, border := sampleGrid(img, 5, cellPixels)
	want, err := dict.Bits(3)
	require.NoError(t, err)
	assert.Equal(t, want, code)
	assert.Zero(t, border)
}

func TestBoard_Layout(t *testing.T) {
	dict := testDictionary(t)
	b, err := NewBoard(2, 1, 0.2, 0.04, 0, dict)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, b.IDs())
	assert.True(t, b.Contains(1))
	assert.False(t, b.Contains(2))

	c, ok := b.ObjectCorners(1)
	require.True(t, ok)
	assert.InDelta(t, 0.24, c[0].X, 1e-12)
	assert.InDelta(t, 0.2, c[0].Y, 1e-12)
	assert.InDelta(t, 0.44, c[2].X, 1e-12)
	assert.InDelta(t, 0.0, c[2].Y, 1e-12)

	_, ok = b.ObjectCorners(7)
	assert.False(t, ok)
}

func TestBoard_Grid(t *testing.T) {
	b, err := NewBoard(3, 2, 1, 0.5, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12, 13, 14, 15}, b.IDs())

	// second row starts below the first
	top, _ := b.ObjectCorners(10)
	bottom, _ := b.ObjectCorners(13)
	assert.InDelta(t, 2.5, top[0].Y, 1e-12)
	assert.InDelta(t, 1.0, bottom[0].Y, 1e-12)
}

func TestNewBoard_Invalid(t *testing.T) {
	dict := testDictionary(t)
	tests := []struct {
		name        string
		x, y        int
		length, sep float64
		first       int
	}{
		{"no columns", 0, 1, 1, 0, 0},
		{"zero length", 1, 1, 0, 0, 0},
		{"negative separation", 1, 1, 1, -1, 0},
		{"negative first id", 1, 1, 1, 0, -1},
		{"ids overflow dictionary", 5, 5, 1, 0, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBoard(tt.x, tt.y, tt.length, tt.sep, tt.first, dict)
			assert.ErrorIs(t, err, ErrInvalidBoard)
		})
	}
}

func TestArucoDetector_FindsSingleMarker(t *testing.T) {
	dict := testDictionary(t)
	det, err := NewArucoDetector(dict, DetectorParams{})
	require.NoError(t, err)
	defer det.Close()

	gray := renderScene(t, dict, []int{4}, []image.Point{{X: 250, Y: 170}})
	before := gray.Clone()
	defer before.Close()

	got, err := det.DetectMarkers(gray)
	require.NoError(t, err)
	require.Len(t, got.Markers, 1)
	assert.Equal(t, 4, got.Markers[0].ID)
	assert.Equal(t, []int{4}, got.IDs())

	want := quadAt(image.Point{X: 250, Y: 170})
	assert.Less(t, got.Markers[0].Corners.MeanDistance(want), 3.0)

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(gray, before, &diff)
	assert.Zero(t, gocv.CountNonZero(diff), "input must not be modified")
}

func TestArucoDetector_EmptyAndBlank(t *testing.T) {
	dict := testDictionary(t)
	det, err := NewArucoDetector(dict, DetectorParams{})
	require.NoError(t, err)
	defer det.Close()

	empty := gocv.NewMat()
	defer empty.Close()
	got, err := det.DetectMarkers(empty)
	require.NoError(t, err)
	assert.Empty(t, got.Markers)

	blank := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), 120, 160, gocv.MatTypeCV8UC1)
	defer blank.Close()
	got, err = det.DetectMarkers(blank)
	require.NoError(t, err)
	assert.Empty(t, got.Markers)
}

func TestArucoDetector_RejectsColour(t *testing.T) {
	dict := testDictionary(t)
	det, err := NewArucoDetector(dict, DetectorParams{})
	require.NoError(t, err)
	defer det.Close()

	colour := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer colour.Close()
	_, err = det.DetectMarkers(colour)
	assert.ErrorIs(t, err, ErrNotGrayscale)
}

func TestNewArucoDetector_BadRefinement(t *testing.T) {
	_, err := NewArucoDetector(testDictionary(t), DetectorParams{CornerRefinementMethod: 9})
	assert.Error(t, err)
}

func TestParseCornerRefinement(t *testing.T) {
	for name, want := range map[string]int{
		"":         CornerRefineNone,
		"none":     CornerRefineNone,
		"SubPix":   CornerRefineSubpix,
		"contour":  CornerRefineContour,
		"apriltag": CornerRefineAprilTag,
	} {
		got, err := ParseCornerRefinement(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseCornerRefinement("bilinear")
	assert.Error(t, err)
}

func newTestRefiner(t *testing.T, params RefineParams) (*Refiner, *Board, *Dictionary) {
	t.Helper()
	dict := testDictionary(t)
	board, err := NewBoard(2, 1, 0.2, 0.04, 0, dict)
	require.NoError(t, err)
	r, err := NewRefiner(board, dict, testCamera(t), params)
	require.NoError(t, err)
	return r, board, dict
}

func TestNewRefiner_Tolerance(t *testing.T) {
	dict := testDictionary(t)
	maxBits, err := dict.MaxCorrectionBits()
	require.NoError(t, err)

	tests := []struct {
		rate float64
		want int
	}{
		{-1, -1},
		{0, 0},
		{1, maxBits},
		{0.5, maxBits / 2},
	}
	for _, tt := range tests {
		params := DefaultRefineParams()
		params.ErrorCorrectionRate = tt.rate
		r, _, _ := newTestRefiner(t, params)
		assert.Equal(t, tt.want, r.tolerance, "rate %g", tt.rate)
	}
}

func TestRefine_RecoversRejectedBoardMarker(t *testing.T) {
	r, board, dict := newTestRefiner(t, DefaultRefineParams())
	gray := renderScene(t, dict, []int{0, 1}, boardOrigins)

	in := Detection{
		Markers: []Marker{{ID: 0, Corners: quadAt(boardOrigins[0])}},
		// detector reported the candidate starting from a different corner
		Rejected: []geom.Quad{quadAt(boardOrigins[1]).Rotate(1), quadAt(image.Point{X: 20, Y: 20})},
	}

	res, err := r.Refine(gray, in)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Recovered)
	require.Len(t, res.Markers, 2)
	assert.Len(t, res.Rejected, 1)
	require.NotNil(t, res.BoardPose)

	recovered := res.Markers[1]
	assert.Equal(t, 1, recovered.ID)
	assert.Less(t, recovered.Corners.MeanDistance(quadAt(boardOrigins[1])), 1.0)
	assert.GreaterOrEqual(t, countBoardMarkers(board, res.Markers), countBoardMarkers(board, in.Markers))
}

func TestRefine_BitCheckRejectsWrongMarker(t *testing.T) {
	params := DefaultRefineParams()
	params.ErrorCorrectionRate = 0
	r, _, dict := newTestRefiner(t, params)

	// id 7 sits where board marker 1 belongs
	gray := renderScene(t, dict, []int{0, 7}, boardOrigins)
	in := Detection{
		Markers:  []Marker{{ID: 0, Corners: quadAt(boardOrigins[0])}},
		Rejected: []geom.Quad{quadAt(boardOrigins[1])},
	}

	res, err := r.Refine(gray, in)
	require.NoError(t, err)
	assert.Empty(t, res.Recovered)
	assert.Len(t, res.Markers, 1)
	assert.Len(t, res.Rejected, 1)
}

func TestRefine_ExactBitsPassWithZeroTolerance(t *testing.T) {
	params := DefaultRefineParams()
	params.ErrorCorrectionRate = 0
	r, _, dict := newTestRefiner(t, params)

	gray := renderScene(t, dict, []int{0, 1}, boardOrigins)
	res, err := r.Refine(gray, Detection{
		Markers:  []Marker{{ID: 0, Corners: quadAt(boardOrigins[0])}},
		Rejected: []geom.Quad{quadAt(boardOrigins[1])},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Recovered)
}

func TestRefine_RespectsCornerOrderSetting(t *testing.T) {
	params := DefaultRefineParams()
	params.CheckAllOrders = false
	params.ErrorCorrectionRate = -1
	r, _, dict := newTestRefiner(t, params)

	gray := renderScene(t, dict, []int{0, 1}, boardOrigins)
	res, err := r.Refine(gray, Detection{
		Markers:  []Marker{{ID: 0, Corners: quadAt(boardOrigins[0])}},
		Rejected: []geom.Quad{quadAt(boardOrigins[1]).Rotate(2)},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Recovered)
}

func TestRefine_NoBoardMarkerRecoversNothing(t *testing.T) {
	r, _, dict := newTestRefiner(t, DefaultRefineParams())
	gray := renderScene(t, dict, []int{0, 1}, boardOrigins)

	res, err := r.Refine(gray, Detection{
		Rejected: []geom.Quad{quadAt(boardOrigins[0]), quadAt(boardOrigins[1])},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Markers)
	assert.Empty(t, res.Recovered)
	assert.Nil(t, res.BoardPose)
	assert.Len(t, res.Rejected, 2)
}

func TestRefine_ForeignMarkers(t *testing.T) {
	gray := renderScene(t, testDictionary(t), []int{0}, boardOrigins[:1])
	in := Detection{Markers: []Marker{
		{ID: 0, Corners: quadAt(boardOrigins[0])},
		{ID: 9, Corners: quadAt(boardOrigins[1])},
	}}

	r, _, _ := newTestRefiner(t, DefaultRefineParams())
	res, err := r.Refine(gray, in)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, res.Detection().IDs())

	params := DefaultRefineParams()
	params.DropForeign = false
	r, _, _ = newTestRefiner(t, params)
	res, err = r.Refine(gray, in)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 9}, res.Detection().IDs())
}

func TestRefine_RejectsColour(t *testing.T) {
	r, _, _ := newTestRefiner(t, DefaultRefineParams())
	colour := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer colour.Close()

	_, err := r.Refine(colour, Detection{})
	assert.ErrorIs(t, err, ErrNotGrayscale)
}

func TestRefine_WithDetector(t *testing.T) {
	dict := testDictionary(t)
	det, err := NewArucoDetector(dict, DetectorParams{})
	require.NoError(t, err)
	defer det.Close()

	r, board, _ := newTestRefiner(t, DefaultRefineParams())
	gray := renderScene(t, dict, []int{0, 1}, boardOrigins)

	found, err := det.DetectMarkers(gray)
	require.NoError(t, err)
	res, err := r.Refine(gray, found)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, countBoardMarkers(board, res.Markers), countBoardMarkers(board, found.Markers))
	assert.ElementsMatch(t, []int{0, 1}, res.Detection().IDs())
}
