package detection

import (
	"fmt"
	"math"
	"sort"

	"arucam/calibration"
	"arucam/geom"
	"arucam/pose"

	"github.com/golang/geo/r3"
	"gocv.io/x/gocv"
)

// RefineParams controls the recovery of missing board markers
type RefineParams struct {
	// MinRepDistance is the largest mean corner distance in pixels between a
	// rejected candidate and the projected expected marker
	MinRepDistance float64
	// ErrorCorrectionRate scales the dictionary correction capacity when
	// checking candidate bits. Negative disables the bit check.
	ErrorCorrectionRate float64
	// CheckAllOrders tries all four corner rotations of each candidate
	CheckAllOrders bool
	// DropForeign removes decoded markers whose id is not on the board
	DropForeign bool
}

// DefaultRefineParams returns the OpenCV refinement defaults
func DefaultRefineParams() RefineParams {
	return RefineParams{
		MinRepDistance:      10,
		ErrorCorrectionRate: 3,
		CheckAllOrders:      true,
		DropForeign:         true,
	}
}

// RefineResult is the corrected detection. Recovered lists the ids that
// were promoted from rejected candidates.
type RefineResult struct {
	Markers   []Marker
	Rejected  []geom.Quad
	Recovered []int
	BoardPose *pose.Pose
}

// Detection returns the result as a plain detection
func (r RefineResult) Detection() Detection {
	return Detection{Markers: r.Markers, Rejected: r.Rejected}
}

// Refiner recovers board markers the detector rejected, using the board
// pose estimated from the markers it did decode
type Refiner struct {
	board  *Board
	dict   *Dictionary
	camera *calibration.Camera
	params RefineParams

	// bit errors accepted when verifying a recovered marker, -1 disables it
	tolerance int
}

// NewRefiner binds a board layout to a calibrated camera
func NewRefiner(board *Board, dict *Dictionary, cam *calibration.Camera, params RefineParams) (*Refiner, error) {
	if board == nil || dict == nil || cam == nil {
		return nil, fmt.Errorf("detection: refiner needs a board, dictionary and camera")
	}
	if !(params.MinRepDistance > 0) {
		return nil, fmt.Errorf("detection: min reprojection distance must be positive, got %g", params.MinRepDistance)
	}
	r := &Refiner{board: board, dict: dict, camera: cam, params: params, tolerance: -1}
	if params.ErrorCorrectionRate >= 0 {
		maxBits, err := dict.MaxCorrectionBits()
		if err != nil {
			return nil, fmt.Errorf("detection: correction bits of %s: %w", dict.Name, err)
		}
		r.tolerance = int(math.Floor(params.ErrorCorrectionRate * float64(maxBits)))
	}
	return r, nil
}

type candidateMatch struct {
	id        int
	candidate int
	corners   geom.Quad
	distance  float64
}

// Refine corrects det against the board. The number of valid board markers
// in the result is never lower than in det.
func (r *Refiner) Refine(gray gocv.Mat, det Detection) (RefineResult, error) {
	if !gray.Empty() && gray.Type() != gocv.MatTypeCV8UC1 {
		return RefineResult{}, fmt.Errorf("%w: refine input", ErrNotGrayscale)
	}

	var res RefineResult
	found := make(map[int]bool)
	var object []r3.Vector
	var image []geom.Point2
	for _, m := range det.Markers {
		if !r.board.Contains(m.ID) {
			if !r.params.DropForeign {
				res.Markers = append(res.Markers, m)
			}
			continue
		}
		res.Markers = append(res.Markers, m)
		if found[m.ID] {
			continue
		}
		found[m.ID] = true
		corners, _ := r.board.ObjectCorners(m.ID)
		object = append(object, corners...)
		image = append(image, m.Corners.Points()...)
	}
	res.Rejected = append([]geom.Quad(nil), det.Rejected...)

	var missing []int
	for _, id := range r.board.IDs() {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(object) == 0 || len(missing) == 0 || len(res.Rejected) == 0 || gray.Empty() {
		return res, nil
	}

	boardPose, err := pose.SolvePlanar(object, image, r.camera)
	if err != nil {
		// no usable board pose, nothing can be recovered
		return res, nil
	}
	res.BoardPose = &boardPose

	matches := r.candidateMatches(boardPose, missing, res.Rejected)
	usedCandidate := make(map[int]bool)
	for _, m := range matches {
		if found[m.id] || usedCandidate[m.candidate] {
			continue
		}
		if r.tolerance >= 0 && !r.bitsMatch(gray, m, r.tolerance) {
			continue
		}
		found[m.id] = true
		usedCandidate[m.candidate] = true
		res.Markers = append(res.Markers, Marker{ID: m.id, Corners: m.corners})
		res.Recovered = append(res.Recovered, m.id)
	}

	if len(usedCandidate) > 0 {
		var kept []geom.Quad
		for i, q := range res.Rejected {
			if !usedCandidate[i] {
				kept = append(kept, q)
			}
		}
		res.Rejected = kept
	}
	sort.Ints(res.Recovered)
	return res, nil
}

// candidateMatches pairs every missing marker with every rejected quad
// close enough to its projection, closest first
func (r *Refiner) candidateMatches(boardPose pose.Pose, missing []int, rejected []geom.Quad) []candidateMatch {
	orders := 1
	if r.params.CheckAllOrders {
		orders = 4
	}

	var matches []candidateMatch
	for _, id := range missing {
		corners, _ := r.board.ObjectCorners(id)
		projected, err := pose.ProjectChecked(corners, boardPose, r.camera)
		if err != nil {
			continue
		}
		var expected geom.Quad
		copy(expected[:], projected)

		for ci, cand := range rejected {
			best := candidateMatch{distance: math.Inf(1)}
			for rot := 0; rot < orders; rot++ {
				q := cand.Rotate(rot)
				if d := q.MeanDistance(expected); d < best.distance {
					best = candidateMatch{id: id, candidate: ci, corners: q, distance: d}
				}
			}
			if best.distance < r.params.MinRepDistance {
				matches = append(matches, best)
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].distance < matches[j].distance
	})
	return matches
}

func (r *Refiner) bitsMatch(gray gocv.Mat, m candidateMatch, tolerance int) bool {
	want, err := r.dict.Bits(m.id)
	if err != nil {
		return false
	}
	got, borderErrors, err := readCandidateBits(gray, m.corners, r.dict.MarkerBits)
	if err != nil {
		return false
	}
	if borderErrors > tolerance {
		return false
	}
	return borderErrors+hamming(got, want) <= tolerance
}
