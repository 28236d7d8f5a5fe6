package detection

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"arucam/geom"

	"gocv.io/x/gocv"
)

// ErrNotGrayscale is returned when the detector input is not single channel 8-bit
var ErrNotGrayscale = errors.New("detection: input must be single channel 8-bit")

// Marker is a decoded marker in image coordinates
type Marker struct {
	ID      int
	Corners geom.Quad
}

// Detection is the output of one detector pass. Rejected holds the quads
// that looked like markers but did not decode.
type Detection struct {
	Markers  []Marker
	Rejected []geom.Quad
}

// IDs returns the ids of the decoded markers in detection order
func (d Detection) IDs() []int {
	ids := make([]int, len(d.Markers))
	for i, m := range d.Markers {
		ids[i] = m.ID
	}
	return ids
}

// Detector finds markers of one dictionary in grayscale frames
type Detector interface {
	DetectMarkers(gray gocv.Mat) (Detection, error)
	Close() error
	Info() DetectorInfo
}

// DetectorInfo describes the active detector
type DetectorInfo struct {
	Dictionary string
	MarkerBits int
	InitTime   time.Duration
}

// Corner refinement methods accepted by DetectorParams
const (
	CornerRefineNone = iota
	CornerRefineSubpix
	CornerRefineContour
	CornerRefineAprilTag
)

// ParseCornerRefinement maps none, subpix, contour or apriltag to its method
func ParseCornerRefinement(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CornerRefineNone, nil
	case "subpix":
		return CornerRefineSubpix, nil
	case "contour":
		return CornerRefineContour, nil
	case "apriltag":
		return CornerRefineAprilTag, nil
	}
	return 0, fmt.Errorf("detection: unknown corner refinement %q", name)
}

// DetectorParams overrides the OpenCV detector defaults. Zero values keep
// the library default.
type DetectorParams struct {
	AdaptiveThreshWinSizeMin  int
	AdaptiveThreshWinSizeMax  int
	AdaptiveThreshWinSizeStep int
	MinMarkerPerimeterRate    float64
	MaxMarkerPerimeterRate    float64
	CornerRefinementMethod    int
}

// ArucoDetector wraps the gocv ArUco detector for a single dictionary
type ArucoDetector struct {
	dict     *Dictionary
	detector gocv.ArucoDetector
	info     DetectorInfo
	mu       sync.Mutex
	closed   bool
}

// NewArucoDetector builds a detector for dict with the given parameter overrides
func NewArucoDetector(dict *Dictionary, params DetectorParams) (*ArucoDetector, error) {
	if dict == nil {
		return nil, fmt.Errorf("detection: nil dictionary")
	}
	start := time.Now()

	p := gocv.NewArucoDetectorParameters()
	if params.AdaptiveThreshWinSizeMin > 0 {
		p.SetAdaptiveThreshWinSizeMin(params.AdaptiveThreshWinSizeMin)
	}
	if params.AdaptiveThreshWinSizeMax > 0 {
		p.SetAdaptiveThreshWinSizeMax(params.AdaptiveThreshWinSizeMax)
	}
	if params.AdaptiveThreshWinSizeStep > 0 {
		p.SetAdaptiveThreshWinSizeStep(params.AdaptiveThreshWinSizeStep)
	}
	if params.MinMarkerPerimeterRate > 0 {
		p.SetMinMarkerPerimeterRate(params.MinMarkerPerimeterRate)
	}
	if params.MaxMarkerPerimeterRate > 0 {
		p.SetMaxMarkerPerimeterRate(params.MaxMarkerPerimeterRate)
	}
	switch params.CornerRefinementMethod {
	case CornerRefineNone, CornerRefineSubpix, CornerRefineContour, CornerRefineAprilTag:
		p.SetCornerRefinementMethod(params.CornerRefinementMethod)
	default:
		return nil, fmt.Errorf("detection: unknown corner refinement method %d", params.CornerRefinementMethod)
	}

	det := gocv.NewArucoDetectorWithParams(gocv.GetPredefinedDictionary(dict.Code), p)
	return &ArucoDetector{
		dict:     dict,
		detector: det,
		info: DetectorInfo{
			Dictionary: dict.Name,
			MarkerBits: dict.MarkerBits,
			InitTime:   time.Since(start),
		},
	}, nil
}

// DetectMarkers finds markers in a grayscale image. The image is not
// modified. An empty image yields an empty detection.
func (a *ArucoDetector) DetectMarkers(gray gocv.Mat) (Detection, error) {
	if gray.Empty() {
		return Detection{}, nil
	}
	if gray.Type() != gocv.MatTypeCV8UC1 {
		return Detection{}, fmt.Errorf("%w: got %d channels, type %v", ErrNotGrayscale, gray.Channels(), gray.Type())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Detection{}, fmt.Errorf("detection: detector closed")
	}

	corners, ids, rejected := a.detector.DetectMarkers(gray)

	var out Detection
	for i, c := range corners {
		if i >= len(ids) {
			break
		}
		q, err := geom.QuadFromPoint2f(c)
		if err != nil {
			continue
		}
		out.Markers = append(out.Markers, Marker{ID: ids[i], Corners: q})
	}
	for _, c := range rejected {
		q, err := geom.QuadFromPoint2f(c)
		if err != nil {
			continue
		}
		out.Rejected = append(out.Rejected, q)
	}
	return out, nil
}

// Dictionary returns the dictionary the detector decodes
func (a *ArucoDetector) Dictionary() *Dictionary {
	return a.dict
}

// Info returns static information about the detector
func (a *ArucoDetector) Info() DetectorInfo {
	return a.info
}

// Close releases the native detector
func (a *ArucoDetector) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.closed {
		a.detector.Close()
		a.closed = true
	}
	return nil
}
