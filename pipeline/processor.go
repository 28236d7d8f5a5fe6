package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"arucam/calibration"
	"arucam/detection"
	"arucam/overlay"
	"arucam/pkg/log"
	"arucam/pose"

	"github.com/golang/geo/r3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gocv.io/x/gocv"
)

var (
	// ErrEmptyFrame is returned for a nil or empty frame
	ErrEmptyFrame = errors.New("pipeline: empty frame")
	// ErrNotBGR is returned for frames that are not 8-bit 3 channel
	ErrNotBGR = errors.New("pipeline: frame must be 8-bit BGR")
)

// MarkerStatus says what happened to one detected marker
type MarkerStatus int

const (
	StatusDrawn MarkerStatus = iota
	StatusSkipPose
	StatusSkipProjection
	StatusSkipDraw
)

func (s MarkerStatus) String() string {
	switch s {
	case StatusDrawn:
		return "drawn"
	case StatusSkipPose:
		return "pose"
	case StatusSkipProjection:
		return "projection"
	case StatusSkipDraw:
		return "draw"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarkerResult is the per-marker outcome of one frame. Pose is the zero
// value when Status is StatusSkipPose.
type MarkerResult struct {
	ID     int
	Pose   pose.Pose
	Status MarkerStatus
	Err    error
}

// FrameReport summarizes one processed frame
type FrameReport struct {
	Markers    []MarkerResult
	Recovered  []int
	Rejected   int
	DetectTime time.Duration
	PoseTime   time.Duration
}

// Drawn returns how many markers got an overlay
func (r FrameReport) Drawn() int {
	n := 0
	for _, m := range r.Markers {
		if m.Status == StatusDrawn {
			n++
		}
	}
	return n
}

// ProcessorConfig wires the stages of the per-frame pipeline. Refiner is
// optional.
type ProcessorConfig struct {
	Detector     detection.Detector
	Refiner      *detection.Refiner
	Renderer     *overlay.Renderer
	Camera       *calibration.Camera
	MarkerLength float64
}

// Processor runs detection, pose estimation and overlay drawing on frames.
// It keeps no per-frame state; callers serialize access to the frame.
type Processor struct {
	detector     detection.Detector
	refiner      *detection.Refiner
	renderer     *overlay.Renderer
	camera       *calibration.Camera
	markerLength float64
	geometry     []r3.Vector

	frames   metric.Int64Counter
	detected metric.Int64Counter
	skipped  metric.Int64Counter
}

// NewProcessor validates cfg and registers the pipeline counters on the
// global meter provider
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Detector == nil || cfg.Renderer == nil || cfg.Camera == nil {
		return nil, fmt.Errorf("pipeline: processor needs a detector, renderer and camera")
	}
	if !(cfg.MarkerLength > 0) {
		return nil, fmt.Errorf("pipeline: %w", pose.ErrInvalidMarkerLength)
	}

	p := &Processor{
		detector:     cfg.Detector,
		refiner:      cfg.Refiner,
		renderer:     cfg.Renderer,
		camera:       cfg.Camera,
		markerLength: cfg.MarkerLength,
		geometry:     cfg.Renderer.Geometry(),
	}

	m := meter()
	var err error
	p.frames, err = m.Int64Counter(
		"frames_processed",
		metric.WithDescription("Frames run through detection"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating frames counter: %w", err)
	}
	p.detected, err = m.Int64Counter(
		"markers_detected",
		metric.WithDescription("Markers decoded or recovered"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating detected counter: %w", err)
	}
	p.skipped, err = m.Int64Counter(
		"markers_skipped",
		metric.WithDescription("Markers left without an overlay"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}
	return p, nil
}

// Process draws the overlay for every marker found in frame, in place.
// A marker that fails any stage is reported and skipped; the rest of the
// frame is still processed. With no markers the frame is left untouched.
func (p *Processor) Process(frame *gocv.Mat) (FrameReport, error) {
	var report FrameReport
	if frame == nil || frame.Empty() {
		return report, ErrEmptyFrame
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return report, fmt.Errorf("%w: got %d channels", ErrNotBGR, frame.Channels())
	}

	ctx := context.Background()
	p.frames.Add(ctx, 1)

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)

	start := time.Now()
	det, err := p.detector.DetectMarkers(gray)
	if err != nil {
		return report, fmt.Errorf("pipeline: detect: %w", err)
	}
	if p.refiner != nil {
		res, err := p.refiner.Refine(gray, det)
		if err != nil {
			log.Warn(log.Fields{"error": err.Error()}, "[pipeline.Process] refinement failed, using raw detection")
		} else {
			det = res.Detection()
			report.Recovered = res.Recovered
		}
	}
	report.DetectTime = time.Since(start)
	report.Rejected = len(det.Rejected)

	if len(det.Markers) == 0 {
		return report, nil
	}
	p.detected.Add(ctx, int64(len(det.Markers)))

	start = time.Now()
	p.renderer.Outline(frame, det.Markers)
	report.Markers = make([]MarkerResult, 0, len(det.Markers))
	for _, m := range det.Markers {
		res := p.processMarker(frame, m)
		if res.Status != StatusDrawn {
			p.skipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", res.Status.String())))
			log.Debug(log.Fields{
				"marker": m.ID,
				"reason": res.Status.String(),
				"error":  res.Err.Error(),
			}, "[pipeline.Process] marker skipped")
		}
		report.Markers = append(report.Markers, res)
	}
	report.PoseTime = time.Since(start)

	p.renderer.Status(frame, fmt.Sprintf("markers %d/%d", report.Drawn(), len(report.Markers)))
	return report, nil
}

func (p *Processor) processMarker(frame *gocv.Mat, m detection.Marker) MarkerResult {
	res := MarkerResult{ID: m.ID}

	mp, err := pose.EstimatePose(m.Corners, p.markerLength, p.camera)
	if err != nil {
		res.Status, res.Err = StatusSkipPose, err
		return res
	}
	res.Pose = mp

	pts, err := pose.ProjectChecked(p.geometry, mp, p.camera)
	if err != nil {
		res.Status, res.Err = StatusSkipProjection, err
		return res
	}

	if _, err := p.renderer.Render(frame, pts); err != nil {
		res.Status, res.Err = StatusSkipDraw, err
		return res
	}
	res.Status = StatusDrawn
	return res
}
