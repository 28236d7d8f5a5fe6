package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"arucam/pkg/log"

	"gocv.io/x/gocv"
)

var (
	// ErrReadFailed is returned when the device or stream stops delivering frames
	ErrReadFailed = errors.New("capture: failed to read frame from source")
	// ErrClosed is returned by Read after Close
	ErrClosed = errors.New("capture: source closed")
)

// Source delivers BGR frames into a caller owned Mat
type Source interface {
	Read(dst *gocv.Mat) error
	Close() error
}

// Config selects the frame source. Source is a camera index ("0") or a
// file path / stream URL.
type Config struct {
	Source     string
	Width      int
	Height     int
	BufferSize int
	Warmup     time.Duration
}

// ParseSource reports whether s names a camera device and its index
func ParseSource(s string) (device int, isDevice bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// VideoSource reads from an OpenCV video capture
type VideoSource struct {
	name string
	vc   *gocv.VideoCapture
	mu   sync.Mutex
}

// Open opens the configured device or stream and waits out the warm-up
// period so auto exposure can settle
func Open(cfg Config) (*VideoSource, error) {
	if strings.TrimSpace(cfg.Source) == "" {
		return nil, fmt.Errorf("capture: empty source")
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if n, ok := ParseSource(cfg.Source); ok {
		vc, err = gocv.VideoCaptureDevice(n)
	} else {
		vc, err = gocv.VideoCaptureFile(cfg.Source)
	}
	if err != nil {
		if vc != nil {
			vc.Close()
		}
		return nil, fmt.Errorf("capture: error opening %q: %w", cfg.Source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture: %q did not open", cfg.Source)
	}

	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.BufferSize > 0 {
		vc.Set(gocv.VideoCaptureBufferSize, float64(cfg.BufferSize))
	}

	log.Info(log.Fields{
		"source": cfg.Source,
		"width":  vc.Get(gocv.VideoCaptureFrameWidth),
		"height": vc.Get(gocv.VideoCaptureFrameHeight),
	}, "[capture.Open] source opened")

	if cfg.Warmup > 0 {
		time.Sleep(cfg.Warmup)
	}
	return &VideoSource{name: cfg.Source, vc: vc}, nil
}

// Read grabs the next frame into dst. A failed read means the source is gone.
func (s *VideoSource) Read(dst *gocv.Mat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc == nil {
		return ErrClosed
	}
	if ok := s.vc.Read(dst); !ok {
		return fmt.Errorf("%w: %s", ErrReadFailed, s.name)
	}
	return nil
}

// Name returns the configured source string
func (s *VideoSource) Name() string {
	return s.name
}

// Close releases the capture. Calling it twice is safe.
func (s *VideoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vc == nil {
		return nil
	}
	err := s.vc.Close()
	s.vc = nil
	return err
}
