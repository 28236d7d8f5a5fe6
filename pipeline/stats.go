package pipeline

import (
	"context"
	"sync"
	"time"

	"arucam/pkg/log"
)

// DefaultReportInterval is how often Stats are written to the log
const DefaultReportInterval = 15 * time.Second

// Stats tracks per-stage timing and throughput of the frame loop
type Stats struct {
	mu             sync.Mutex
	captureCount   int64
	processCount   int64
	publishCount   int64
	markerCount    int64
	skipCount      int64
	lastReportTime time.Time
	lastFPSUpdate  time.Time
	fpsCount       int64
	fps            float64

	readTimeTotal    time.Duration
	detectTimeTotal  time.Duration
	poseTimeTotal    time.Duration
	publishTimeTotal time.Duration
}

// StatsReport is one reporting window
type StatsReport struct {
	Window     time.Duration
	CaptureFPS float64
	ProcessFPS float64
	PublishFPS float64
	LoopFPS    float64 // rolling one second loop rate, not reset
	Markers    int64
	Skipped    int64
	AvgRead    time.Duration
	AvgDetect  time.Duration
	AvgPose    time.Duration
	AvgPublish time.Duration
}

// NewStats creates a statistics tracker
func NewStats() *Stats {
	now := time.Now()
	return &Stats{
		lastReportTime: now,
		lastFPSUpdate:  now,
	}
}

// Snapshot returns the current window and resets the counters
func (s *Stats) Snapshot() StatsReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	window := now.Sub(s.lastReportTime)
	secs := window.Seconds()
	if secs <= 0 {
		secs = 1.0
	}

	r := StatsReport{
		Window:     window,
		CaptureFPS: float64(s.captureCount) / secs,
		ProcessFPS: float64(s.processCount) / secs,
		PublishFPS: float64(s.publishCount) / secs,
		LoopFPS:    s.fps,
		Markers:    s.markerCount,
		Skipped:    s.skipCount,
	}
	if s.captureCount > 0 {
		r.AvgRead = s.readTimeTotal / time.Duration(s.captureCount)
	}
	if s.processCount > 0 {
		r.AvgDetect = s.detectTimeTotal / time.Duration(s.processCount)
		r.AvgPose = s.poseTimeTotal / time.Duration(s.processCount)
	}
	if s.publishCount > 0 {
		r.AvgPublish = s.publishTimeTotal / time.Duration(s.publishCount)
	}

	s.captureCount = 0
	s.processCount = 0
	s.publishCount = 0
	s.markerCount = 0
	s.skipCount = 0
	s.readTimeTotal = 0
	s.detectTimeTotal = 0
	s.poseTimeTotal = 0
	s.publishTimeTotal = 0
	s.lastReportTime = now

	return r
}

// UpdateCapture records one successful read
func (s *Stats) UpdateCapture(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captureCount++
	s.readTimeTotal += d
}

// UpdateProcess records one processed frame
func (s *Stats) UpdateProcess(r FrameReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processCount++
	s.detectTimeTotal += r.DetectTime
	s.poseTimeTotal += r.PoseTime
	for _, m := range r.Markers {
		if m.Status == StatusDrawn {
			s.markerCount++
		} else {
			s.skipCount++
		}
	}
}

// UpdatePublish records one published frame
func (s *Stats) UpdatePublish(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishCount++
	s.publishTimeTotal += d
}

// UpdateFPS counts a frame and returns the rate over the last second
func (s *Stats) UpdateFPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.fpsCount++
	elapsed := now.Sub(s.lastFPSUpdate)
	if elapsed >= time.Second {
		s.fps = float64(s.fpsCount) / elapsed.Seconds()
		s.fpsCount = 0
		s.lastFPSUpdate = now
	}
	return s.fps
}

// Report logs a snapshot every interval until ctx is done
func (s *Stats) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := s.Snapshot()
			log.Info(log.Fields{
				"window":      r.Window.Round(time.Millisecond).String(),
				"capture_fps": round1(r.CaptureFPS),
				"process_fps": round1(r.ProcessFPS),
				"publish_fps": round1(r.PublishFPS),
				"loop_fps":    round1(r.LoopFPS),
				"markers":     r.Markers,
				"skipped":     r.Skipped,
				"avg_read":    r.AvgRead.String(),
				"avg_detect":  r.AvgDetect.String(),
				"avg_pose":    r.AvgPose.String(),
				"avg_publish": r.AvgPublish.String(),
			}, "[pipeline.Stats] performance")
		}
	}
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
