package pipeline

import (
	"context"
	"fmt"
	"time"

	"arucam/capture"
	"arucam/pkg/log"

	"gocv.io/x/gocv"
)

// FrameProcessor draws on a frame in place
type FrameProcessor interface {
	Process(frame *gocv.Mat) (FrameReport, error)
}

// Publisher receives every processed frame. Implementations copy the
// frame; the worker reuses its buffer.
type Publisher interface {
	Publish(frame gocv.Mat)
}

// Worker is the capture loop: read, process, publish
type Worker struct {
	source    capture.Source
	processor FrameProcessor
	publisher Publisher
	stats     *Stats
}

// NewWorker binds a source to a processor and a publisher. stats may be nil.
func NewWorker(source capture.Source, processor FrameProcessor, publisher Publisher, stats *Stats) *Worker {
	if stats == nil {
		stats = NewStats()
	}
	return &Worker{
		source:    source,
		processor: processor,
		publisher: publisher,
		stats:     stats,
	}
}

// Stats returns the worker's statistics tracker
func (w *Worker) Stats() *Stats {
	return w.stats
}

// Run loops until ctx is cancelled, returning nil, or the source fails,
// returning the read error. Empty and non-BGR frames are dropped. A frame
// whose processing fails is still published as captured.
func (w *Worker) Run(ctx context.Context) error {
	frame := gocv.NewMat()
	defer frame.Close()

	var sequence int64
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		readStart := time.Now()
		if err := w.source.Read(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: %w", err)
		}
		if frame.Empty() {
			continue
		}
		if frame.Type() != gocv.MatTypeCV8UC3 || frame.Channels() != 3 {
			continue
		}
		w.stats.UpdateCapture(time.Since(readStart))

		report, err := w.processor.Process(&frame)
		if err != nil {
			log.Warn(log.Fields{
				"sequence": sequence,
				"error":    err.Error(),
			}, "[pipeline.Run] frame processing failed")
		} else {
			w.stats.UpdateProcess(report)
		}

		publishStart := time.Now()
		w.publisher.Publish(frame)
		w.stats.UpdatePublish(time.Since(publishStart))
		w.stats.UpdateFPS()
		sequence++
	}
}
