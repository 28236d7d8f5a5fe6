package broadcast

import (
	"context"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Publisher holds the most recent processed frame. Writers replace it,
// readers get private copies. There is no queue; a slow reader only ever
// sees the latest frame.
type Publisher struct {
	mu       sync.Mutex
	frame    gocv.Mat
	has      bool
	sequence uint64
	updated  time.Time

	ready     chan struct{}
	readyOnce sync.Once
	closed    bool
}

// NewPublisher returns an empty publisher
func NewPublisher() *Publisher {
	return &Publisher{ready: make(chan struct{})}
}

// Publish stores a copy of frame. Empty frames are ignored. The copy is
// made before the lock is taken; the lock only covers the swap.
func (p *Publisher) Publish(frame gocv.Mat) {
	if frame.Empty() {
		return
	}
	clone := frame.Clone()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		clone.Close()
		return
	}
	old, had := p.frame, p.has
	p.frame = clone
	p.has = true
	p.sequence++
	p.updated = time.Now()
	p.mu.Unlock()

	if had {
		old.Close()
	}
	p.readyOnce.Do(func() { close(p.ready) })
}

// Latest returns a private copy of the current frame with its sequence
// number. ok is false until the first frame is published. The caller
// closes the returned Mat.
func (p *Publisher) Latest() (frame gocv.Mat, sequence uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		return gocv.Mat{}, 0, false
	}
	return p.frame.Clone(), p.sequence, true
}

// Snapshot returns a private copy of the current frame
func (p *Publisher) Snapshot() (gocv.Mat, bool) {
	frame, _, ok := p.Latest()
	return frame, ok
}

// Sequence returns the number of frames published so far
func (p *Publisher) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// LastUpdate returns when the current frame was published
func (p *Publisher) LastUpdate() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated
}

// Wait blocks until the first frame is published or ctx is done
func (p *Publisher) Wait(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the stored frame. Later publishes are dropped.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.has {
		p.frame.Close()
		p.has = false
	}
	return nil
}
