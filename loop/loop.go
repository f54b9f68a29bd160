// Package loop drives the detect/render cycle at a fixed cadence,
// independent of the camera frame rate. Detector latency is usually higher
// than the display rate, so detection runs fire-and-forget: a tick renders
// with the most recently completed result and never waits for the call it
// just dispatched.
package loop

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/n0remac/facecam/detect"
)

// DefaultInterval is the detection cadence used when none is configured.
const DefaultInterval = 100 * time.Millisecond

// Source provides live frames. Frame returns a caller-owned mat; Done is
// closed when the capture ends, which stops the loop automatically.
type Source interface {
	Live() bool
	Frame() (gocv.Mat, bool)
	Done() <-chan struct{}
}

// Renderer consumes a frame plus the latest completed detections.
type Renderer interface {
	Render(frame gocv.Mat, det detect.Result)
}

// Loop is the periodic detection scheduler. States: stopped (task == nil)
// and running.
type Loop struct {
	interval time.Duration
	src      Source
	det      detect.Detector
	renderer Renderer
	log      *zap.Logger

	mu   sync.Mutex
	task *task
	last detect.Result
}

func New(src Source, det detect.Detector, renderer Renderer, interval time.Duration, log *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		interval: interval,
		src:      src,
		det:      det,
		renderer: renderer,
		log:      log,
	}
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.task != nil
}

// Start begins the periodic tick. Only one schedule can be active: starting
// a running loop is a no-op, so repeated video-ready events cannot stack
// timers.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.task != nil {
		l.mu.Unlock()
		return
	}
	t := newTask(l.interval, l.tick)
	l.task = t
	done := l.src.Done()
	l.mu.Unlock()

	go func() {
		select {
		case <-done:
			l.Stop()
		case <-t.stop:
		}
	}()
	l.log.Debug("detection loop started", zap.Duration("interval", l.interval))
}

// Stop cancels the pending schedule. Idempotent: stopping a stopped loop is
// a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	t := l.task
	l.task = nil
	l.mu.Unlock()
	if t == nil {
		return
	}
	t.Stop()
	l.log.Debug("detection loop stopped")
}

// Last returns the most recently completed detection result.
func (l *Loop) Last() detect.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func (l *Loop) tick() {
	if !l.src.Live() {
		return
	}
	frame, ok := l.src.Frame()
	if !ok {
		return
	}

	l.mu.Lock()
	last := l.last
	l.mu.Unlock()

	// Render first with the last completed result, then hand the frame to
	// the detector. The compositor copies the frame, so the detector can
	// keep it; it owns the mat from here and closes it when done.
	l.renderer.Render(frame, last)

	go func() {
		defer frame.Close()
		res, err := l.det.DetectAll(context.Background(), frame)
		if err != nil {
			// Transient detect failures keep the loop alive.
			l.log.Debug("detect failed", zap.Error(err))
			return
		}
		if res.Skipped {
			return
		}
		l.mu.Lock()
		l.last = res
		l.mu.Unlock()
	}()
}
