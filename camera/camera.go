// Package camera owns the camera-originated media stream. A Source holds at
// most one active Stream at a time; its tracks are released on Stop and
// never by borrowers such as the recorder.
package camera

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	// ErrPermissionDenied means the capture device exists but access was
	// refused. Retryable by starting the camera again.
	ErrPermissionDenied = errors.New("camera: permission denied")
	// ErrNoDevice means no usable capture device was found.
	ErrNoDevice = errors.New("camera: no capture device found")
)

// Constraints describe the stream requested from the capture device.
type Constraints struct {
	Width  int
	Height int
	FPS    int
	Audio  bool
}

// AudioTrack identifies a capture-device audio input. Borrowers (the
// recorder) pass this descriptor to their encoder; they never own or stop
// the underlying device.
type AudioTrack struct {
	Driver string // e.g. "alsa"
	Device string // e.g. "default"
}

// VideoTrack delivers frames from an open capture device. Read returns a
// caller-owned mat; false means the track has ended.
type VideoTrack interface {
	Read() (gocv.Mat, bool)
	Close() error
}

// Stream is the ownership-bearing handle to the live tracks. Audio is nil
// when no audio was granted; the stream is then video-only.
type Stream struct {
	Video VideoTrack
	Audio *AudioTrack
}

// Device opens media streams against hardware.
type Device interface {
	Open(c Constraints) (*Stream, error)
}

// Source manages the lifecycle of the active stream and keeps the most
// recent frame for the detection loop.
type Source struct {
	dev  Device
	cons Constraints
	log  *zap.Logger

	mu        sync.Mutex
	stream    *Stream
	done      chan struct{}
	latest    gocv.Mat
	haveFrame bool
}

func NewSource(dev Device, cons Constraints, log *zap.Logger) *Source {
	return &Source{dev: dev, cons: cons, log: log}
}

// Start opens the device and begins pumping frames. Starting an active
// source is a no-op; only one stream is permitted at a time. Open may block
// on a permission grant, so the caller's context bounds the wait.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stream != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	type opened struct {
		st  *Stream
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		st, err := s.dev.Open(s.cons)
		ch <- opened{st, err}
	}()

	var st *Stream
	select {
	case <-ctx.Done():
		// Release the stream if the grant arrives after we gave up.
		go func() {
			if o := <-ch; o.st != nil {
				o.st.Video.Close()
			}
		}()
		return ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return o.err
		}
		st = o.st
	}

	s.mu.Lock()
	if s.stream != nil {
		s.mu.Unlock()
		st.Video.Close()
		return nil
	}
	s.stream = st
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go s.pump(st.Video, done)
	s.log.Info("capture started",
		zap.Int("width", s.cons.Width),
		zap.Int("height", s.cons.Height),
		zap.Bool("audio", st.Audio != nil))
	return nil
}

// Stop releases all tracks and drops the buffered frame. Idempotent.
func (s *Source) Stop() {
	s.mu.Lock()
	st := s.stream
	done := s.done
	s.stream = nil
	s.done = nil
	if s.haveFrame {
		s.latest.Close()
		s.haveFrame = false
	}
	s.mu.Unlock()
	if st == nil {
		return
	}
	close(done)
	if err := st.Video.Close(); err != nil {
		s.log.Warn("video track close", zap.Error(err))
	}
	s.log.Info("capture stopped")
}

func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Live reports whether the source is active; the detection loop skips ticks
// while this is false.
func (s *Source) Live() bool {
	return s.Active()
}

// Done returns a channel closed when the current stream ends. A source that
// was never started reports an already-ended stream.
func (s *Source) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return closedChan
	}
	return s.done
}

// Frame returns a copy of the most recent frame. The caller owns the mat.
func (s *Source) Frame() (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveFrame {
		return gocv.Mat{}, false
	}
	return s.latest.Clone(), true
}

// AudioTrack returns the active stream's audio descriptor, or nil when the
// stream is video-only or inactive.
func (s *Source) AudioTrack() *AudioTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	return s.stream.Audio
}

func (s *Source) pump(v VideoTrack, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		mat, ok := v.Read()
		if !ok {
			// Device ended on its own; tear down so the loop stops too.
			s.Stop()
			return
		}
		s.mu.Lock()
		if s.done != done {
			// Stopped while we were reading.
			s.mu.Unlock()
			mat.Close()
			return
		}
		if s.haveFrame {
			s.latest.Close()
		}
		s.latest = mat
		s.haveFrame = true
		s.mu.Unlock()
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
