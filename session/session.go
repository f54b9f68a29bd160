// Package session orchestrates the capture/detect/record lifecycle. The
// Controller is the only entry point the UI layer calls; every operation
// guards its own preconditions and invalid calls are silent no-ops.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/n0remac/facecam/camera"
	"github.com/n0remac/facecam/detect"
	"github.com/n0remac/facecam/loop"
	"github.com/n0remac/facecam/record"
)

// State is the session lifecycle. Transitions are strictly linear except
// the CameraOn/Recording/Recorded cycle: stopping a recording returns to a
// camera-on state, not to Idle.
type State int

const (
	Idle State = iota
	ModelsLoading
	CameraOn
	Recording
	Recorded
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ModelsLoading:
		return "ModelsLoading"
	case CameraOn:
		return "CameraOn"
	case Recording:
		return "Recording"
	case Recorded:
		return "Recorded"
	}
	return "Unknown"
}

// Snapshot is the externally visible session state pushed to the UI.
type Snapshot struct {
	State         State
	DetectorReady bool
	Message       string // persistent user-facing error, empty when healthy
	ArtifactName  string // set once a sealed artifact exists
}

// Controller drives state transitions and owns the session context. There
// are no package globals: everything the UI needs lives here.
type Controller struct {
	detector detect.Capability
	source   *camera.Source
	loop     *loop.Loop
	frames   record.FrameProvider
	rec      *record.Session
	log      *zap.Logger

	// OnChange, when set before Start, receives a snapshot after every
	// state transition.
	OnChange func(Snapshot)

	op sync.Mutex // serializes operations

	mu       sync.Mutex // guards the fields below
	state    State
	ready    bool
	message  string
	artifact *record.Artifact
}

func NewController(det detect.Capability, src *camera.Source, lp *loop.Loop, frames record.FrameProvider, rec *record.Session, log *zap.Logger) *Controller {
	return &Controller{
		detector: det,
		source:   src,
		loop:     lp,
		frames:   frames,
		rec:      rec,
		log:      log,
		state:    Idle,
	}
}

// Start kicks off detector initialization in the background. Camera start
// stays unavailable until the detector reports ready; a load failure is a
// permanent degraded mode surfaced as a persistent message.
func (c *Controller) Start() {
	c.setState(ModelsLoading)
	go func() {
		err := c.detector.Initialize()
		c.mu.Lock()
		c.state = Idle
		if err != nil {
			c.message = "face detection model failed to load; camera unavailable"
			c.log.Error("detector init", zap.Error(err))
		} else {
			c.ready = true
		}
		c.mu.Unlock()
		c.notify()
	}()
}

// Snapshot returns the current externally visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		State:         c.state,
		DetectorReady: c.ready,
		Message:       c.message,
	}
	if c.artifact != nil {
		snap.ArtifactName = c.artifact.Name
	}
	return snap
}

// Artifact returns the last sealed recording, or nil.
func (c *Controller) Artifact() *record.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifact
}

// StartCamera opens the capture stream and starts the detection loop. No-op
// unless the session is idle and the detector is ready. A capture failure
// leaves the state unchanged and surfaces a retryable message.
func (c *Controller) StartCamera(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != Idle || !c.ready {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.source.Start(ctx); err != nil {
		msg := "camera unavailable"
		switch {
		case errors.Is(err, camera.ErrPermissionDenied):
			msg = "camera permission denied"
		case errors.Is(err, camera.ErrNoDevice):
			msg = "no camera device found"
		}
		c.mu.Lock()
		c.message = msg
		c.mu.Unlock()
		c.log.Warn("camera start failed", zap.Error(err))
		c.notify()
		return err
	}

	c.loop.Start()
	streamDone := c.source.Done()
	c.mu.Lock()
	c.state = CameraOn
	c.message = ""
	c.mu.Unlock()
	go c.watchSource(streamDone)
	c.notify()
	return nil
}

// watchSource reconciles the session when the capture ends on its own
// (device unplugged, driver failure): any active recording is sealed, the
// loop stops, and the state drops back to Idle with a visible message. A
// stop through StopCamera closes the same channel, but by the time this
// watcher gets the operation lock the state is already Idle and it bows out.
func (c *Controller) watchSource(streamDone <-chan struct{}) {
	<-streamDone

	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state == Idle || c.state == ModelsLoading {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.stopRecordingLocked()
	c.loop.Stop()
	c.source.Stop()
	c.mu.Lock()
	c.state = Idle
	c.message = "camera stopped unexpectedly"
	c.mu.Unlock()
	c.log.Warn("capture ended outside a stop request")
	c.notify()
}

// StartRecording begins capturing the composite surface plus the borrowed
// audio track. No-op unless the camera is on; a fresh recording supersedes
// any previously sealed artifact.
func (c *Controller) StartRecording() error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.state != CameraOn && c.state != Recorded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.rec.Begin(c.frames, c.source.AudioTrack()); err != nil {
		c.mu.Lock()
		c.message = "recording failed to start"
		c.mu.Unlock()
		c.log.Error("recording begin", zap.Error(err))
		c.notify()
		return err
	}
	c.mu.Lock()
	c.state = Recording
	c.message = ""
	c.mu.Unlock()
	c.notify()
	return nil
}

// StopRecording seals the buffer into a downloadable artifact. No-op unless
// a recording is active. An encoder failure returns the session to a
// camera-on state rather than exposing a corrupt artifact.
func (c *Controller) StopRecording() error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.stopRecordingLocked()
}

func (c *Controller) stopRecordingLocked() error {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	art, err := c.rec.End()
	c.mu.Lock()
	if err != nil {
		c.state = CameraOn
		c.message = "recording failed; nothing was saved"
		c.mu.Unlock()
		c.log.Error("recording end", zap.Error(err))
		c.notify()
		return err
	}
	c.artifact = art
	c.state = Recorded
	c.message = ""
	c.mu.Unlock()
	c.notify()
	return nil
}

// StopCamera stops any active recording, cancels the detection loop, and
// releases the stream's tracks. The last sealed artifact stays retrievable.
func (c *Controller) StopCamera() {
	c.op.Lock()
	defer c.op.Unlock()

	c.stopRecordingLocked()

	c.mu.Lock()
	if c.state == Idle || c.state == ModelsLoading {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.loop.Stop()
	c.source.Stop()
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	c.notify()
}

// Shutdown is the process-teardown path: no pending tick, no live tracks,
// no dangling timers.
func (c *Controller) Shutdown() {
	c.StopCamera()
	if cl, ok := c.detector.(interface{ Close() }); ok {
		cl.Close()
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	if c.OnChange != nil {
		c.OnChange(c.Snapshot())
	}
}
