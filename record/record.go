// Package record captures the composite surface plus the borrowed audio
// track into an encoded WebM artifact. The encoder is a capability of the
// platform (an ffmpeg process in production); the session only manages the
// chunk buffer and the sealing of the final artifact.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n0remac/facecam/camera"
)

var (
	// ErrEncoder wraps unexpected encoder failures. The session returns to
	// idle rather than sealing a corrupt artifact.
	ErrEncoder = errors.New("record: encoder failure")
	// ErrNotRecording is returned by End when no recording is active.
	ErrNotRecording = errors.New("record: no active recording")
)

// FrameProvider supplies BGR snapshots of the surface being recorded.
type FrameProvider interface {
	Snapshot() (data []byte, w, h int, ok bool)
}

// Encoder turns surface frames plus an optional audio track into a stream of
// encoded container chunks. The returned channel is closed once the encoder
// has flushed everything after Finalize.
type Encoder interface {
	Start(frames FrameProvider, audio *camera.AudioTrack) (<-chan []byte, error)
	Finalize() error
}

// Artifact is the sealed, immutable output of one completed recording.
type Artifact struct {
	ID        uuid.UUID
	Name      string
	MIME      string
	Data      []byte
	CreatedAt time.Time
}

type state int

const (
	stateIdle state = iota
	stateRecording
	stateSealed
)

// Session accumulates encoder output chunks and seals them into a single
// artifact. The buffer is empty until the first chunk arrives, append-only
// while recording, and sealed exactly once per recording; a new Begin
// discards it.
type Session struct {
	enc Encoder
	log *zap.Logger

	mu       sync.Mutex
	state    state
	chunks   [][]byte
	artifact *Artifact
	drained  chan struct{}
}

func NewSession(enc Encoder, log *zap.Logger) *Session {
	return &Session{enc: enc, log: log}
}

func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRecording
}

// ChunkCount returns the number of chunks buffered so far.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// Artifact returns the most recently sealed artifact, or nil. A later Begin
// supersedes it here, but the value itself stays valid for any holder.
func (s *Session) Artifact() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

// Begin opens the encoder against the surface stream and the borrowed audio
// track and starts buffering chunks. A nil audio track records video-only;
// that is not a failure. Begin while already recording is a no-op.
func (s *Session) Begin(frames FrameProvider, audio *camera.AudioTrack) error {
	s.mu.Lock()
	if s.state == stateRecording {
		s.mu.Unlock()
		return nil
	}
	s.state = stateRecording
	s.chunks = nil
	drained := make(chan struct{})
	s.drained = drained
	s.mu.Unlock()

	ch, err := s.enc.Start(frames, audio)
	if err != nil {
		s.mu.Lock()
		s.state = stateIdle
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrEncoder, err)
	}
	go s.collect(ch, drained)
	s.log.Info("recording started", zap.Bool("audio", audio != nil))
	return nil
}

// End finalizes the encoder, drains the remaining chunks, and seals the
// buffer into one immutable artifact.
func (s *Session) End() (*Artifact, error) {
	s.mu.Lock()
	if s.state != stateRecording {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}
	drained := s.drained
	s.mu.Unlock()

	if err := s.enc.Finalize(); err != nil {
		s.mu.Lock()
		s.state = stateIdle
		s.chunks = nil
		// Detach the collector: anything the dead encoder still emits is
		// drained and discarded, never appended to an idle session.
		s.drained = nil
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrEncoder, err)
	}
	<-drained

	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	for _, c := range s.chunks {
		buf.Write(c)
	}
	now := time.Now()
	art := &Artifact{
		ID:        uuid.New(),
		Name:      fmt.Sprintf("recording-%s.webm", now.Format("20060102-150405")),
		MIME:      "video/webm",
		Data:      buf.Bytes(),
		CreatedAt: now,
	}
	s.artifact = art
	s.state = stateSealed
	s.log.Info("recording sealed",
		zap.String("name", art.Name),
		zap.Int("chunks", len(s.chunks)),
		zap.Int("bytes", len(art.Data)))
	return art, nil
}

func (s *Session) collect(ch <-chan []byte, drained chan struct{}) {
	defer close(drained)
	for chunk := range ch {
		if len(chunk) == 0 {
			continue
		}
		s.mu.Lock()
		if s.drained == drained {
			s.chunks = append(s.chunks, chunk)
		}
		s.mu.Unlock()
	}
}
