package record

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/n0remac/facecam/camera"
)

type fakeFrames struct{}

func (fakeFrames) Snapshot() ([]byte, int, int, bool) {
	return make([]byte, 640*480*3), 640, 480, true
}

// fakeEncoder hands chunk emission to the test.
type fakeEncoder struct {
	mu       sync.Mutex
	ch       chan []byte
	startErr error
	finalErr error
	audio    *camera.AudioTrack
	starts   int
}

func (e *fakeEncoder) Start(frames FrameProvider, audio *camera.AudioTrack) (<-chan []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.starts++
	e.audio = audio
	e.ch = make(chan []byte, 16)
	return e.ch, nil
}

func (e *fakeEncoder) Finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalErr != nil {
		return e.finalErr
	}
	close(e.ch)
	return nil
}

func (e *fakeEncoder) emit(chunk []byte) {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	ch <- chunk
}

func TestSession_BufferEmptyAfterBegin(t *testing.T) {
	enc := &fakeEncoder{}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	if s.ChunkCount() != 0 {
		t.Errorf("expected empty buffer after begin, got %d chunks", s.ChunkCount())
	}
	if !s.Recording() {
		t.Error("session must be recording after begin")
	}
}

func TestSession_SealConcatenatesChunksInOrder(t *testing.T) {
	enc := &fakeEncoder{}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}

	chunks := [][]byte{
		bytes.Repeat([]byte{0xAA}, 100),
		bytes.Repeat([]byte{0xBB}, 200),
		bytes.Repeat([]byte{0xCC}, 150),
	}
	for _, c := range chunks {
		enc.emit(c)
	}

	art, err := s.End()
	if err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if len(art.Data) != 450 {
		t.Fatalf("expected sealed artifact of 450 bytes, got %d", len(art.Data))
	}
	want := bytes.Join(chunks, nil)
	if !bytes.Equal(art.Data, want) {
		t.Error("sealed artifact is not the byte-for-byte concatenation of its chunks")
	}
	if art.Name == "" || art.MIME != "video/webm" {
		t.Errorf("unexpected artifact metadata: name=%q mime=%q", art.Name, art.MIME)
	}
	if s.Recording() {
		t.Error("session must not be recording after seal")
	}
}

func TestSession_EmptyChunksIgnored(t *testing.T) {
	enc := &fakeEncoder{}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	enc.emit(nil)
	enc.emit([]byte{1, 2, 3})

	art, err := s.End()
	if err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if len(art.Data) != 3 {
		t.Errorf("expected 3 bytes, got %d", len(art.Data))
	}
}

func TestSession_EndWithoutBegin(t *testing.T) {
	s := NewSession(&fakeEncoder{}, zap.NewNop())

	if _, err := s.End(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("expected ErrNotRecording, got %v", err)
	}
}

func TestSession_BeginAfterSealedResets(t *testing.T) {
	enc := &fakeEncoder{}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	enc.emit([]byte{1, 2, 3, 4})
	first, err := s.End()
	if err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected second begin error: %v", err)
	}
	if s.ChunkCount() != 0 {
		t.Error("a new recording must discard the previous buffer")
	}
	enc.emit([]byte{9})
	second, err := s.End()
	if err != nil {
		t.Fatalf("unexpected second end error: %v", err)
	}

	// Latest-wins: the session now exposes the new artifact, but the old
	// value stays intact for anyone still holding it.
	if s.Artifact() != second {
		t.Error("session must expose the latest artifact")
	}
	if len(first.Data) != 4 {
		t.Errorf("previous artifact mutated: %d bytes", len(first.Data))
	}
	if first.ID == second.ID {
		t.Error("artifacts must have distinct identifiers")
	}
}

func TestSession_EncoderStartFailure(t *testing.T) {
	enc := &fakeEncoder{startErr: errors.New("boom")}
	s := NewSession(enc, zap.NewNop())

	err := s.Begin(fakeFrames{}, nil)
	if !errors.Is(err, ErrEncoder) {
		t.Fatalf("expected ErrEncoder, got %v", err)
	}
	if s.Recording() {
		t.Error("session must return to idle after an encoder failure")
	}
}

func TestSession_EncoderFinalizeFailure(t *testing.T) {
	enc := &fakeEncoder{finalErr: errors.New("flush failed")}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	enc.emit([]byte{1})

	_, err := s.End()
	if !errors.Is(err, ErrEncoder) {
		t.Fatalf("expected ErrEncoder, got %v", err)
	}
	// No corrupt sealed state: nothing retrievable, session idle.
	if s.Artifact() != nil {
		t.Error("failed recording must not expose an artifact")
	}
	if s.Recording() {
		t.Error("session must be idle after a finalize failure")
	}

	// Late chunks from the dead encoder must not accumulate in the idle
	// session.
	enc.emit([]byte{7, 7, 7})
	time.Sleep(50 * time.Millisecond)
	if s.ChunkCount() != 0 {
		t.Errorf("late chunk leaked into idle session, count %d", s.ChunkCount())
	}

	// A fresh recording after the failure stays clean of the old stream.
	enc.finalErr = nil
	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	enc.emit([]byte{1})
	art, err := s.End()
	if err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
	if len(art.Data) != 1 {
		t.Errorf("expected 1 byte from the new recording, got %d", len(art.Data))
	}
}

func TestSession_VideoOnlyRecording(t *testing.T) {
	enc := &fakeEncoder{}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("video-only begin must succeed: %v", err)
	}
	if enc.audio != nil {
		t.Error("encoder must receive a nil audio track")
	}
	enc.emit([]byte{5, 5})
	if _, err := s.End(); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
}

func TestSession_BeginWhileRecordingIsNoOp(t *testing.T) {
	enc := &fakeEncoder{}
	s := NewSession(enc, zap.NewNop())

	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected begin error: %v", err)
	}
	if err := s.Begin(fakeFrames{}, nil); err != nil {
		t.Fatalf("unexpected second begin error: %v", err)
	}
	if enc.starts != 1 {
		t.Errorf("expected exactly 1 encoder start, got %d", enc.starts)
	}
	enc.emit([]byte{1})
	if _, err := s.End(); err != nil {
		t.Fatalf("unexpected end error: %v", err)
	}
}
