package record

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeEncoderScript stands in for ffmpeg: it drains stdin, then writes its
// whole output only after stdin reaches EOF. This is the worst case for
// Finalize, which must read that tail before reaping the process.
const fakeEncoderScript = `#!/bin/sh
cat >/dev/null
dd if=/dev/zero bs=1024 count=256 2>/dev/null
`

const fakeEncoderOutput = 256 * 1024

func TestFFmpegEncoder_FinalizeDrainsTail(t *testing.T) {
	script := filepath.Join(t.TempDir(), "encoder.sh")
	if err := os.WriteFile(script, []byte(fakeEncoderScript), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	enc := &FFmpegEncoder{FPS: 30, Log: zap.NewNop(), binary: script}
	ch, err := enc.Start(fakeFrames{}, nil)
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	var total int
	received := make(chan struct{})
	go func() {
		defer close(received)
		for chunk := range ch {
			total += len(chunk)
		}
	}()

	// Let a few frames flow before sealing.
	time.Sleep(100 * time.Millisecond)

	if err := enc.Finalize(); err != nil {
		t.Fatalf("unexpected finalize error: %v", err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("chunk channel never closed")
	}

	if total != fakeEncoderOutput {
		t.Fatalf("tail lost: received %d of %d bytes", total, fakeEncoderOutput)
	}
}

func TestFFmpegEncoder_FinalizeWithoutStart(t *testing.T) {
	enc := &FFmpegEncoder{Log: zap.NewNop()}
	if err := enc.Finalize(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
