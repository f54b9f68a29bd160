package record

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n0remac/facecam/camera"
)

const chunkSize = 32 * 1024

// FFmpegEncoder pipes raw BGR surface frames into an ffmpeg process that
// muxes VP8 (+Opus when an audio track is supplied) into WebM on stdout.
// Output is handed back in chunks as it is produced.
type FFmpegEncoder struct {
	FPS     int
	Bitrate string
	Log     *zap.Logger

	binary string // test seam; empty means "ffmpeg"

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stop    chan struct{}
	drained chan struct{}
	wg      sync.WaitGroup
}

func (e *FFmpegEncoder) Start(frames FrameProvider, audio *camera.AudioTrack) (<-chan []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return nil, errors.New("encoder already running")
	}

	// The surface dictates the encode dimensions; wait for the first render.
	w, h, err := waitForSize(frames, 2*time.Second)
	if err != nil {
		return nil, err
	}

	fps := e.FPS
	if fps <= 0 {
		fps = 30
	}
	bitrate := e.Bitrate
	if bitrate == "" {
		bitrate = "1M"
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "rawvideo", "-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprint(fps),
		"-i", "pipe:0",
	}
	if audio != nil {
		args = append(args, "-f", audio.Driver, "-i", audio.Device)
	}
	args = append(args,
		"-c:v", "libvpx", "-b:v", bitrate,
		"-deadline", "realtime", "-cpu-used", "8",
	)
	if audio != nil {
		args = append(args, "-c:a", "libopus", "-shortest")
	}
	args = append(args, "-f", "webm", "pipe:1")

	bin := e.binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	e.Log.Info("encoder started",
		zap.Int("width", w), zap.Int("height", h),
		zap.Int("fps", fps), zap.Bool("audio", audio != nil))

	stop := make(chan struct{})
	drained := make(chan struct{})
	e.cmd = cmd
	e.stdin = stdin
	e.stop = stop
	e.drained = drained

	// Pump surface snapshots at the encode frame rate.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				data, fw, fh, ok := frames.Snapshot()
				if !ok || fw != w || fh != h {
					// Surface resized mid-recording; hold the last frame
					// timing rather than corrupt the raw stream.
					continue
				}
				if _, err := stdin.Write(data); err != nil {
					return
				}
			}
		}
	}()

	ch := make(chan []byte, 32)
	go func() {
		defer close(drained)
		defer close(ch)
		buf := make([]byte, chunkSize)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				ch <- chunk
			}
			if err != nil {
				return
			}
		}
	}()
	return ch, nil
}

// Finalize stops the frame pump, closes the raw input so ffmpeg flushes its
// buffers, and waits for the process to exit. The chunk channel closes once
// stdout reaches EOF.
func (e *FFmpegEncoder) Finalize() error {
	e.mu.Lock()
	cmd := e.cmd
	stdin := e.stdin
	stop := e.stop
	drained := e.drained
	e.cmd = nil
	e.stdin = nil
	e.stop = nil
	e.drained = nil
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}

	close(stop)
	e.wg.Wait()
	if err := stdin.Close(); err != nil {
		e.Log.Warn("encoder stdin close", zap.Error(err))
	}
	// cmd.Wait closes the stdout pipe's read side; the container tail ffmpeg
	// writes on flush must be fully read before that happens.
	<-drained
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("encoder exit: %w", err)
	}
	return nil
}

func waitForSize(frames FrameProvider, timeout time.Duration) (int, int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if _, w, h, ok := frames.Snapshot(); ok {
			return w, h, nil
		}
		if time.Now().After(deadline) {
			return 0, 0, errors.New("no surface frames available")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
