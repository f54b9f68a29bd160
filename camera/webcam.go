package camera

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Webcam opens the local capture device through OpenCV. Audio is not read by
// this process: when requested, the stream carries a descriptor the encoder
// uses to open the capture input itself.
type Webcam struct {
	VideoDevice string // index ("0") or path ("/dev/video0")
	AudioDriver string
	AudioDevice string
}

func (w *Webcam) Open(c Constraints) (*Stream, error) {
	if err := classifyDeviceAccess(w.VideoDevice); err != nil {
		return nil, err
	}

	var src interface{} = w.VideoDevice
	if n, err := strconv.Atoi(w.VideoDevice); err == nil {
		src = n
	}
	cap, err := gocv.OpenVideoCapture(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, w.VideoDevice)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	if c.FPS > 0 {
		cap.Set(gocv.VideoCaptureFPS, float64(c.FPS))
	}

	st := &Stream{Video: &webcamTrack{cap: cap}}
	if c.Audio && w.AudioDevice != "" {
		st.Audio = &AudioTrack{Driver: w.AudioDriver, Device: w.AudioDevice}
	}
	return st, nil
}

// classifyDeviceAccess distinguishes a permission problem from a missing
// device before OpenCV swallows the errno. Only possible for path devices.
func classifyDeviceAccess(device string) error {
	if !strings.HasPrefix(device, "/") {
		return nil
	}
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err == nil {
		f.Close()
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, device)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNoDevice, device)
	}
	return nil
}

type webcamTrack struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	closed bool
}

// Read retries a handful of empty grabs before reporting the track dead;
// cameras routinely deliver a few bad frames right after opening.
func (t *webcamTrack) Read() (gocv.Mat, bool) {
	for attempt := 0; attempt < 30; attempt++ {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return gocv.Mat{}, false
		}
		mat := gocv.NewMat()
		ok := t.cap.Read(&mat)
		t.mu.Unlock()
		if ok && !mat.Empty() {
			return mat, true
		}
		mat.Close()
		time.Sleep(20 * time.Millisecond)
	}
	return gocv.Mat{}, false
}

func (t *webcamTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.cap.Close()
}
