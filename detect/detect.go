// Package detect wraps the face detection capability consumed by the
// detection loop. The loop treats it as a black box: it hands over a frame
// and gets back a set of regions, or an empty result when the detector is
// not ready, busy, or failing.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrModelLoad means the cascade file could not be loaded. Detection stays
// permanently unavailable; the rest of the application keeps working.
var ErrModelLoad = errors.New("detect: cascade model failed to load")

// Region is one detected face rectangle in the coordinate space of the
// frame the detector saw.
type Region struct {
	Rect       image.Rectangle
	Confidence float64
}

// Result is the outcome of a single detection call. Immutable once produced.
type Result struct {
	Regions   []Region
	RefWidth  int // width of the frame the regions refer to
	RefHeight int
	At        time.Time
	Skipped   bool // true when the call was dropped because one was in flight
}

// Empty reports whether the result carries no regions.
func (r Result) Empty() bool {
	return len(r.Regions) == 0
}

// ScaleTo maps the regions into a w×h display space. Results produced at a
// different resolution than the composite surface are rescaled before
// drawing.
func (r Result) ScaleTo(w, h int) []Region {
	if r.Empty() || r.RefWidth <= 0 || r.RefHeight <= 0 {
		return nil
	}
	if w == r.RefWidth && h == r.RefHeight {
		return r.Regions
	}
	sx := float64(w) / float64(r.RefWidth)
	sy := float64(h) / float64(r.RefHeight)
	out := make([]Region, len(r.Regions))
	for i, reg := range r.Regions {
		out[i] = Region{
			Rect: image.Rect(
				int(float64(reg.Rect.Min.X)*sx),
				int(float64(reg.Rect.Min.Y)*sy),
				int(float64(reg.Rect.Max.X)*sx),
				int(float64(reg.Rect.Max.Y)*sy),
			),
			Confidence: reg.Confidence,
		}
	}
	return out
}

// Detector is the detection capability the loop consumes.
type Detector interface {
	Ready() bool
	DetectAll(ctx context.Context, frame gocv.Mat) (Result, error)
}

// Capability is a Detector that needs asynchronous initialization before it
// reports ready.
type Capability interface {
	Detector
	Initialize() error
}

// Cascade runs a Haar cascade classifier over downscaled grayscale frames.
// Calls overlapping an in-flight detection are skipped rather than queued,
// so the caller never builds a backlog when detection is slower than its
// tick interval.
type Cascade struct {
	path    string
	scale   float64
	minSize int
	log     *zap.Logger

	ready atomic.Bool
	busy  atomic.Bool

	mu         sync.Mutex // guards classifier and the working mats
	classifier gocv.CascadeClassifier
	clahe      gocv.CLAHE
	gray       gocv.Mat
	small      gocv.Mat
}

// NewCascade returns an uninitialized cascade detector. It reports not ready
// until Initialize succeeds.
func NewCascade(path string, scale float64, minSize int, log *zap.Logger) *Cascade {
	if scale <= 0 || scale > 1 {
		scale = 1
	}
	if minSize <= 0 {
		minSize = 30
	}
	return &Cascade{path: path, scale: scale, minSize: minSize, log: log}
}

// Initialize loads the cascade file. Failure is permanent: the detector
// stays in degraded mode and every DetectAll returns an empty result.
func (c *Cascade) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready.Load() {
		return nil
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(c.path) {
		classifier.Close()
		return fmt.Errorf("%w: %s", ErrModelLoad, c.path)
	}
	c.classifier = classifier
	c.clahe = gocv.NewCLAHEWithParams(2.0, image.Pt(8, 8))
	c.gray = gocv.NewMat()
	c.small = gocv.NewMat()
	c.ready.Store(true)
	c.log.Info("cascade loaded", zap.String("path", c.path))
	return nil
}

func (c *Cascade) Ready() bool {
	return c.ready.Load()
}

// DetectAll runs one detection over the frame. Not-ready and in-flight
// conditions yield an empty result, never an error: detection is best-effort
// and must not fail the loop.
func (c *Cascade) DetectAll(ctx context.Context, frame gocv.Mat) (Result, error) {
	now := time.Now()
	if !c.ready.Load() || frame.Empty() {
		return Result{At: now}, nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return Result{At: now, Skipped: true}, nil
	}
	defer c.busy.Store(false)

	if err := ctx.Err(); err != nil {
		return Result{At: now}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, h := frame.Cols(), frame.Rows()

	// BGR -> gray -> light denoise -> CLAHE, then downscale for the detector.
	gocv.CvtColor(frame, &c.gray, gocv.ColorBGRToGray)
	gocv.GaussianBlur(c.gray, &c.gray, image.Pt(5, 5), 0, 0, gocv.BorderDefault)
	c.clahe.Apply(c.gray, &c.gray)

	if c.scale != 1.0 {
		dw := int(float64(w) * c.scale)
		dh := int(float64(h) * c.scale)
		gocv.Resize(c.gray, &c.small, image.Pt(dw, dh), 0, 0, gocv.InterpolationArea)
	} else {
		c.gray.CopyTo(&c.small)
	}

	rects := c.classifier.DetectMultiScaleWithParams(
		c.small,
		1.1, 5, 0,
		image.Pt(c.minSize, c.minSize), image.Pt(0, 0),
	)

	inv := 1.0 / c.scale
	regions := make([]Region, 0, len(rects))
	for _, r := range rects {
		regions = append(regions, Region{
			Rect: image.Rect(
				int(float64(r.Min.X)*inv),
				int(float64(r.Min.Y)*inv),
				int(float64(r.Max.X)*inv),
				int(float64(r.Max.Y)*inv),
			),
			// Haar cascades do not score hits; every surviving rectangle
			// already cleared the minNeighbors vote.
			Confidence: 1.0,
		})
	}

	return Result{Regions: regions, RefWidth: w, RefHeight: h, At: now}, nil
}

// Close releases the classifier and working buffers. Not safe to call while
// a detection is in flight.
func (c *Cascade) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready.Swap(false) {
		return
	}
	c.classifier.Close()
	c.clahe.Close()
	c.gray.Close()
	c.small.Close()
}
