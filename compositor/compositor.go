// Package compositor owns the composite surface: the raster target that
// combines the raw camera frame with the detection overlay. The surface is
// overwritten on every render tick and is the source of both the recorded
// stream and the live preview.
package compositor

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"github.com/n0remac/facecam/detect"
)

var boxColor = color.RGBA{G: 255, A: 255}

const boxThickness = 3

// Surface is a mutable raster buffer. Render overwrites it; Snapshot copies
// it out. Render has a single writer (the detection loop tick); Snapshot may
// be called concurrently by the recorder and preview pumps.
type Surface struct {
	mu   sync.Mutex
	mat  gocv.Mat
	w, h int
}

func NewSurface() *Surface {
	return &Surface{mat: gocv.NewMat()}
}

// Render overwrites the surface with the frame and strokes each detection
// rectangle on top, rescaled from the detector's reference space. A stale
// result from an earlier tick is fine: last-known boxes beat no boxes while
// a new detection is still in flight.
func (s *Surface) Render(frame gocv.Mat, det detect.Result) {
	if frame.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// CopyTo resizes the surface to the frame and replaces all prior content.
	frame.CopyTo(&s.mat)
	s.w, s.h = frame.Cols(), frame.Rows()

	for _, reg := range det.ScaleTo(s.w, s.h) {
		gocv.Rectangle(&s.mat, reg.Rect, boxColor, boxThickness)
		if reg.Confidence > 0 && reg.Confidence < 1 {
			gocv.PutText(&s.mat,
				fmt.Sprintf("%.2f", reg.Confidence),
				image.Pt(reg.Rect.Min.X, reg.Rect.Min.Y-6),
				gocv.FontHersheyPlain, 1.2, boxColor, 2)
		}
	}
}

// Snapshot returns a copy of the current surface as raw BGR bytes plus its
// dimensions. ok is false until the first render.
func (s *Surface) Snapshot() (data []byte, w, h int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == 0 || s.h == 0 || s.mat.Empty() {
		return nil, 0, 0, false
	}
	return s.mat.ToBytes(), s.w, s.h, true
}

// Size returns the current surface dimensions (zero before the first render).
func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w, s.h
}

func (s *Surface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mat.Close()
	s.w, s.h = 0, 0
}
