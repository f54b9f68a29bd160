package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/n0remac/facecam/detect"
)

type fakeSource struct {
	mu      sync.Mutex
	live    bool
	frames  bool
	done    chan struct{}
	reads   int
}

func newFakeSource(live, frames bool) *fakeSource {
	return &fakeSource{live: live, frames: frames, done: make(chan struct{})}
}

func (s *fakeSource) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *fakeSource) Frame() (gocv.Mat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.frames {
		return gocv.Mat{}, false
	}
	s.reads++
	return gocv.Mat{}, true
}

func (s *fakeSource) Done() <-chan struct{} { return s.done }

func (s *fakeSource) end() { close(s.done) }

type fakeDetector struct {
	mu      sync.Mutex
	results chan detect.Result
	calls   int
}

func (d *fakeDetector) Ready() bool { return true }

func (d *fakeDetector) DetectAll(ctx context.Context, frame gocv.Mat) (detect.Result, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	select {
	case res := <-d.results:
		return res, nil
	case <-time.After(time.Second):
		return detect.Result{Skipped: true}, nil
	}
}

type fakeRenderer struct {
	mu      sync.Mutex
	renders []detect.Result
}

func (r *fakeRenderer) Render(frame gocv.Mat, det detect.Result) {
	r.mu.Lock()
	r.renders = append(r.renders, det)
	r.mu.Unlock()
}

func (r *fakeRenderer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.renders)
}

func (r *fakeRenderer) last() detect.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.renders) == 0 {
		return detect.Result{}
	}
	return r.renders[len(r.renders)-1]
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestLoop_RendersWithLastCompletedResult(t *testing.T) {
	src := newFakeSource(true, true)
	det := &fakeDetector{results: make(chan detect.Result, 8)}
	rnd := &fakeRenderer{}
	l := New(src, det, rnd, 10*time.Millisecond, zap.NewNop())

	marker := detect.Result{RefWidth: 111, RefHeight: 222, At: time.Now()}
	det.results <- marker

	l.Start()
	defer l.Stop()

	if !eventually(t, time.Second, func() bool {
		return rnd.last().RefWidth == 111
	}) {
		t.Fatal("render never used the completed detection result")
	}
}

func TestLoop_TicksDoNotBlockOnDetection(t *testing.T) {
	src := newFakeSource(true, true)
	// No results queued: every detect call hangs until its timeout, so
	// only continued ticking can grow the render count.
	det := &fakeDetector{results: make(chan detect.Result)}
	rnd := &fakeRenderer{}
	l := New(src, det, rnd, 10*time.Millisecond, zap.NewNop())

	l.Start()
	defer l.Stop()

	if !eventually(t, time.Second, func() bool { return rnd.count() >= 3 }) {
		t.Fatalf("expected at least 3 renders while detection hangs, got %d", rnd.count())
	}
}

func TestLoop_SkipsTickWhenSourceNotLive(t *testing.T) {
	src := newFakeSource(false, true)
	det := &fakeDetector{results: make(chan detect.Result, 1)}
	rnd := &fakeRenderer{}
	l := New(src, det, rnd, 5*time.Millisecond, zap.NewNop())

	l.Start()
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	if rnd.count() != 0 {
		t.Errorf("expected no renders for a dead source, got %d", rnd.count())
	}
}

func TestLoop_StopIdempotent(t *testing.T) {
	src := newFakeSource(true, false)
	det := &fakeDetector{results: make(chan detect.Result, 1)}
	l := New(src, det, &fakeRenderer{}, 5*time.Millisecond, zap.NewNop())

	l.Start()
	l.Stop()
	l.Stop() // no panic, no effect

	if l.Running() {
		t.Error("loop must not be running after stop")
	}
}

func TestLoop_StartWhileRunningIsNoOp(t *testing.T) {
	src := newFakeSource(true, false)
	det := &fakeDetector{results: make(chan detect.Result, 1)}
	l := New(src, det, &fakeRenderer{}, 5*time.Millisecond, zap.NewNop())

	l.Start()
	first := l.task
	l.Start()
	if l.task != first {
		t.Error("second start must not replace the active schedule")
	}
	l.Stop()
}

func TestLoop_StopsWhenSourceEnds(t *testing.T) {
	src := newFakeSource(true, false)
	det := &fakeDetector{results: make(chan detect.Result, 1)}
	l := New(src, det, &fakeRenderer{}, 5*time.Millisecond, zap.NewNop())

	l.Start()
	src.end()

	if !eventually(t, time.Second, func() bool { return !l.Running() }) {
		t.Fatal("loop did not stop after the source ended")
	}
}
