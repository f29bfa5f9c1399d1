package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
)

type fakeSource struct {
	mu     sync.Mutex
	frames chan []int16
	closed bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []int16, 32)}
}

func (f *fakeSource) Start(ctx context.Context) error { return nil }

func (f *fakeSource) Read() ([]int16, error) {
	frame, ok := <-f.frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

type failingSource struct{ err error }

func (f failingSource) Start(ctx context.Context) error { return f.err }
func (f failingSource) Read() ([]int16, error)          { return nil, io.EOF }
func (f failingSource) Close() error                    { return nil }

func loudFrame(n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		frame[i] = 16000
	}
	return frame
}

func TestProcessFrameEmitsPeriodicSegments(t *testing.T) {
	var segments []Segment
	cfg := Config{SampleRate: 1000, SegmentInterval: 100 * time.Millisecond}
	e := NewEngine(cfg, newFakeSource(), Callbacks{
		OnSegment: func(seg Segment) { segments = append(segments, seg) },
	})
	e.active = true

	now := time.Now()

	// Half a segment's worth of samples: buffered, nothing emitted.
	e.processFrame(loudFrame(50), now)
	if len(segments) != 0 {
		t.Fatalf("segment emitted early: %d", len(segments))
	}

	// The second half completes the 100-sample segment.
	e.processFrame(loudFrame(50), now)
	if len(segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(segments))
	}
	if len(segments[0].PCM) != 200 {
		t.Errorf("segment size = %d bytes, want 200", len(segments[0].PCM))
	}
	if segments[0].Format != FormatPCM16 {
		t.Errorf("segment format = %q", segments[0].Format)
	}
	if segments[0].Final {
		t.Error("periodic segment marked final")
	}
}

func TestSilenceAutoStop(t *testing.T) {
	cfg := Config{
		SampleRate:       1000,
		SilenceThreshold: 0.01,
		SilenceDuration:  1 * time.Second,
	}
	e := NewEngine(cfg, newFakeSource(), Callbacks{})
	e.active = true

	t0 := time.Now()
	silent := make([]int16, 10)

	steps := []struct {
		frame    []int16
		at       time.Duration
		wantStop bool
	}{
		{loudFrame(10), 0, false},
		{silent, 100 * time.Millisecond, false},
		{silent, 600 * time.Millisecond, false},
		// Renewed audio before the window elapses resets the clock.
		{loudFrame(10), 700 * time.Millisecond, false},
		{silent, 800 * time.Millisecond, false},
		{silent, 1700 * time.Millisecond, false},
		{silent, 1800 * time.Millisecond, true},
	}

	for i, step := range steps {
		got := e.processFrame(step.frame, t0.Add(step.at))
		if got != step.wantStop {
			t.Fatalf("step %d at %v: stop = %v, want %v", i, step.at, got, step.wantStop)
		}
	}
}

func TestSilenceWindowNotTriggeredWithoutSpeech(t *testing.T) {
	// The window measures consecutive silence, not total elapsed time.
	cfg := Config{SampleRate: 1000, SilenceDuration: 500 * time.Millisecond}
	e := NewEngine(cfg, newFakeSource(), Callbacks{})
	e.active = true

	t0 := time.Now()
	if e.processFrame(make([]int16, 10), t0) {
		t.Fatal("stopped on first silent frame")
	}
	if !e.processFrame(make([]int16, 10), t0.Add(600*time.Millisecond)) {
		t.Fatal("did not stop after window elapsed")
	}
}

func TestStopEmitsFinalSegmentOnce(t *testing.T) {
	src := newFakeSource()
	processed := make(chan struct{}, 32)

	var mu sync.Mutex
	var finals []Segment
	var segments []Segment
	e := NewEngine(Config{SampleRate: 16000}, src, Callbacks{
		OnSegment: func(seg Segment) {
			mu.Lock()
			segments = append(segments, seg)
			mu.Unlock()
		},
		OnStop: func(final Segment) {
			mu.Lock()
			finals = append(finals, final)
			mu.Unlock()
		},
		OnLevel: func(float64) { processed <- struct{}{} },
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !e.IsActive() {
		t.Fatal("engine not active after Start")
	}

	src.frames <- loudFrame(50)
	src.frames <- loudFrame(50)
	for i := 0; i < 2; i++ {
		select {
		case <-processed:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frames to be processed")
		}
	}

	e.Stop()
	e.Stop() // idempotent

	mu.Lock()
	defer mu.Unlock()

	if len(finals) != 1 {
		t.Fatalf("final segments = %d, want 1", len(finals))
	}
	if !finals[0].Final {
		t.Error("final segment not marked final")
	}
	if len(finals[0].PCM) != 200 {
		t.Errorf("final segment size = %d bytes, want 200", len(finals[0].PCM))
	}

	// The audio accumulated since the last periodic segment is flushed as a
	// trailing segment before the stop fires.
	if len(segments) != 1 {
		t.Fatalf("trailing segments = %d, want 1", len(segments))
	}
	if len(segments[0].PCM) != 200 {
		t.Errorf("trailing segment size = %d bytes, want 200", len(segments[0].PCM))
	}

	if e.IsActive() {
		t.Error("engine still active after Stop")
	}
}

func TestStartWhileActive(t *testing.T) {
	src := newFakeSource()
	e := NewEngine(Config{}, src, Callbacks{})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	if err := e.Start(context.Background()); !errors.Is(err, domain.ErrCaptureActive) {
		t.Errorf("second Start error = %v, want ErrCaptureActive", err)
	}
}

func TestStartPropagatesSourceError(t *testing.T) {
	e := NewEngine(Config{}, failingSource{err: domain.ErrDeviceUnavailable}, Callbacks{})
	if err := e.Start(context.Background()); !errors.Is(err, domain.ErrDeviceUnavailable) {
		t.Errorf("Start error = %v, want ErrDeviceUnavailable", err)
	}
	if e.IsActive() {
		t.Error("engine active after failed Start")
	}
}

func TestSourceFailureMidCaptureFinalizes(t *testing.T) {
	src := newFakeSource()
	stopped := make(chan Segment, 1)
	e := NewEngine(Config{}, src, Callbacks{
		OnStop: func(final Segment) { stopped <- final },
	})

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Simulate the recorder process dying.
	src.Close()

	select {
	case final := <-stopped:
		if !final.Final {
			t.Error("segment not marked final")
		}
	case <-time.After(time.Second):
		t.Fatal("OnStop not fired after source failure")
	}
	if e.IsActive() {
		t.Error("engine still active after source failure")
	}
}

func TestRMS(t *testing.T) {
	tests := []struct {
		name  string
		frame []int16
		want  float64
		delta float64
	}{
		{"empty", nil, 0, 0},
		{"silence", make([]int16, 100), 0, 0},
		{"half scale", loudFrame(100), 0.488, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rms(tt.frame)
			if got < tt.want-tt.delta || got > tt.want+tt.delta {
				t.Errorf("rms = %v, want %v ± %v", got, tt.want, tt.delta)
			}
		})
	}
}
