// Package capture acquires microphone audio, meters its level, detects
// end-of-utterance silence and emits discrete PCM segments.
package capture

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
	"github.com/rcarraroia/renus-agent-v1/shared/id"
)

const (
	DefaultSampleRate       = 16000
	DefaultChannels         = 1
	DefaultSegmentInterval  = 100 * time.Millisecond
	DefaultSilenceThreshold = 0.01
	DefaultSilenceDuration  = 1500 * time.Millisecond

	// FormatPCM16 is the wire name for little-endian 16-bit mono PCM.
	FormatPCM16 = "pcm16"
)

// Segment is a discrete unit of captured audio.
type Segment struct {
	ID     string
	PCM    []byte
	Format string
	Final  bool
}

type Config struct {
	SampleRate       int
	Channels         int
	SegmentInterval  time.Duration
	SilenceThreshold float64
	SilenceDuration  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = DefaultChannels
	}
	if c.SegmentInterval <= 0 {
		c.SegmentInterval = DefaultSegmentInterval
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	return c
}

// Callbacks receive capture events. OnSegment fires for each periodic
// segment, OnStop fires exactly once per capture with the full buffered
// recording, OnLevel reports the normalized level (0-100).
type Callbacks struct {
	OnSegment func(seg Segment)
	OnStop    func(final Segment)
	OnLevel   func(level float64)
}

// Engine owns the audio input source exclusively. All device access goes
// through Start/Stop; callers never touch the source directly.
type Engine struct {
	cfg Config
	src Source
	cb  Callbacks

	now func() time.Time

	mu           sync.Mutex
	active       bool
	buffer       []byte
	pending      []byte
	level        float64
	silenceStart time.Time

	samplesPerSegment int

	wg sync.WaitGroup
}

func NewEngine(cfg Config, src Source, cb Callbacks) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:               cfg,
		src:               src,
		cb:                cb,
		now:               time.Now,
		samplesPerSegment: int(cfg.SegmentInterval.Seconds() * float64(cfg.SampleRate) * float64(cfg.Channels)),
	}
}

// Start acquires the input source and begins reading frames. It fails with
// a device error when the source cannot be opened.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return domain.ErrCaptureActive
	}
	e.mu.Unlock()

	if err := e.src.Start(ctx); err != nil {
		slog.Error("capture: failed to open input source", "error", err)
		return err
	}

	e.mu.Lock()
	e.active = true
	e.buffer = e.buffer[:0]
	e.pending = e.pending[:0]
	e.silenceStart = time.Time{}
	e.level = 0
	e.mu.Unlock()

	e.wg.Add(1)
	go e.readFrames()

	slog.Info("capture: started", "sample_rate", e.cfg.SampleRate, "channels", e.cfg.Channels, "segment_interval", e.cfg.SegmentInterval)
	return nil
}

// Stop ends the capture, releases the input source synchronously and emits
// the final segment assembled from the complete buffered recording. It is
// idempotent: stopping an inactive engine has no effect.
func (e *Engine) Stop() {
	e.doStop(true)
}

func (e *Engine) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Level returns the last computed normalized audio level (0-100).
func (e *Engine) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

func (e *Engine) readFrames() {
	defer e.wg.Done()

	for {
		frame, err := e.src.Read()
		if err != nil {
			e.mu.Lock()
			wasActive := e.active
			e.mu.Unlock()
			if wasActive {
				// Source failed mid-capture; finalize what we have.
				slog.Warn("capture: input source closed", "error", err)
				e.doStop(false)
			}
			return
		}

		if e.processFrame(frame, e.now()) {
			e.doStop(false)
			return
		}
	}
}

// processFrame folds one PCM frame into the capture state and reports
// whether the silence window has elapsed and capture must auto-stop.
func (e *Engine) processFrame(frame []int16, now time.Time) bool {
	if len(frame) == 0 {
		return false
	}

	level := rms(frame)
	var segment *Segment

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return false
	}

	e.level = level * 100

	raw := pcmBytes(frame)
	e.buffer = append(e.buffer, raw...)
	e.pending = append(e.pending, raw...)

	if len(e.pending) >= e.samplesPerSegment*2 {
		seg := Segment{ID: id.NewSegment(), PCM: append([]byte(nil), e.pending...), Format: FormatPCM16}
		e.pending = e.pending[:0]
		segment = &seg
	}

	var stop bool
	if level >= e.cfg.SilenceThreshold {
		e.silenceStart = time.Time{}
	} else {
		if e.silenceStart.IsZero() {
			e.silenceStart = now
		} else if now.Sub(e.silenceStart) >= e.cfg.SilenceDuration {
			stop = true
		}
	}
	e.mu.Unlock()

	if e.cb.OnLevel != nil {
		e.cb.OnLevel(level * 100)
	}
	if segment != nil && e.cb.OnSegment != nil {
		e.cb.OnSegment(*segment)
	}
	if stop {
		slog.Info("capture: silence window elapsed, stopping", "silence_duration", e.cfg.SilenceDuration)
	}
	return stop
}

func (e *Engine) doStop(wait bool) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.mu.Unlock()

	if err := e.src.Close(); err != nil {
		slog.Warn("capture: error closing input source", "error", err)
	}
	if wait {
		e.wg.Wait()
	}

	e.mu.Lock()
	final := append([]byte(nil), e.buffer...)
	tail := append([]byte(nil), e.pending...)
	e.buffer = e.buffer[:0]
	e.pending = e.pending[:0]
	e.silenceStart = time.Time{}
	e.level = 0
	e.mu.Unlock()

	// Flush audio captured since the last periodic segment so the stream
	// sent upstream covers the full recording.
	if len(tail) > 0 && e.cb.OnSegment != nil {
		e.cb.OnSegment(Segment{ID: id.NewSegment(), PCM: tail, Format: FormatPCM16})
	}

	slog.Info("capture: stopped", "bytes", len(final))

	if e.cb.OnStop != nil {
		e.cb.OnStop(Segment{ID: id.NewSegment(), PCM: final, Format: FormatPCM16, Final: true})
	}
}

// rms computes the root-mean-square energy of a frame, normalized against
// the maximum representable amplitude (0..1).
func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}

	var sum float64
	for _, sample := range frame {
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(len(frame)))
}

func pcmBytes(frame []int16) []byte {
	out := make([]byte, len(frame)*2)
	for i, sample := range frame {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
