package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/hraban/opus.v2"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
)

// Source delivers PCM frames from an audio input device. Read blocks until
// a frame is available and returns an error once the source is closed.
type Source interface {
	Start(ctx context.Context) error
	Read() ([]int16, error)
	Close() error
}

// OpusStreamSource decodes a stream of length-prefixed Opus packets (2-byte
// big-endian length followed by the packet) into PCM frames. The stream
// typically comes from a recorder process piping the microphone.
type OpusStreamSource struct {
	open       func() (io.ReadCloser, error)
	sampleRate int
	channels   int

	mu      sync.Mutex
	stream  io.ReadCloser
	decoder *opus.Decoder
	pcmBuf  []int16
}

// NewOpusStreamSource builds a source that opens the stream via open on
// Start. Passing a nil open func yields a source that always fails with a
// device error.
func NewOpusStreamSource(open func() (io.ReadCloser, error), sampleRate, channels int) *OpusStreamSource {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return &OpusStreamSource{
		open:       open,
		sampleRate: sampleRate,
		channels:   channels,
		// Max Opus frame is 120ms at 48kHz = 5760 samples per channel
		pcmBuf: make([]int16, 5760*channels),
	}
}

// NewStdinSource reads the Opus packet stream from stdin.
func NewStdinSource(sampleRate, channels int) *OpusStreamSource {
	return NewOpusStreamSource(func() (io.ReadCloser, error) {
		return io.NopCloser(os.Stdin), nil
	}, sampleRate, channels)
}

func (s *OpusStreamSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return domain.ErrCaptureActive
	}
	if s.open == nil {
		return domain.ErrDeviceUnavailable
	}

	stream, err := s.open()
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}

	decoder, err := opus.NewDecoder(s.sampleRate, s.channels)
	if err != nil {
		stream.Close()
		return fmt.Errorf("create opus decoder: %w", err)
	}

	s.stream = stream
	s.decoder = decoder

	_ = ctx
	slog.Debug("capture: opus stream source opened", "sample_rate", s.sampleRate, "channels", s.channels)
	return nil
}

func (s *OpusStreamSource) Read() ([]int16, error) {
	s.mu.Lock()
	stream := s.stream
	decoder := s.decoder
	s.mu.Unlock()

	if stream == nil || decoder == nil {
		return nil, domain.ErrDeviceUnavailable
	}

	var header [2]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		return nil, err
	}

	packetLen := int(binary.BigEndian.Uint16(header[:]))
	if packetLen == 0 {
		return []int16{}, nil
	}

	packet := make([]byte, packetLen)
	if _, err := io.ReadFull(stream, packet); err != nil {
		return nil, err
	}

	numSamples, err := decoder.Decode(packet, s.pcmBuf)
	if err != nil {
		slog.Error("capture: opus decode error", "error", err)
		return []int16{}, nil
	}

	frame := make([]int16, numSamples*s.channels)
	copy(frame, s.pcmBuf[:numSamples*s.channels])
	return frame, nil
}

func (s *OpusStreamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}

	err := s.stream.Close()
	s.stream = nil
	s.decoder = nil
	return err
}
