package playback

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/hraban/opus.v2"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
)

// Sink renders one decoded segment. Play blocks until the segment has
// finished playing (or failed) so the queue can advance.
type Sink interface {
	Play(seg Segment) error
}

// OpusSink decodes a segment's base64 payload and writes little-endian
// 16-bit PCM to an output stream (typically a pipe into a player process),
// paced in 20ms frames to approximate real-time playback.
type OpusSink struct {
	out        io.Writer
	sampleRate int
	channels   int
	pace       bool

	mu      sync.Mutex
	decoder *opus.Decoder
	pcmBuf  []int16
}

func NewOpusSink(out io.Writer, sampleRate, channels int, pace bool) (*OpusSink, error) {
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	return &OpusSink{
		out:        out,
		sampleRate: sampleRate,
		channels:   channels,
		pace:       pace,
		decoder:    decoder,
		pcmBuf:     make([]int16, 5760*channels),
	}, nil
}

func (s *OpusSink) Play(seg Segment) error {
	payload, err := base64.StdEncoding.DecodeString(seg.AudioBase64)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
	}
	if len(payload) == 0 {
		return nil
	}

	switch seg.Format {
	case "", "opus":
		return s.playOpus(payload)
	case "pcm16":
		return s.writePCM(payload)
	default:
		return fmt.Errorf("%w: format %q", domain.ErrDecodeFailed, seg.Format)
	}
}

// playOpus consumes length-prefixed Opus packets (2-byte big-endian length
// followed by the packet) and writes the decoded PCM.
func (s *OpusSink) playOpus(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offset := 0
	for offset+2 <= len(payload) {
		packetLen := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if packetLen == 0 {
			continue
		}
		if offset+packetLen > len(payload) {
			return fmt.Errorf("%w: truncated opus packet", domain.ErrDecodeFailed)
		}

		numSamples, err := s.decoder.Decode(payload[offset:offset+packetLen], s.pcmBuf)
		offset += packetLen
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
		}
		if numSamples == 0 {
			continue
		}

		pcm := make([]byte, numSamples*s.channels*2)
		for i := 0; i < numSamples*s.channels; i++ {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s.pcmBuf[i]))
		}
		if err := s.writePCMLocked(pcm); err != nil {
			return err
		}
	}
	return nil
}

func (s *OpusSink) writePCM(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePCMLocked(pcm)
}

func (s *OpusSink) writePCMLocked(pcm []byte) error {
	frameBytes := s.sampleRate * s.channels * 2 * 20 / 1000 // 20ms frame

	for offset := 0; offset < len(pcm); offset += frameBytes {
		end := offset + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if _, err := s.out.Write(pcm[offset:end]); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrPlaybackFailed, err)
		}
		if s.pace {
			time.Sleep(20 * time.Millisecond)
		}
	}
	return nil
}
