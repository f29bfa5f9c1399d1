package playback

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
)

func TestOpusSinkWritesPCMPassthrough(t *testing.T) {
	var out bytes.Buffer
	sink, err := NewOpusSink(&out, 16000, 1, false)
	if err != nil {
		t.Fatalf("NewOpusSink failed: %v", err)
	}

	pcm := make([]byte, 1280) // 40ms at 16kHz mono
	for i := range pcm {
		pcm[i] = byte(i)
	}

	err = sink.Play(Segment{
		ID:          "seg-1",
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		Format:      "pcm16",
	})
	if err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if !bytes.Equal(out.Bytes(), pcm) {
		t.Errorf("output differs from input: %d bytes out, %d in", out.Len(), len(pcm))
	}
}

func TestOpusSinkRejectsInvalidBase64(t *testing.T) {
	sink, err := NewOpusSink(&bytes.Buffer{}, 16000, 1, false)
	if err != nil {
		t.Fatalf("NewOpusSink failed: %v", err)
	}

	err = sink.Play(Segment{ID: "seg-1", AudioBase64: "not base64!!"})
	if !errors.Is(err, domain.ErrDecodeFailed) {
		t.Errorf("Play error = %v, want ErrDecodeFailed", err)
	}
}

func TestOpusSinkRejectsUnknownFormat(t *testing.T) {
	sink, err := NewOpusSink(&bytes.Buffer{}, 16000, 1, false)
	if err != nil {
		t.Fatalf("NewOpusSink failed: %v", err)
	}

	err = sink.Play(Segment{
		ID:          "seg-1",
		AudioBase64: base64.StdEncoding.EncodeToString([]byte{1, 2}),
		Format:      "mp3",
	})
	if !errors.Is(err, domain.ErrDecodeFailed) {
		t.Errorf("Play error = %v, want ErrDecodeFailed", err)
	}
}

func TestOpusSinkEmptyPayloadIsNoop(t *testing.T) {
	var out bytes.Buffer
	sink, err := NewOpusSink(&out, 16000, 1, false)
	if err != nil {
		t.Fatalf("NewOpusSink failed: %v", err)
	}

	if err := sink.Play(Segment{ID: "seg-1", AudioBase64: ""}); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("wrote %d bytes for empty payload", out.Len())
	}
}

func TestOpusSinkTruncatedOpusPacket(t *testing.T) {
	sink, err := NewOpusSink(&bytes.Buffer{}, 16000, 1, false)
	if err != nil {
		t.Fatalf("NewOpusSink failed: %v", err)
	}

	// Length prefix claims 100 bytes but only 2 follow.
	payload := []byte{0x00, 0x64, 0x01, 0x02}
	err = sink.Play(Segment{
		ID:          "seg-1",
		AudioBase64: base64.StdEncoding.EncodeToString(payload),
		Format:      "opus",
	})
	if !errors.Is(err, domain.ErrDecodeFailed) {
		t.Errorf("Play error = %v, want ErrDecodeFailed", err)
	}
}
