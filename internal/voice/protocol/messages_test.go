package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		check   func(t *testing.T, msg *VoiceMessage)
	}{
		{
			name: "response with identity",
			data: `{"type":"response","text":"olá","conversation_id":"c1","lead_id":"l1","latency":123.5}`,
			check: func(t *testing.T, msg *VoiceMessage) {
				if msg.Type != TypeResponse {
					t.Errorf("Type = %q", msg.Type)
				}
				if msg.Text != "olá" || msg.ConversationID != "c1" || msg.LeadID != "l1" {
					t.Errorf("fields not decoded: %+v", msg)
				}
				if msg.LatencyMs != 123.5 {
					t.Errorf("LatencyMs = %v", msg.LatencyMs)
				}
			},
		},
		{
			name: "state change",
			data: `{"type":"state","state":"thinking"}`,
			check: func(t *testing.T, msg *VoiceMessage) {
				if msg.State != StateThinking {
					t.Errorf("State = %q", msg.State)
				}
			},
		},
		{
			name: "transcription",
			data: `{"type":"transcription","text":"bom dia"}`,
			check: func(t *testing.T, msg *VoiceMessage) {
				if msg.Text != "bom dia" {
					t.Errorf("Text = %q", msg.Text)
				}
			},
		},
		{
			name: "error with recoverable flag",
			data: `{"type":"error","error":"session expired","code":"SESSION_EXPIRED","recoverable":false}`,
			check: func(t *testing.T, msg *VoiceMessage) {
				if msg.IsRecoverable() {
					t.Error("IsRecoverable() = true, want false")
				}
			},
		},
		{
			name: "error without recoverable flag defaults to recoverable",
			data: `{"type":"error","error":"hiccup"}`,
			check: func(t *testing.T, msg *VoiceMessage) {
				if !msg.IsRecoverable() {
					t.Error("IsRecoverable() = false, want true")
				}
			},
		},
		{
			name:    "unknown type",
			data:    `{"type":"telemetry","text":"x"}`,
			wantErr: domain.ErrUnknownMessage,
		},
		{
			name:    "missing type",
			data:    `{"text":"x"}`,
			wantErr: domain.ErrUnknownMessage,
		},
		{
			name:    "invalid state value",
			data:    `{"type":"state","state":"daydreaming"}`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "state without state field",
			data:    `{"type":"state"}`,
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name:    "not json",
			data:    `{{{`,
			wantErr: domain.ErrMalformedFrame,
		},
		{
			name:    "empty frame",
			data:    ``,
			wantErr: domain.ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Decode error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

func TestEncodeAudioFrame(t *testing.T) {
	data, err := Encode(NewAudioFrame("QUJD", "pcm16"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	s := string(data)
	for _, want := range []string{`"type":"audio"`, `"audio":"QUJD"`, `"format":"pcm16"`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded frame missing %s: %s", want, s)
		}
	}
}

func TestEncodeTextFrame(t *testing.T) {
	data, err := Encode(NewTextFrame("oi"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	msg := struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if msg.Type != "text" || msg.Text != "oi" {
		t.Errorf("round trip = %+v", msg)
	}
}

func TestAgentStateValid(t *testing.T) {
	for _, s := range []AgentState{StateIdle, StateListening, StateThinking, StateSpeaking} {
		if !s.Valid() {
			t.Errorf("%q.Valid() = false", s)
		}
	}
	for _, s := range []AgentState{"", "paused", "IDLE"} {
		if s.Valid() {
			t.Errorf("%q.Valid() = true", s)
		}
	}
}
