// Package protocol defines the JSON wire protocol spoken with the voice
// backend: outbound audio/text frames and the inbound VoiceMessage union.
package protocol

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type MessageType string

const (
	TypeResponse         MessageType = "response"
	TypeState            MessageType = "state"
	TypeError            MessageType = "error"
	TypeAudioChunk       MessageType = "audio_chunk"
	TypeTranscription    MessageType = "transcription"
	TypeResponseComplete MessageType = "response_complete"
)

// AgentState is the backend-visible conversational state of the agent.
type AgentState string

const (
	StateIdle      AgentState = "idle"
	StateListening AgentState = "listening"
	StateThinking  AgentState = "thinking"
	StateSpeaking  AgentState = "speaking"
)

func (s AgentState) Valid() bool {
	switch s {
	case StateIdle, StateListening, StateThinking, StateSpeaking:
		return true
	}
	return false
}

// VoiceMessage is the inbound tagged union. Only the fields relevant to the
// tag are populated; an absent field is not an error.
type VoiceMessage struct {
	Type            MessageType `json:"type"`
	State           AgentState  `json:"state,omitempty"`
	Text            string      `json:"text,omitempty"`
	AudioBase64     string      `json:"audio_base64,omitempty"`
	ConversationID  string      `json:"conversation_id,omitempty"`
	LeadID          string      `json:"lead_id,omitempty"`
	Functionalities []string    `json:"functionalities,omitempty"`
	LatencyMs       float64     `json:"latency,omitempty"`
	Error           string      `json:"error,omitempty"`
	Code            string      `json:"code,omitempty"`
	Recoverable     *bool       `json:"recoverable,omitempty"`
	Sequence        int         `json:"sequence,omitempty"`
	IsFinal         bool        `json:"is_final,omitempty"`
}

// IsRecoverable reports the recoverable flag of an error message; a missing
// flag means the error does not terminate the session.
func (m *VoiceMessage) IsRecoverable() bool {
	if m.Recoverable == nil {
		return true
	}
	return *m.Recoverable
}

// AudioFrame is the outbound frame carrying one captured segment.
type AudioFrame struct {
	Type   string `json:"type"`
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

// TextFrame is the outbound frame carrying a typed user message.
type TextFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewAudioFrame(audioBase64, format string) *AudioFrame {
	return &AudioFrame{Type: "audio", Audio: audioBase64, Format: format}
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{Type: "text", Text: text}
}

func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses an inbound frame into a VoiceMessage. Frames with an
// unknown or missing tag are rejected so the transport can drop them.
func Decode(data []byte) (*VoiceMessage, error) {
	if len(data) == 0 {
		return nil, domain.ErrMalformedFrame
	}

	var msg VoiceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}

	switch msg.Type {
	case TypeResponse, TypeState, TypeError, TypeAudioChunk, TypeTranscription, TypeResponseComplete:
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessage, msg.Type)
	}

	if msg.Type == TypeState && !msg.State.Valid() {
		return nil, fmt.Errorf("%w: state %q", domain.ErrInvalidPayload, msg.State)
	}

	return &msg, nil
}
