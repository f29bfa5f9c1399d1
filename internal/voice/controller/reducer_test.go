package controller

import (
	"testing"

	"github.com/rcarraroia/renus-agent-v1/internal/voice/protocol"
)

func TestReduce(t *testing.T) {
	tests := []struct {
		name     string
		current  protocol.AgentState
		in       Input
		override protocol.AgentState
		want     protocol.AgentState
	}{
		{"activate from idle", protocol.StateIdle, InputActivate, "", protocol.StateListening},
		{"activate ignored while thinking", protocol.StateThinking, InputActivate, "", protocol.StateThinking},
		{"activate ignored while speaking", protocol.StateSpeaking, InputActivate, "", protocol.StateSpeaking},

		{"capture stop from listening", protocol.StateListening, InputCaptureStopped, "", protocol.StateThinking},
		{"capture stop ignored when idle", protocol.StateIdle, InputCaptureStopped, "", protocol.StateIdle},

		{"response audio while thinking", protocol.StateThinking, InputResponseAudio, "", protocol.StateSpeaking},
		{"response audio while idle", protocol.StateIdle, InputResponseAudio, "", protocol.StateSpeaking},

		{"text sent from idle", protocol.StateIdle, InputTextSent, "", protocol.StateThinking},
		{"text sent ignored while speaking", protocol.StateSpeaking, InputTextSent, "", protocol.StateSpeaking},

		{"turn complete from speaking", protocol.StateSpeaking, InputTurnComplete, "", protocol.StateIdle},
		{"turn complete from thinking", protocol.StateThinking, InputTurnComplete, "", protocol.StateIdle},
		{"turn complete ignored while listening", protocol.StateListening, InputTurnComplete, "", protocol.StateListening},

		{"deactivate from any state", protocol.StateSpeaking, InputDeactivate, "", protocol.StateIdle},

		{"server state override", protocol.StateIdle, InputServerState, protocol.StateThinking, protocol.StateThinking},
		{"server state invalid override ignored", protocol.StateListening, InputServerState, "bogus", protocol.StateListening},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Reduce(tt.current, tt.in, tt.override); got != tt.want {
				t.Errorf("Reduce(%q, %v, %q) = %q, want %q", tt.current, tt.in, tt.override, got, tt.want)
			}
		})
	}
}

func TestReduceListeningOnlyFromIdle(t *testing.T) {
	// Capture must never preempt an in-progress turn.
	for _, current := range []protocol.AgentState{protocol.StateListening, protocol.StateThinking, protocol.StateSpeaking} {
		if got := Reduce(current, InputActivate, ""); got == protocol.StateListening && current != protocol.StateListening {
			t.Errorf("Reduce(%q, InputActivate) reached listening", current)
		}
	}
}
