package controller

import (
	"github.com/rcarraroia/renus-agent-v1/internal/voice/protocol"
)

// Input is a state-affecting occurrence fed to the reducer.
type Input int

const (
	// InputActivate fires when capture has started for a new turn.
	InputActivate Input = iota
	// InputCaptureStopped fires when the capture engine stops (manually
	// or by silence detection).
	InputCaptureStopped
	// InputResponseAudio fires for a response carrying audio.
	InputResponseAudio
	// InputTurnComplete fires once the response is complete and playback
	// has drained.
	InputTurnComplete
	// InputTextSent fires when a typed user message goes out.
	InputTextSent
	// InputDeactivate fires when the session ends.
	InputDeactivate
	// InputServerState applies an explicit backend state message.
	InputServerState
)

// Reduce computes the next agent state deterministically from the current
// state and one input. It is the single transition function for AgentState;
// no caller mutates the state outside of it. Notably, listening is only
// reachable from idle, so capture can never preempt an in-progress
// speaking turn without an intervening idle.
func Reduce(current protocol.AgentState, in Input, override protocol.AgentState) protocol.AgentState {
	switch in {
	case InputActivate:
		if current == protocol.StateIdle {
			return protocol.StateListening
		}
		return current

	case InputCaptureStopped:
		if current == protocol.StateListening {
			return protocol.StateThinking
		}
		return current

	case InputResponseAudio:
		return protocol.StateSpeaking

	case InputTextSent:
		if current == protocol.StateIdle {
			return protocol.StateThinking
		}
		return current

	case InputTurnComplete:
		if current == protocol.StateSpeaking || current == protocol.StateThinking {
			return protocol.StateIdle
		}
		return current

	case InputDeactivate:
		return protocol.StateIdle

	case InputServerState:
		if override.Valid() {
			return override
		}
		return current
	}

	return current
}
