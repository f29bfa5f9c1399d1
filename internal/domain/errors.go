package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	// Device errors (microphone unavailable or denied; user-recoverable)
	ErrDeviceUnavailable = errors.New("audio input device unavailable")
	ErrPermissionDenied  = errors.New("audio input permission denied")
	ErrCaptureActive     = errors.New("capture already active")

	// Transport errors
	ErrNotConnected       = errors.New("transport not connected")
	ErrMaxRetriesExceeded = errors.New("transport reconnect attempts exhausted")

	// Protocol errors (malformed inbound frame; logged and dropped)
	ErrMalformedFrame  = errors.New("malformed inbound frame")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrInvalidPayload  = errors.New("invalid message payload")
	ErrInvalidEncoding = errors.New("invalid audio encoding")

	// Playback errors (single segment failure; queue continues)
	ErrPlaybackFailed = errors.New("segment playback failed")
	ErrDecodeFailed   = errors.New("segment decode failed")

	// Session errors
	ErrSessionExpired  = errors.New("session record expired")
	ErrNoActiveSession = errors.New("no active session")
)

// BackendError is a server-reported error message. It is surfaced to the
// user; the session continues unless Recoverable is false.
type BackendError struct {
	Code        string
	Message     string
	Recoverable bool
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
	}
	return "backend error: " + e.Message
}

// IsDeviceError reports whether err belongs to the device error class,
// which prompts a fallback to text-only interaction.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrPermissionDenied)
}
