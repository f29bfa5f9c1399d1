// Package controller orchestrates the voice session: it ties capture,
// transport, playback and persistence into the conversational turn-taking
// protocol and owns the single source of truth for agent state.
package controller

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
	"github.com/rcarraroia/renus-agent-v1/internal/metrics"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/capture"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/events"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/playback"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/protocol"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/session"
	"github.com/rcarraroia/renus-agent-v1/shared/id"
)

// placeholderText fills a user entry until the transcription arrives.
const placeholderText = "…"

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// ConversationEntry is one immutable line of the conversation log.
// Entries are append-only; insertion order is temporal order.
type ConversationEntry struct {
	ID        string
	Timestamp time.Time
	Speaker   Speaker
	Text      string
	AudioRef  string
	State     protocol.AgentState
}

// Transport is the narrow contract the controller needs from the session
// transport. The controller never touches the socket directly.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Reconnect(ctx context.Context) error
	Send(v any) error
	IsConnected() bool
}

// CaptureEngine is the narrow contract for the audio input side.
type CaptureEngine interface {
	Start(ctx context.Context) error
	Stop()
	IsActive() bool
}

// PlaybackQueue is the narrow contract for the audio output side.
type PlaybackQueue interface {
	Enqueue(seg playback.Segment)
	IsPlaying() bool
	Clear()
}

// SessionStore is the narrow contract for session persistence.
type SessionStore interface {
	Save(conversationID, leadID string) error
	Refresh() error
	Clear() error
	IsValid() bool
	Current() *session.Record
}

// Snapshot is a read-only view of controller state handed to consumers.
type Snapshot struct {
	State           protocol.AgentState
	ConversationID  string
	LeadID          string
	Connected       bool
	Active          bool
	Functionalities []string
	LastError       string
	Entries         []ConversationEntry
}

type event any

type (
	evActivate         struct{}
	evDeactivate       struct{}
	evCaptureStarted   struct{}
	evCaptureFailed    struct{ err error }
	evSegment          struct{ seg capture.Segment }
	evCaptureStopped   struct{ final capture.Segment }
	evSendText         struct{ text string }
	evMessage          struct{ msg *protocol.VoiceMessage }
	evServerState      struct{ state protocol.AgentState }
	evPlaybackDrained  struct{}
	evConnectionState  struct{ connected bool }
	evTransportFailure struct{ err error }
	evReconnect        struct{}
	evReconnectDone    struct{ err error }
)

// Controller funnels every capture, transport, playback and timer callback
// through one event loop so there is a single writer of AgentState.
type Controller struct {
	transport Transport
	capture   CaptureEngine
	playback  PlaybackQueue
	store     SessionStore
	sink      events.Sink
	notify    func(text string)

	events chan event
	runCtx context.Context

	mu              sync.RWMutex
	state           protocol.AgentState
	conversationID  string
	leadID          string
	entries         []ConversationEntry
	functionalities []string
	connected       bool
	lastErr         error
	active          bool
	responseDone    bool
	playbackBusy    bool
}

func New(tr Transport, cap CaptureEngine, play PlaybackQueue, store SessionStore, sink events.Sink) *Controller {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Controller{
		transport: tr,
		capture:   cap,
		playback:  play,
		store:     store,
		sink:      sink,
		events:    make(chan event, 256),
		state:     protocol.StateIdle,
	}
}

// SetNotifier registers the user-visible notification callback used for
// device, transport and backend errors.
func (c *Controller) SetNotifier(fn func(text string)) {
	c.notify = fn
}

// Run consumes events until ctx is cancelled. All state mutation happens
// on this goroutine.
func (c *Controller) Run(ctx context.Context) {
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// post enqueues an event from a component callback goroutine.
func (c *Controller) post(ev event) {
	c.events <- ev
}

// Activate starts a listening turn (and the session, if none is active).
func (c *Controller) Activate() { c.post(evActivate{}) }

// Deactivate ends the active session.
func (c *Controller) Deactivate() { c.post(evDeactivate{}) }

// SendText submits a typed user message, the fallback when no microphone
// is available.
func (c *Controller) SendText(text string) { c.post(evSendText{text: text}) }

// Reconnect forces a transport reconnect. Conversation identity is
// deliberately preserved so the backend can resume context.
func (c *Controller) Reconnect() { c.post(evReconnect{}) }

// Component callback entry points. These are safe to call from any
// goroutine; they only enqueue events.

func (c *Controller) HandleSegment(seg capture.Segment)        { c.post(evSegment{seg: seg}) }
func (c *Controller) HandleCaptureStopped(final capture.Segment) {
	c.post(evCaptureStopped{final: final})
}
func (c *Controller) HandleMessage(msg *protocol.VoiceMessage)    { c.post(evMessage{msg: msg}) }
func (c *Controller) HandleServerState(state protocol.AgentState) { c.post(evServerState{state: state}) }
func (c *Controller) HandlePlaybackDrained()                      { c.post(evPlaybackDrained{}) }
func (c *Controller) HandleConnectionState(connected bool) {
	c.post(evConnectionState{connected: connected})
}
func (c *Controller) HandleTransportFailure(err error) { c.post(evTransportFailure{err: err}) }

// Snapshot returns a read-only copy of the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		State:          c.state,
		ConversationID: c.conversationID,
		LeadID:         c.leadID,
		Connected:      c.connected,
		Active:         c.active,
	}
	snap.Functionalities = append(snap.Functionalities, c.functionalities...)
	snap.Entries = append(snap.Entries, c.entries...)
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

func (c *Controller) State() protocol.AgentState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) ConversationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversationID
}

func (c *Controller) handle(ev event) {
	switch ev := ev.(type) {
	case evActivate:
		c.handleActivate()
	case evDeactivate:
		c.handleDeactivate()
	case evCaptureStarted:
		c.handleCaptureStarted()
	case evCaptureFailed:
		c.handleCaptureFailed(ev.err)
	case evSegment:
		c.handleSegment(ev.seg)
	case evCaptureStopped:
		c.handleCaptureStopped(ev.final)
	case evSendText:
		c.handleSendText(ev.text)
	case evMessage:
		c.handleMessage(ev.msg)
	case evServerState:
		c.applyState(InputServerState, ev.state)
	case evPlaybackDrained:
		c.handlePlaybackDrained()
	case evConnectionState:
		c.mu.Lock()
		c.connected = ev.connected
		c.mu.Unlock()
	case evTransportFailure:
		c.handleTransportFailure(ev.err)
	case evReconnect:
		c.handleReconnect()
	case evReconnectDone:
		c.handleReconnectDone(ev.err)
	}
}

func (c *Controller) handleActivate() {
	c.mu.Lock()
	if c.state != protocol.StateIdle {
		c.mu.Unlock()
		slog.Debug("controller: activation ignored", "state", c.state)
		return
	}
	firstTurn := !c.active
	c.active = true

	// Pre-seed identity from a still-valid persisted session before the
	// first message goes out.
	if firstTurn && c.store != nil && c.store.IsValid() {
		if rec := c.store.Current(); rec != nil {
			if c.conversationID == "" {
				c.conversationID = rec.ConversationID
			}
			if c.leadID == "" {
				c.leadID = rec.LeadID
			}
		}
	}
	c.mu.Unlock()

	if firstTurn {
		c.report(events.Event{Kind: events.SessionStarted})
	}

	ctx := c.runCtx
	if !c.transport.IsConnected() {
		go func() {
			if err := c.transport.Connect(ctx); err != nil {
				slog.Warn("controller: transport connect failed, retry scheduled", "error", err)
			}
		}()
	}

	// Device acquisition can suspend on a permission prompt; keep the
	// event loop free while it does.
	go func() {
		if err := c.capture.Start(ctx); err != nil {
			c.post(evCaptureFailed{err: err})
			return
		}
		c.post(evCaptureStarted{})
	}()
}

func (c *Controller) handleCaptureStarted() {
	c.applyState(InputActivate, "")
	c.report(events.Event{Kind: events.RecordingStarted})
	c.refreshSession()
}

func (c *Controller) handleCaptureFailed(err error) {
	c.setLastErr(err)
	slog.Error("controller: capture start failed", "error", err)
	c.report(events.Event{Kind: events.ErrorOccurred, ErrorClass: "device", Error: err.Error()})
	if domain.IsDeviceError(err) {
		c.notifyUser("Microphone unavailable. You can continue by typing your message.")
	} else {
		c.notifyUser("Could not start recording: " + err.Error())
	}
}

func (c *Controller) handleSegment(seg capture.Segment) {
	c.mu.RLock()
	listening := c.state == protocol.StateListening
	c.mu.RUnlock()
	if !listening || len(seg.PCM) == 0 {
		return
	}

	frame := protocol.NewAudioFrame(base64.StdEncoding.EncodeToString(seg.PCM), seg.Format)
	if err := c.transport.Send(frame); err != nil {
		slog.Warn("controller: segment send failed", "segment_id", seg.ID, "error", err)
		return
	}
	metrics.SegmentsSent.Inc()
}

func (c *Controller) handleCaptureStopped(final capture.Segment) {
	c.mu.Lock()
	if c.state != protocol.StateListening {
		c.mu.Unlock()
		return
	}
	c.entries = append(c.entries, ConversationEntry{
		ID:        id.NewEntry(),
		Timestamp: time.Now(),
		Speaker:   SpeakerUser,
		Text:      placeholderText,
		AudioRef:  final.ID,
		State:     protocol.StateThinking,
	})
	c.responseDone = false
	c.mu.Unlock()

	c.applyState(InputCaptureStopped, "")
	c.report(events.Event{Kind: events.RecordingStopped})
	c.refreshSession()
}

func (c *Controller) handleSendText(text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	c.entries = append(c.entries, ConversationEntry{
		ID:        id.NewEntry(),
		Timestamp: time.Now(),
		Speaker:   SpeakerUser,
		Text:      text,
		State:     c.state,
	})
	c.responseDone = false
	c.mu.Unlock()

	if err := c.transport.Send(protocol.NewTextFrame(text)); err != nil {
		slog.Warn("controller: text send failed", "error", err)
	}
	c.applyState(InputTextSent, "")
}

func (c *Controller) handleMessage(msg *protocol.VoiceMessage) {
	switch msg.Type {
	case protocol.TypeState:
		// Delivered through the dedicated state-change callback.
	case protocol.TypeTranscription:
		c.handleTranscription(msg)
	case protocol.TypeResponse:
		c.handleResponse(msg)
	case protocol.TypeResponseComplete:
		c.mu.Lock()
		c.responseDone = true
		c.mu.Unlock()
		c.maybeFinishTurn()
	case protocol.TypeAudioChunk:
		c.handleAudioChunk(msg)
	case protocol.TypeError:
		c.handleBackendError(msg)
	}
}

// handleTranscription retroactively fills the placeholder text of the
// latest user entry.
func (c *Controller) handleTranscription(msg *protocol.VoiceMessage) {
	if msg.Text == "" {
		return
	}

	c.mu.Lock()
	updated := false
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].Speaker == SpeakerUser {
			c.entries[i].Text = msg.Text
			updated = true
			break
		}
	}
	if !updated {
		c.entries = append(c.entries, ConversationEntry{
			ID:        id.NewEntry(),
			Timestamp: time.Now(),
			Speaker:   SpeakerUser,
			Text:      msg.Text,
			State:     c.state,
		})
	}
	c.mu.Unlock()
}

func (c *Controller) handleResponse(msg *protocol.VoiceMessage) {
	c.adoptIdentity(msg.ConversationID, msg.LeadID)

	c.mu.Lock()
	c.entries = append(c.entries, ConversationEntry{
		ID:        id.NewEntry(),
		Timestamp: time.Now(),
		Speaker:   SpeakerAgent,
		Text:      msg.Text,
		State:     protocol.StateSpeaking,
	})
	if msg.Functionalities != nil {
		c.functionalities = append(c.functionalities[:0], msg.Functionalities...)
	}
	// A response is the end of generation unless explicitly marked as a
	// streaming partial; response_complete confirms it either way.
	if msg.IsFinal || msg.Sequence == 0 {
		c.responseDone = true
	}
	hasAudio := msg.AudioBase64 != ""
	if hasAudio {
		c.playbackBusy = true
	}
	conversationID, leadID := c.conversationID, c.leadID
	c.mu.Unlock()

	if hasAudio {
		c.playback.Enqueue(playback.Segment{ID: id.NewSegment(), AudioBase64: msg.AudioBase64})
		c.applyState(InputResponseAudio, "")
	}

	c.persistSession(conversationID, leadID)
	c.report(events.Event{Kind: events.ResponseReceived, LatencyMs: msg.LatencyMs})
	c.maybeFinishTurn()
}

func (c *Controller) handleAudioChunk(msg *protocol.VoiceMessage) {
	if msg.AudioBase64 == "" {
		return
	}

	c.mu.Lock()
	c.playbackBusy = true
	c.mu.Unlock()

	c.playback.Enqueue(playback.Segment{ID: id.NewSegment(), AudioBase64: msg.AudioBase64})
	c.applyState(InputResponseAudio, "")
	c.refreshSession()
}

func (c *Controller) handleBackendError(msg *protocol.VoiceMessage) {
	message := msg.Error
	if message == "" {
		message = msg.Text
	}
	err := &domain.BackendError{Code: msg.Code, Message: message, Recoverable: msg.IsRecoverable()}
	c.setLastErr(err)

	slog.Error("controller: backend error", "code", msg.Code, "recoverable", msg.IsRecoverable(), "message", message)
	c.report(events.Event{Kind: events.ErrorOccurred, ErrorClass: "backend", Error: err.Error()})
	c.notifyUser(message)

	if !msg.IsRecoverable() {
		c.handleDeactivate()
	}
}

func (c *Controller) handlePlaybackDrained() {
	// A drained notice can race with a segment enqueued right after the
	// queue emptied; the notice is stale while audio is playing again.
	if c.playback.IsPlaying() {
		return
	}

	c.mu.Lock()
	c.playbackBusy = false
	c.mu.Unlock()
	c.refreshSession()
	c.maybeFinishTurn()
}

func (c *Controller) maybeFinishTurn() {
	c.mu.RLock()
	done := c.responseDone && !c.playbackBusy
	c.mu.RUnlock()
	if done {
		c.applyState(InputTurnComplete, "")
	}
}

func (c *Controller) handleDeactivate() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	c.applyState(InputDeactivate, "")

	// Capture teardown can trigger its stop callback; keep the loop free.
	go func() {
		c.capture.Stop()
		c.playback.Clear()
	}()

	c.report(events.Event{Kind: events.SessionEnded})
}

func (c *Controller) handleTransportFailure(err error) {
	c.setLastErr(err)
	c.report(events.Event{Kind: events.ErrorOccurred, ErrorClass: "transport", Error: err.Error()})
	c.notifyUser("Connection to the voice service was lost. Tap reconnect to resume.")
}

func (c *Controller) handleReconnect() {
	ctx := c.runCtx
	go func() {
		err := c.transport.Reconnect(ctx)
		c.post(evReconnectDone{err: err})
	}()
}

func (c *Controller) handleReconnectDone(err error) {
	if err != nil {
		c.setLastErr(err)
		c.report(events.Event{Kind: events.ErrorOccurred, ErrorClass: "transport", Error: err.Error()})
		return
	}
	// Conversation identity survives the reconnect by design.
	c.report(events.Event{Kind: events.Reconnected})
}

// adoptIdentity upgrades local identifiers with server-confirmed values.
// An empty server value never clears a non-empty local one; a conflicting
// non-empty pair adopts the server value with a warning.
func (c *Controller) adoptIdentity(conversationID, leadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conversationID != "" {
		if c.conversationID != "" && c.conversationID != conversationID {
			slog.Warn("controller: server conversation id differs from local, adopting server value",
				"local", c.conversationID, "server", conversationID)
		}
		c.conversationID = conversationID
	}
	if leadID != "" {
		if c.leadID != "" && c.leadID != leadID {
			slog.Warn("controller: server lead id differs from local, adopting server value",
				"local", c.leadID, "server", leadID)
		}
		c.leadID = leadID
	}
}

func (c *Controller) applyState(in Input, override protocol.AgentState) {
	c.mu.Lock()
	next := Reduce(c.state, in, override)
	changed := next != c.state
	c.state = next
	c.mu.Unlock()

	if changed {
		slog.Debug("controller: state changed", "state", next)
		c.report(events.Event{Kind: events.StateChanged, State: string(next)})
	}
}

func (c *Controller) persistSession(conversationID, leadID string) {
	if c.store == nil || conversationID == "" {
		return
	}
	if err := c.store.Save(conversationID, leadID); err != nil {
		slog.Warn("controller: session save failed", "error", err)
	}
}

func (c *Controller) refreshSession() {
	if c.store == nil {
		return
	}
	if err := c.store.Refresh(); err != nil {
		slog.Warn("controller: session refresh failed", "error", err)
	}
}

func (c *Controller) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Controller) notifyUser(text string) {
	if c.notify == nil || text == "" {
		return
	}
	c.notify(text)
}

// report delivers a lifecycle event to the sink. Delivery is best-effort:
// a panicking sink is contained and cannot take the session down.
func (c *Controller) report(ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("controller: event sink panicked", "panic", r)
		}
	}()

	ev.Timestamp = time.Now()
	c.mu.RLock()
	ev.ConversationID = c.conversationID
	ev.LeadID = c.leadID
	c.mu.RUnlock()

	c.sink.Report(ev)
}
