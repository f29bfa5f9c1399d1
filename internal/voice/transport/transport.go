// Package transport maintains the bidirectional message channel to the
// voice backend: a WebSocket with automatic reconnection, exponential
// backoff and outbound queuing while disconnected.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rcarraroia/renus-agent-v1/internal/domain"
	"github.com/rcarraroia/renus-agent-v1/internal/metrics"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/protocol"
	"github.com/rcarraroia/renus-agent-v1/shared/backoff"
)

// State is the connection state of the transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Backoff          backoff.Policy
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff.BaseDelay = backoff.Default.BaseDelay
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = backoff.Default.MaxAttempts
	}
	return c
}

// Callbacks receive transport events. OnStateChange fires for `state`
// tagged messages in addition to OnMessage so agent-state transitions are
// first-class events, separate from content delivery. OnFailure fires once
// when automatic reconnection gives up; only a manual Reconnect resumes.
type Callbacks struct {
	OnMessage         func(msg *protocol.VoiceMessage)
	OnStateChange     func(state protocol.AgentState)
	OnConnectionState func(state State)
	OnFailure         func(err error)
}

// Transport owns the socket exclusively; callers interact only through
// Connect/Send/Disconnect/Reconnect.
type Transport struct {
	cfg Config
	cb  Callbacks

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	queue       [][]byte
	retries     int
	retryTimer  *time.Timer
	closing     bool
	notifyQueue []State
	notifying   bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func New(cfg Config, cb Callbacks) *Transport {
	return &Transport{
		cfg:   cfg.withDefaults(),
		cb:    cb,
		state: StateDisconnected,
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) IsConnected() bool {
	return t.State() == StateConnected
}

// QueuedMessages reports how many outbound frames are deferred.
func (t *Transport) QueuedMessages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Connect opens the socket. It is a no-op when already connected or when a
// dial is in flight. A pending automatic retry is cancelled: the manual
// attempt supersedes it, so only one dial runs at a time. A failed dial
// schedules an automatic retry under the backoff budget.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateConnected || t.state == StateConnecting {
		t.mu.Unlock()
		return nil
	}
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.closing = false
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) dial(ctx context.Context) error {
	slog.Info("transport: connecting", "url", t.cfg.URL)

	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			slog.Error("transport: connection failed", "status", resp.StatusCode, "error", err)
		} else {
			slog.Error("transport: connection failed", "error", err)
		}
		t.handleDisconnect(err)
		return err
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	// A superseded connection must not outlive its replacement.
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.retries = 0
	t.setStateLocked(StateConnected)
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	slog.Info("transport: connected", "queued", len(pending))

	// Flush messages deferred while disconnected, preserving FIFO order.
	for i, frame := range pending {
		if err := t.writeFrame(conn, frame); err != nil {
			slog.Error("transport: flush failed, requeuing", "error", err, "remaining", len(pending)-i)
			t.mu.Lock()
			t.queue = append(pending[i:], t.queue...)
			t.mu.Unlock()
			break
		}
	}

	t.wg.Add(1)
	go t.readLoop(conn)

	return nil
}

// Send transmits a frame immediately when connected; otherwise the frame
// joins an unbounded in-memory queue. Messages are never dropped while
// disconnected, only deferred.
func (t *Transport) Send(v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	if !connected {
		t.queue = append(t.queue, frame)
		queued := len(t.queue)
		t.mu.Unlock()
		slog.Debug("transport: queued message while disconnected", "queued", queued)
		return nil
	}
	t.mu.Unlock()

	if err := t.writeFrame(conn, frame); err != nil {
		t.requeue(frame)
		return err
	}
	return nil
}

func (t *Transport) writeFrame(conn *websocket.Conn, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *Transport) requeue(frame []byte) {
	t.mu.Lock()
	t.queue = append(t.queue, frame)
	t.mu.Unlock()
}

// Disconnect closes the socket intentionally. Idempotent; no automatic
// reconnection follows.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	conn := t.conn
	t.conn = nil
	if t.state != StateDisconnected {
		t.setStateLocked(StateDisconnected)
	}
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	slog.Info("transport: disconnected")
}

// Reconnect forces a fresh connection attempt, resetting the retry counter.
// It is the only way to resume after automatic retries are exhausted.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	conn := t.conn
	t.conn = nil
	t.retries = 0
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()

	metrics.Reconnects.WithLabelValues("manual").Inc()

	t.mu.Lock()
	t.closing = false
	t.setStateLocked(StateConnecting)
	t.mu.Unlock()

	return t.dial(ctx)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			intentional := t.closing || t.conn != conn
			t.mu.Unlock()

			if intentional {
				return
			}

			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("transport: read error", "error", err)
			}
			t.handleDisconnect(err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed frames are logged and dropped; they never take
			// the transport down.
			slog.Warn("transport: dropping malformed frame", "error", err)
			metrics.MessagesDropped.Inc()
			continue
		}

		metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

		if msg.Type == protocol.TypeState && t.cb.OnStateChange != nil {
			t.cb.OnStateChange(msg.State)
		}
		if t.cb.OnMessage != nil {
			t.cb.OnMessage(msg)
		}
	}
}

// handleDisconnect runs on unexpected close or dial failure: schedule a
// reconnect after BaseDelay * 2^retries while under the attempt budget,
// otherwise surface a terminal failure.
func (t *Transport) handleDisconnect(cause error) {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.conn = nil

	if t.cfg.Backoff.Exhausted(t.retries) {
		t.setStateLocked(StateError)
		t.mu.Unlock()

		slog.Error("transport: reconnect attempts exhausted", "attempts", t.cfg.Backoff.MaxAttempts, "cause", cause)
		if t.cb.OnFailure != nil {
			t.cb.OnFailure(domain.ErrMaxRetriesExceeded)
		}
		return
	}

	delay := t.cfg.Backoff.Delay(t.retries)
	t.retries++
	attempt := t.retries
	t.setStateLocked(StateError)

	t.retryTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		// A manual Connect or Reconnect may have won the race with this
		// timer; it owns the socket now.
		if t.closing || t.state == StateConnecting || t.state == StateConnected {
			t.mu.Unlock()
			return
		}
		t.retryTimer = nil
		t.setStateLocked(StateConnecting)
		t.mu.Unlock()

		metrics.Reconnects.WithLabelValues("auto").Inc()
		if err := t.dial(context.Background()); err != nil {
			slog.Warn("transport: reconnect attempt failed", "attempt", attempt, "error", err)
		}
	})
	t.mu.Unlock()

	slog.Warn("transport: scheduling reconnect", "attempt", attempt, "delay", delay, "cause", cause)
}

// setStateLocked requires t.mu held. Connection-state callbacks run outside
// the lock on a single drainer goroutine so transitions are delivered in the
// order they happened.
func (t *Transport) setStateLocked(state State) {
	if t.state == state {
		return
	}
	t.state = state
	if t.cb.OnConnectionState == nil {
		return
	}
	t.notifyQueue = append(t.notifyQueue, state)
	if !t.notifying {
		t.notifying = true
		go t.drainNotifications()
	}
}

func (t *Transport) drainNotifications() {
	for {
		t.mu.Lock()
		if len(t.notifyQueue) == 0 {
			t.notifying = false
			t.mu.Unlock()
			return
		}
		state := t.notifyQueue[0]
		t.notifyQueue = t.notifyQueue[1:]
		t.mu.Unlock()

		t.cb.OnConnectionState(state)
	}
}
