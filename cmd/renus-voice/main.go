package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcarraroia/renus-agent-v1/internal/voice/capture"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/controller"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/events"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/playback"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/protocol"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/session"
	"github.com/rcarraroia/renus-agent-v1/internal/voice/transport"
	"github.com/rcarraroia/renus-agent-v1/shared/backoff"
	"github.com/rcarraroia/renus-agent-v1/shared/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultCaptureSampleRate is what the backend STT expects.
	DefaultCaptureSampleRate = 16000
	// DefaultPlaybackSampleRate matches the backend TTS output.
	DefaultPlaybackSampleRate = 24000
)

type Config struct {
	BackendWSURL string
	ListenAddr   string

	SessionDBPath  string
	SessionTimeout time.Duration

	SampleRate       int
	Channels         int
	SegmentInterval  time.Duration
	SilenceThreshold float64
	SilenceDuration  time.Duration

	PlaybackSampleRate int
	PacePlayback       bool

	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}

func LoadConfig() *Config {
	return &Config{
		BackendWSURL: config.GetEnv("BACKEND_WS_URL", "ws://localhost:8080/ws/voice"),
		ListenAddr:   config.GetEnv("LISTEN_ADDR", "127.0.0.1:8790"),

		SessionDBPath:  config.GetEnv("SESSION_DB_PATH", "renus-voice.db"),
		SessionTimeout: config.GetEnvDuration("SESSION_TIMEOUT", session.DefaultTimeout),

		SampleRate:       config.GetEnvInt("SAMPLE_RATE", DefaultCaptureSampleRate),
		Channels:         config.GetEnvInt("CHANNELS", 1),
		SegmentInterval:  config.GetEnvDuration("SEGMENT_INTERVAL", capture.DefaultSegmentInterval),
		SilenceThreshold: config.GetEnvFloat("SILENCE_THRESHOLD", capture.DefaultSilenceThreshold),
		SilenceDuration:  config.GetEnvDuration("SILENCE_DURATION", capture.DefaultSilenceDuration),

		PlaybackSampleRate: config.GetEnvInt("PLAYBACK_SAMPLE_RATE", DefaultPlaybackSampleRate),
		PacePlayback:       config.GetEnvBool("PACE_PLAYBACK", true),

		ReconnectBaseDelay:   config.GetEnvDuration("RECONNECT_BASE_DELAY", backoff.Default.BaseDelay),
		ReconnectMaxAttempts: config.GetEnvInt("RECONNECT_MAX_ATTEMPTS", backoff.Default.MaxAttempts),
	}
}

func main() {
	var showHelp bool
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message")
	flag.Parse()

	if showHelp {
		printHelp()
		os.Exit(0)
	}

	_ = godotenv.Load()

	level := slog.LevelInfo
	if config.GetEnvBool("DEBUG", false) {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("starting renus voice agent")

	cfg := LoadConfig()
	logConfig(cfg)

	store, err := session.Open(cfg.SessionDBPath, cfg.SessionTimeout)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	sink := events.Multi{events.SlogSink{}, events.MetricsSink{}}

	var ctrl *controller.Controller

	tr := transport.New(transport.Config{
		URL: cfg.BackendWSURL,
		Backoff: backoff.Policy{
			BaseDelay:   cfg.ReconnectBaseDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
	}, transport.Callbacks{
		OnMessage:     func(msg *protocol.VoiceMessage) { ctrl.HandleMessage(msg) },
		OnStateChange: func(state protocol.AgentState) { ctrl.HandleServerState(state) },
		OnConnectionState: func(state transport.State) {
			ctrl.HandleConnectionState(state == transport.StateConnected)
		},
		OnFailure: func(err error) { ctrl.HandleTransportFailure(err) },
	})

	src := capture.NewStdinSource(cfg.SampleRate, cfg.Channels)
	engine := capture.NewEngine(capture.Config{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		SegmentInterval:  cfg.SegmentInterval,
		SilenceThreshold: cfg.SilenceThreshold,
		SilenceDuration:  cfg.SilenceDuration,
	}, src, capture.Callbacks{
		OnSegment: func(seg capture.Segment) { ctrl.HandleSegment(seg) },
		OnStop:    func(final capture.Segment) { ctrl.HandleCaptureStopped(final) },
	})

	speaker, err := playback.NewOpusSink(os.Stdout, cfg.PlaybackSampleRate, cfg.Channels, cfg.PacePlayback)
	if err != nil {
		slog.Error("failed to create playback sink", "error", err)
		os.Exit(1)
	}
	queue := playback.NewQueue(speaker)

	ctrl = controller.New(tr, engine, queue, store, sink)
	queue.SetOnDrained(ctrl.HandlePlaybackDrained)
	ctrl.SetNotifier(func(text string) {
		slog.Warn("user notice", "message", text)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ctrl.Run(ctx)

	go func() {
		if err := tr.Connect(ctx); err != nil {
			slog.Warn("initial connect failed, retry scheduled", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newRouter(ctrl),
	}
	go func() {
		slog.Info("control listener started", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("control listener failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	ctrl.Deactivate()
	engine.Stop()
	queue.Wait()
	tr.Disconnect()
	cancel()

	slog.Info("voice agent stopped")
}

func newRouter(ctrl *controller.Controller) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	})
	r.Post("/session/activate", func(w http.ResponseWriter, _ *http.Request) {
		ctrl.Activate()
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/session/deactivate", func(w http.ResponseWriter, _ *http.Request) {
		ctrl.Deactivate()
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/session/reconnect", func(w http.ResponseWriter, _ *http.Request) {
		ctrl.Reconnect()
		w.WriteHeader(http.StatusAccepted)
	})
	r.Post("/session/text", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
			return
		}
		ctrl.SendText(body.Text)
		w.WriteHeader(http.StatusAccepted)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func printHelp() {
	fmt.Println(`Renus Voice Agent

Bridges a microphone Opus stream (stdin) and a speaker PCM stream (stdout)
to the Renus voice backend over WebSocket.

Environment Variables:
  Backend Connection:
    BACKEND_WS_URL          Voice backend WebSocket URL (default: ws://localhost:8080/ws/voice)
    RECONNECT_BASE_DELAY    Base reconnect backoff delay (default: 1s)
    RECONNECT_MAX_ATTEMPTS  Automatic reconnect attempts before giving up (default: 3)

  Session:
    SESSION_DB_PATH         SQLite file for session identity (default: renus-voice.db)
    SESSION_TIMEOUT         Session expiry window (default: 30m)

  Audio:
    SAMPLE_RATE             Capture sample rate (default: 16000)
    CHANNELS                Audio channels (default: 1)
    SEGMENT_INTERVAL        Audio segment emission interval (default: 100ms)
    SILENCE_THRESHOLD       Normalized silence level threshold (default: 0.01)
    SILENCE_DURATION        Silence window that ends a recording (default: 1.5s)
    PLAYBACK_SAMPLE_RATE    Playback sample rate (default: 24000)
    PACE_PLAYBACK           Pace PCM writes in real time (default: true)

  Control:
    LISTEN_ADDR             Control/metrics HTTP address (default: 127.0.0.1:8790)
    DEBUG                   Enable debug logging (default: false)

Usage:
  renus-voice [flags]

Flags:
  -h, -help  Show this help message`)
}

func logConfig(cfg *Config) {
	slog.Info("configuration",
		"backend_ws_url", cfg.BackendWSURL,
		"listen_addr", cfg.ListenAddr,
		"session_db_path", cfg.SessionDBPath,
		"session_timeout", cfg.SessionTimeout,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"segment_interval", cfg.SegmentInterval,
		"silence_threshold", cfg.SilenceThreshold,
		"silence_duration", cfg.SilenceDuration,
		"playback_sample_rate", cfg.PlaybackSampleRate,
		"reconnect_base_delay", cfg.ReconnectBaseDelay,
		"reconnect_max_attempts", cfg.ReconnectMaxAttempts,
	)
}
