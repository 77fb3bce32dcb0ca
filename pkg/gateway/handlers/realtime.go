package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/lifecycle"
	"github.com/voicewire/voicewire/pkg/gateway/metrics"
	"github.com/voicewire/voicewire/pkg/gateway/mw"
	"github.com/voicewire/voicewire/pkg/gateway/pipeline"
	"github.com/voicewire/voicewire/pkg/gateway/realtime"
	"github.com/voicewire/voicewire/pkg/gateway/relay"
	"github.com/voicewire/voicewire/pkg/gateway/session"
	"github.com/voicewire/voicewire/pkg/gateway/sessions"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

const (
	ModeRelay    = "relay"
	ModePipeline = "pipeline"
)

// DialFunc opens an upstream websocket. Injected so tests can point the
// handler at a fake service.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// RealtimeHandler upgrades /realtime requests and drives one session per
// connection. The ?mode= query parameter selects the driver: the default
// relay bridges the client to the upstream model service, the pipeline
// runs the staged transcribe-reason-speak loop.
type RealtimeHandler struct {
	Config       config.Config
	Tools        *tools.Registry
	Sessions     *session.Registry
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Reasoner     pipeline.Reasoner
	Synth        pipeline.Synthesizer

	// TokenProvider supplies bearer tokens for upstream auth when no
	// static API key is configured.
	TokenProvider realtime.TokenProvider

	DialUpstream   DialFunc
	DialTranscribe DialFunc
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	mode := strings.TrimSpace(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = ModeRelay
	}
	if mode != ModeRelay && mode != ModePipeline {
		http.Error(w, "unsupported mode", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	if h.Config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.Config.MaxMessageBytes)
	}
	client := realtime.NewConn(ws, h.Config.WSWriteTimeout)

	sessionID, err := h.Sessions.Create(r.Context(), client)
	if err != nil {
		h.writeWSError(client, "internal", "failed to create session")
		return
	}
	defer h.Sessions.Remove(client)

	requestID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", sessionID, "request_id", requestID, "mode", mode)

	startAt := time.Now()
	status := "ok"
	if h.Metrics != nil {
		h.Metrics.SessionStarted()
		defer func() { h.Metrics.SessionEnded(mode, status, startAt) }()
	}

	var runErr error
	switch mode {
	case ModeRelay:
		runErr = h.runRelay(r.Context(), client, sessionID, logger)
	case ModePipeline:
		runErr = h.runPipeline(client, sessionID, logger)
	}
	if runErr != nil {
		status = "error"
		logger.Warn("session ended with error", "error", runErr)
	}
}

func (h RealtimeHandler) runRelay(ctx context.Context, client *realtime.Conn, sessionID string, logger *slog.Logger) error {
	dialCtx, cancel := context.WithTimeout(ctx, h.Config.UpstreamDialTimeout)
	upstreamWS, err := h.dialUpstream(dialCtx)
	cancel()
	if err != nil {
		logger.Error("upstream dial failed", "error", err)
		h.writeWSError(client, "upstream_unavailable", "failed to reach the model service")
		return err
	}
	upstream := realtime.NewConn(upstreamWS, h.Config.WSWriteTimeout)
	defer upstream.Close()

	filter := relay.NewFilter(relay.FilterConfig{
		Enforced: relay.Enforced{
			SystemMessage: h.Config.SystemMessage,
			Voice:         h.Config.VoiceChoice,
			Temperature:   h.Config.Temperature,
			MaxTokens:     h.Config.MaxTokens,
			DisableAudio:  h.Config.DisableAudio,
		},
		Tools:     h.Tools,
		Pending:   relay.NewPendingCalls(),
		SessionID: sessionID,
		Logger:    logger,
		Metrics:   h.Metrics,
	})

	rl, err := relay.New(relay.Config{
		Client:    client,
		Upstream:  upstream,
		Filter:    filter,
		SessionID: sessionID,
		Logger:    logger,
		Metrics:   h.Metrics,
	})
	if err != nil {
		return err
	}
	defer h.register(sessionID, rl.Cancel, rl.SendWarning)()
	return rl.Run()
}

func (h RealtimeHandler) runPipeline(client *realtime.Conn, sessionID string, logger *slog.Logger) error {
	p, err := pipeline.New(pipeline.Config{
		Client: client,
		Transcriber: &pipeline.Transcriber{
			Dial:   h.dialTranscribe,
			Model:  h.Config.TranscribeModel,
			Prompt: h.Config.TranscribePrompt,
			Logger: logger,
		},
		Reasoner:  h.Reasoner,
		Synth:     h.Synth,
		SessionID: sessionID,
		Logger:    logger,
		Metrics:   h.Metrics,
	})
	if err != nil {
		return err
	}
	defer h.register(sessionID, p.Cancel, p.SendWarning)()
	return p.Run()
}

func (h RealtimeHandler) register(sessionID string, cancel func(), warn func(code, message string) error) (unregister func()) {
	if h.LiveSessions == nil {
		return func() {}
	}
	return h.LiveSessions.Register(sessionID, sessions.Handle{
		Cancel: cancel,
		Warn:   warn,
	})
}

func (h RealtimeHandler) dialUpstream(ctx context.Context) (*websocket.Conn, error) {
	if h.DialUpstream != nil {
		return h.DialUpstream(ctx)
	}
	return realtime.Dial(ctx, realtime.DialConfig{
		Endpoint: h.Config.UpstreamEndpoint,
		Path:     "/openai/realtime",
		Query: url.Values{
			"api-version": {h.Config.UpstreamAPIVersion},
			"deployment":  {h.Config.UpstreamDeployment},
		},
		APIKey:           h.Config.UpstreamAPIKey,
		TokenProvider:    h.TokenProvider,
		HandshakeTimeout: h.Config.HandshakeTimeout,
	})
}

func (h RealtimeHandler) dialTranscribe(ctx context.Context) (*websocket.Conn, error) {
	if h.DialTranscribe != nil {
		return h.DialTranscribe(ctx)
	}
	return realtime.Dial(ctx, realtime.DialConfig{
		Endpoint: h.Config.UpstreamEndpoint,
		Path:     "/openai/realtime",
		Query: url.Values{
			"api-version": {h.Config.TranscribeAPIVersion},
			"intent":      {"transcription"},
		},
		APIKey:           h.Config.UpstreamAPIKey,
		TokenProvider:    h.TokenProvider,
		HandshakeTimeout: h.Config.HandshakeTimeout,
	})
}

func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h RealtimeHandler) writeWSError(conn *realtime.Conn, code, message string) {
	_ = conn.WriteJSON(map[string]string{
		"type":    "error",
		"code":    code,
		"message": message,
	})
	_ = conn.Close()
}
