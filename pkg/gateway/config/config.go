// Package config loads the gateway's immutable process configuration from
// the environment. Everything that shapes a session is fixed at startup;
// nothing here is mutated after LoadFromEnv returns.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Upstream realtime voice-model service.
	UpstreamEndpoint   string
	UpstreamDeployment string
	UpstreamAPIKey     string
	UpstreamAPIVersion string

	// Streaming transcription endpoint used by the audio pipeline.
	TranscribeAPIVersion string
	TranscribeModel      string
	TranscribePrompt     string

	// Server-enforced session parameters. These override whatever the
	// client tries to negotiate and are scrubbed from client-visible
	// session state. Pointer fields are enforced only when set.
	SystemMessage string
	VoiceChoice   string
	Temperature   *float64
	MaxTokens     *int
	DisableAudio  *bool

	// Order-state store. Empty DSN selects the in-memory store.
	OrderStoreDSN string

	// Reasoning stage for the audio pipeline. Empty API key selects the
	// echo reasoner.
	ReasonerModel  string
	ReasonerAPIKey string

	// Transport limits and timeouts.
	MaxMessageBytes   int64
	HandshakeTimeout  time.Duration
	WSWriteTimeout    time.Duration
	UpstreamDialTimeout time.Duration

	CORSAllowedOrigins map[string]struct{}

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("VOICEWIRE_ADDR", ":8080"),
		UpstreamEndpoint:     strings.TrimRight(os.Getenv("VOICEWIRE_UPSTREAM_ENDPOINT"), "/"),
		UpstreamDeployment:   os.Getenv("VOICEWIRE_UPSTREAM_DEPLOYMENT"),
		UpstreamAPIKey:       os.Getenv("VOICEWIRE_UPSTREAM_API_KEY"),
		UpstreamAPIVersion:   envOr("VOICEWIRE_UPSTREAM_API_VERSION", "2024-10-01-preview"),
		TranscribeAPIVersion: envOr("VOICEWIRE_TRANSCRIBE_API_VERSION", "2025-04-01-preview"),
		TranscribeModel:      envOr("VOICEWIRE_TRANSCRIBE_MODEL", "gpt-4o-mini-transcribe"),
		TranscribePrompt:     envOr("VOICEWIRE_TRANSCRIBE_PROMPT", "Respond in English."),
		SystemMessage:        envOr("VOICEWIRE_SYSTEM_MESSAGE", "You are a nice and helpful assistant. You can answer questions, provide information, and assist with various tasks."),
		VoiceChoice:          envOr("VOICEWIRE_VOICE", "alloy"),
		OrderStoreDSN:        os.Getenv("VOICEWIRE_ORDER_STORE_DSN"),
		ReasonerModel:        envOr("VOICEWIRE_REASONER_MODEL", "gemini-2.0-flash"),
		ReasonerAPIKey:       os.Getenv("VOICEWIRE_REASONER_API_KEY"),
		MaxMessageBytes:      envInt64Or("VOICEWIRE_MAX_MESSAGE_BYTES", 1<<20),
		HandshakeTimeout:     envDurationOr("VOICEWIRE_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSWriteTimeout:       envDurationOr("VOICEWIRE_WS_WRITE_TIMEOUT", 5*time.Second),
		UpstreamDialTimeout:  envDurationOr("VOICEWIRE_UPSTREAM_DIAL_TIMEOUT", 10*time.Second),
		CORSAllowedOrigins:   make(map[string]struct{}),
		ReadHeaderTimeout:    envDurationOr("VOICEWIRE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("VOICEWIRE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if v, ok, err := envFloat("VOICEWIRE_TEMPERATURE"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Temperature = &v
	} else {
		def := 0.6
		cfg.Temperature = &def
	}
	if v, ok, err := envInt("VOICEWIRE_MAX_TOKENS"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.MaxTokens = &v
	}
	if v, ok, err := envBool("VOICEWIRE_DISABLE_AUDIO"); err != nil {
		return Config{}, err
	} else if ok {
		cfg.DisableAudio = &v
	}

	for _, origin := range splitCSV(os.Getenv("VOICEWIRE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.UpstreamEndpoint == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_UPSTREAM_ENDPOINT is required")
	}
	if cfg.UpstreamDeployment == "" {
		return Config{}, fmt.Errorf("VOICEWIRE_UPSTREAM_DEPLOYMENT is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_UPSTREAM_DIAL_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > 2) {
		return Config{}, fmt.Errorf("VOICEWIRE_TEMPERATURE must be in [0, 2]")
	}
	if cfg.MaxTokens != nil && *cfg.MaxTokens <= 0 {
		return Config{}, fmt.Errorf("VOICEWIRE_MAX_TOKENS must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt64Or(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envFloat(key string) (float64, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be a number", key)
	}
	return f, true, nil
}

func envInt(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer", key)
	}
	return n, true, nil
}

func envBool(key string) (bool, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, true, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
