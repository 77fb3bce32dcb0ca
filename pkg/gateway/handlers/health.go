package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		Draining bool     `json:"draining"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.UpstreamEndpoint == "" {
		issues = append(issues, "upstream endpoint is not configured")
	}
	if h.Config.UpstreamDeployment == "" {
		issues = append(issues, "upstream deployment is not configured")
	}
	if h.Config.MaxMessageBytes <= 0 {
		issues = append(issues, "max_message_bytes must be > 0")
	}
	if h.Config.HandshakeTimeout <= 0 || h.Config.WSWriteTimeout <= 0 || h.Config.UpstreamDialTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:       ok,
		Draining: draining,
		Issues:   issues,
	})
}
