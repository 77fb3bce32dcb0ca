// Package server assembles the gateway: store, tool registry, session
// tracking, metrics, and the HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/voicewire/voicewire/pkg/gateway/config"
	"github.com/voicewire/voicewire/pkg/gateway/handlers"
	"github.com/voicewire/voicewire/pkg/gateway/lifecycle"
	"github.com/voicewire/voicewire/pkg/gateway/metrics"
	"github.com/voicewire/voicewire/pkg/gateway/mw"
	"github.com/voicewire/voicewire/pkg/gateway/orderstate"
	"github.com/voicewire/voicewire/pkg/gateway/pipeline"
	"github.com/voicewire/voicewire/pkg/gateway/session"
	"github.com/voicewire/voicewire/pkg/gateway/sessions"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
	"github.com/voicewire/voicewire/pkg/gateway/tools/builtins"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	store        orderstate.Store
	tools        *tools.Registry
	sessions     *session.Registry
	liveSessions *sessions.Tracker
	lifecycle    *lifecycle.Lifecycle
	metrics      *metrics.Metrics

	pg *orderstate.PostgresStore
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		mux:          http.NewServeMux(),
		tools:        tools.NewRegistry(),
		liveSessions: sessions.NewTracker(),
		lifecycle:    &lifecycle.Lifecycle{},
		metrics:      metrics.New("voicewire"),
	}

	if cfg.OrderStoreDSN != "" {
		pg, err := orderstate.OpenPostgres(ctx, cfg.OrderStoreDSN)
		if err != nil {
			return nil, fmt.Errorf("open order store: %w", err)
		}
		s.pg = pg
		s.store = pg
	} else {
		s.store = orderstate.NewMemoryStore()
	}
	s.sessions = session.NewRegistry(s.store)

	if err := builtins.RegisterOrderTools(s.tools, s.store); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}

	reasoner, err := s.newReasoner(ctx)
	if err != nil {
		return nil, err
	}

	s.routes(reasoner)
	return s, nil
}

func (s *Server) newReasoner(ctx context.Context) (pipeline.Reasoner, error) {
	if s.cfg.ReasonerAPIKey == "" {
		return pipeline.EchoReasoner{}, nil
	}
	r, err := pipeline.NewModelReasoner(ctx, s.cfg.ReasonerAPIKey, s.cfg.ReasonerModel)
	if err != nil {
		return nil, fmt.Errorf("init reasoner: %w", err)
	}
	return r, nil
}

func (s *Server) routes(reasoner pipeline.Reasoner) {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})
	s.mux.Handle("/metrics", s.metrics.Handler())

	s.mux.Handle("/realtime", handlers.RealtimeHandler{
		Config:       s.cfg,
		Tools:        s.tools,
		Sessions:     s.sessions,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Metrics:      s.metrics,
		Logger:       s.logger,
		Reasoner:     reasoner,
		Synth:        pipeline.SilenceSynthesizer{},
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips the gateway into drain mode. New sessions are
// rejected; live ones keep running until canceled or done.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

func (s *Server) WarnLiveSessionsDraining() {
	n := s.liveSessions.WarnAll("draining", "gateway is shutting down")
	if n > 0 {
		s.logger.Info("warned live sessions", "count", n)
	}
}

// WaitLiveSessions blocks until all live sessions finish or ctx expires.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() {
	n := s.liveSessions.CancelAll()
	if n > 0 {
		s.logger.Warn("canceled live sessions", "count", n)
	}
}

// Close releases backing resources. Call after the HTTP server has
// stopped.
func (s *Server) Close() {
	if s.pg != nil {
		s.pg.Close()
	}
}
