// Package server wires the registries, broadcast hub, dispatcher, and HTTP
// surface into one gateway.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/urja-ai/voicedesk/pkg/gateway/config"
	"github.com/urja-ai/voicedesk/pkg/gateway/handlers"
	"github.com/urja-ai/voicedesk/pkg/gateway/lifecycle"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/broadcast"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/dispatch"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/provider"
	"github.com/urja-ai/voicedesk/pkg/gateway/live/registry"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	sessions    *registry.SessionStore
	escalations *registry.EscalationStore
	hub         *broadcast.Hub
	dispatcher  *dispatch.Handler
	lifecycle   *lifecycle.Lifecycle
	connections *lifecycle.Tracker
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var generation provider.Generation
	if cfg.GeminiAPIKey != "" {
		gemini, err := provider.NewGemini(context.Background(), cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, err
		}
		generation = gemini
	} else {
		logger.Warn("no gemini api key configured, running with canned generation")
		generation = provider.CannedGeneration{}
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		mux:         http.NewServeMux(),
		sessions:    registry.NewSessionStore(),
		escalations: registry.NewEscalationStore(),
		hub:         broadcast.NewHubWithQueueSize(logger, cfg.LiveOutboundQueueSize),
		lifecycle:   &lifecycle.Lifecycle{},
		connections: lifecycle.NewTracker(),
	}

	dispatcher, err := dispatch.New(dispatch.Dependencies{
		Logger:      logger,
		Sessions:    s.sessions,
		Escalations: s.escalations,
		Hub:         s.hub,
		Generation:  generation,
		Config:      dispatch.Config{TurnTimeout: cfg.LiveTurnTimeout},
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = dispatcher

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle, Connections: s.connections})

	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:      s.cfg,
		Logger:      s.logger,
		Lifecycle:   s.lifecycle,
		Connections: s.connections,
		Hub:         s.hub,
		Dispatcher:  s.dispatcher,
	})

	s.mux.HandleFunc("GET /v1/sessions/{id}", handlers.SessionStateHandler{
		Sessions:    s.sessions,
		Escalations: s.escalations,
	}.ServeHTTP)

	escalations := handlers.EscalationsHandler{Escalations: s.escalations}
	s.mux.HandleFunc("GET /v1/escalations", escalations.List)
	s.mux.HandleFunc("DELETE /v1/escalations/{id}", escalations.Delete)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WaitLiveConnections blocks until every websocket connection has closed or
// the context expires.
func (s *Server) WaitLiveConnections(ctx context.Context) bool {
	return s.connections.Wait(ctx)
}

func (s *Server) CancelLiveConnections() int {
	return s.connections.CancelAll()
}
