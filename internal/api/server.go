package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/worksight/internal/presence"
	"github.com/goodtune/worksight/internal/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds API server configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// Server serves the session API and the WebSocket endpoint.
type Server struct {
	config      Config
	manager     *session.Manager
	registry    *presence.Registry
	coordinator *presence.Coordinator
	ws          http.Handler
	router      *mux.Router
	server      *http.Server
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server. ws serves /ws and may be nil.
func NewServer(cfg Config, manager *session.Manager, registry *presence.Registry, coordinator *presence.Coordinator, ws http.Handler, logger zerolog.Logger) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		config:      cfg,
		manager:     manager,
		registry:    registry,
		coordinator: coordinator,
		ws:          ws,
		router:      mux.NewRouter(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	// WriteTimeout stays unset: /ws connections are long lived.
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	// Preflight is only routed when the CORS middleware is there to answer it.
	post := []string{http.MethodPost}
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
		post = append(post, http.MethodOptions)
	}

	if s.ws != nil {
		s.router.Handle("/ws", s.ws).Methods("GET")
	}

	// Session lifecycle
	sessions := NewSessionsHandler(s.manager, s.logger)
	s.router.HandleFunc("/api/sessions/start", sessions.Start).Methods(post...)
	s.router.HandleFunc("/api/sessions/end", sessions.End).Methods(post...)
	s.router.HandleFunc("/api/sessions/active", sessions.Active).Methods("GET")
	s.router.HandleFunc("/api/sessions", sessions.List).Methods("GET")
	s.router.HandleFunc("/api/sessions/{id}", sessions.Get).Methods("GET")
	s.router.HandleFunc("/api/sessions/{id}/apps", sessions.Apps).Methods("GET")

	// Foreground apps
	apps := NewAppsHandler(s.manager, s.logger)
	s.router.HandleFunc("/api/apps", apps.List).Methods("GET")
	s.router.HandleFunc("/api/apps/start", apps.Start).Methods(post...)
	s.router.HandleFunc("/api/apps/end", apps.End).Methods(post...)

	// Presence and admin requests
	presenceHandler := NewPresenceHandler(s.registry, s.coordinator, s.logger)
	s.router.HandleFunc("/api/presence", presenceHandler.List).Methods("GET")
	s.router.HandleFunc("/api/presence/notify", presenceHandler.Notify).Methods(post...)
	s.router.HandleFunc("/api/screenshots/request", presenceHandler.RequestScreenshots).Methods(post...)
	s.router.HandleFunc("/api/screenshots/request/{employee_id}", presenceHandler.RequestScreenshot).Methods(post...)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Serve runs the server until it is shut down. It returns nil after Stop.
func (s *Server) Serve() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	var err error
	if s.listener != nil {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
		err = s.server.Serve(s.listener)
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}
