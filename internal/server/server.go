package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the Switchboard HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Proxy serves /v1/*; Events serves /ws. Both are required.
type ServerConfig struct {
	Handlers *Handlers
	Proxy    http.Handler
	Events   http.Handler
	Logger   *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates an HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers
	mux := http.NewServeMux()

	// Proxy surface: any method, any path under /v1/.
	mux.Handle("/v1/", cfg.Proxy)

	// Event channel.
	mux.Handle("GET /ws", cfg.Events)

	// Read endpoints.
	mux.HandleFunc("GET /api/burn-rate/{org}", h.HandleBurnRate)
	mux.HandleFunc("GET /api/agents/{org}", h.HandleListAgents)
	mux.HandleFunc("GET /api/traces/{org}", h.HandleListTraces)
	mux.HandleFunc("GET /api/traces/{org}/{view}", h.HandleListTraces)
	mux.HandleFunc("GET /api/shadow-savings/{org}", h.HandleShadowSavings)
	mux.HandleFunc("GET /api/cache-stats/{org}", h.HandleCacheStats)
	mux.HandleFunc("GET /api/anomalies/{org}", h.HandleListAnomalies)
	mux.HandleFunc("GET /api/policies/current", h.HandleGetPolicy)
	mux.HandleFunc("GET /api/waf/rules", h.HandleListWAFRules)
	mux.HandleFunc("GET /api/control/status", h.HandleControlStatus)

	// Mutations.
	mux.HandleFunc("PUT /api/policies", h.HandleUpdatePolicy)
	mux.HandleFunc("PUT /api/waf/rules/{id}", h.HandleToggleWAFRule)
	mux.HandleFunc("POST /api/control/pause-all", h.HandlePauseAll)
	mux.HandleFunc("POST /api/control/resume-all", h.HandleResumeAll)
	mux.HandleFunc("POST /api/control/pause-agent", h.HandlePauseAgent)
	mux.HandleFunc("POST /api/control/resume-agent", h.HandleResumeAgent)
	mux.HandleFunc("POST /api/control/revoke-token", h.HandleRevokeToken)
	mux.HandleFunc("POST /api/control/emergency-stop", h.HandleEmergencyStop)
	mux.HandleFunc("POST /api/control/emergency-reset", h.HandleEmergencyReset)
	mux.HandleFunc("POST /api/anomalies/{id}/resolve", h.HandleResolveAnomaly)

	// Health (no auth, no middleware side effects worth skipping).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
