package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server is the MentorMind HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
type Config struct {
	DB     Store
	Judge  Judge
	Coach  Coach
	Stats  StatsProvider
	Memory MemoryHealth // optional, nil disables the Qdrant health field
	Logger *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Judge:               cfg.Judge,
		Coach:               cfg.Coach,
		Stats:               cfg.Stats,
		Memory:              cfg.Memory,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("POST /evaluations/submit", h.HandleSubmitEvaluation)
	mux.HandleFunc("GET /evaluations/{id}/feedback", h.HandleFeedback)
	mux.HandleFunc("POST /evaluations/{id}/rejudge", h.HandleRejudge)

	mux.HandleFunc("GET /snapshots/", h.HandleListSnapshots)
	mux.HandleFunc("GET /snapshots/{id}", h.HandleGetSnapshot)
	mux.HandleFunc("DELETE /snapshots/{id}", h.HandleDeleteSnapshot)
	mux.HandleFunc("GET /snapshots/{id}/messages", h.HandleListMessages)
	mux.HandleFunc("POST /snapshots/{id}/chat", h.HandleChat)

	mux.HandleFunc("GET /stats/overview", h.HandleStatsOverview)
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
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
