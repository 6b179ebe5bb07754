// Package api exposes the coaching engine over HTTP: analysis,
// rubric reads, review submission, audit queries, and cache
// introspection.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"coach/internal/analysis"
	"coach/internal/audit"
	"coach/internal/cache"
	"coach/internal/logging"
	"coach/internal/review"
	"coach/internal/rubric"
	"coach/internal/transcript"
)

// Services are the engine components the handlers call into.
type Services struct {
	Analysis *analysis.Service
	Rubrics  *rubric.Store
	Reviews  *review.Reconciler
	Calls    *transcript.Store
	Cache    *cache.Cache
	Trail    *audit.Trail
}

// Server is the HTTP API server.
type Server struct {
	addr   string
	server *http.Server
	svc    Services
	logger *logging.Logger
}

// NewServer creates the HTTP server with routes and middleware wired.
func NewServer(addr string, svc Services, logger *logging.Logger) *Server {
	s := &Server{
		addr:   addr,
		svc:    svc,
		logger: logger,
	}

	mux := chi.NewRouter()
	mux.Use(RequestIDMiddleware())
	mux.Use(LoggingMiddleware(logger))
	mux.Use(RecoveryMiddleware(logger))

	mux.Get("/health", s.handleHealth)
	mux.Route("/v1", func(r chi.Router) {
		r.Post("/transcripts", s.handleIngest)
		r.Get("/calls/{id}", s.handleGetCall)
		r.Post("/calls/{id}/analyze", s.handleAnalyze)
		r.Get("/criteria", s.handleCriteria)
		r.Post("/reviews", s.handleSubmitReview)
		r.Get("/reviews", s.handleReviews)
		r.Get("/audit", s.handleAudit)
		r.Get("/cache/stats", s.handleCacheStats)
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", map[string]interface{}{
		"addr": s.addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server", nil)
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP implements http.Handler for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}
