package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. repo and cache may be nil; without a
// repository only scoring, model info and health routes are functional.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, ec *engine.Context, version string) *Server {
	handler := NewHandler(repo, cache, ec, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Health and introspection
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Get("/model", handler.ModelInfo)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Scoring
	router.Post("/score", handler.Score)

	// Payments
	router.Post("/transactions", handler.SendTransaction)
	router.Get("/transactions/{id}", handler.GetTransaction)
	router.Get("/accounts/{number}", handler.GetAccount)
	router.Get("/accounts/{number}/transactions", handler.ListAccountTransactions)

	// Admin panel
	router.Route("/admin", func(r chi.Router) {
		r.Get("/stats", handler.Stats)
		r.Get("/accounts", handler.ListAccounts)
		r.Put("/accounts/{number}", handler.PutAccount)
		r.Post("/accounts/{number}/hold", handler.HoldAccount)
		r.Post("/accounts/{number}/release", handler.ReleaseAccount)
		r.Get("/transactions", handler.ListTransactions)
		r.Get("/evaluations/{id}", handler.GetEvaluation)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
