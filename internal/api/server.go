package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  Config
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Dependencies) *Server {
	handler := NewHandler(deps, cfg.Version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Reward evaluation
	router.Post("/evaluate", handler.Evaluate)
	router.Post("/evaluate/batch", handler.EvaluateBatch)
	router.Get("/decisions/{id}", handler.GetDecision)

	// Rule management
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/reload", handler.ReloadRules)
		r.Get("/{id}", handler.GetRule)
	})

	// Wallets
	router.Route("/wallets/{playerID}", func(r chi.Router) {
		r.Use(PlayerMiddleware)
		r.Get("/", handler.GetWallet)
		r.Get("/transactions", handler.ListTransactions)
		r.Post("/wager", handler.RecordWager)
		r.Post("/deduct", handler.DeductBalance)
	})
	router.Post("/bonuses/expire", handler.ExpireBonuses)

	// Players and abuse signals
	router.Route("/players/{playerID}", func(r chi.Router) {
		r.Use(PlayerMiddleware)
		r.Post("/review", handler.FlagForReview)
		r.Get("/signals", handler.ListSignals)
		r.Get("/decisions", handler.ListDecisions)
	})
	router.Post("/signals/{id}/resolve", handler.ResolveSignal)

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
