// Package server provides the HTTP servers of streakd.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/streakd/internal/config"
	"github.com/devrev/streakd/internal/handler"
	"github.com/devrev/streakd/internal/health"
	"github.com/devrev/streakd/internal/middleware"
)

// Server is the API server
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	health       *health.HealthChecker
	errorHandler *handler.ErrorHandler
	observer     middleware.Observer
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates the API server. health and obs may be nil.
func NewServer(cfg *config.Config, handlers *handler.Handlers, errorHandler *handler.ErrorHandler, hc *health.HealthChecker, obs middleware.Observer, logger *zap.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
		handlers:     handlers,
		health:       hc,
		errorHandler: errorHandler,
		observer:     obs,
		logger:       logger,
		cfg:          cfg,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.observer),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	s.router.Use(middleware.Chain(middlewareChain...))

	if s.health != nil {
		s.router.HandleFunc("/health/live", s.health.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	}

	s.handlers.Register(s.router)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, http.StatusNotFound, handler.ErrorCodeNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, r, http.StatusMethodNotAllowed, handler.ErrorCodeMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the server's root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
