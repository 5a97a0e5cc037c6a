// Package httpserver assembles the chi router that fronts every HTTP-facing
// concern of a Nexus instance: the federation surface, the gateway and voice
// signaling WebSocket upgrades, and the metrics endpoint.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nexus-chat/nexus/internal/config"
	"github.com/nexus-chat/nexus/internal/metrics"
	"github.com/nexus-chat/nexus/internal/middleware"
)

// Server wraps the chi router and its http.Server lifecycle.
type Server struct {
	Router *chi.Mux
	cfg    *config.Config
	logger *slog.Logger
	server *http.Server
}

// New builds a Server with the ambient middleware stack installed
// (correlation IDs, structured request logging, recovery, CORS, security
// headers, and sliding-window rate limiting) but no routes mounted yet —
// callers mount the federation, gateway, and voice handlers afterward.
func New(cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		Router: chi.NewRouter(),
		cfg:    cfg,
		logger: logger,
	}

	limiter := middleware.NewSlidingWindowLimiter(
		middleware.DefaultSlidingWindowConfig(),
		middleware.DefaultEndpointRates(),
		logger,
	)

	s.Router.Use(chimiddleware.RealIP)
	s.Router.Use(middleware.CorrelationID)
	s.Router.Use(middleware.TracingLogger(logger))
	s.Router.Use(chimiddleware.Recoverer)
	s.Router.Use(corsMiddleware(cfg.HTTP.CORSOrigins))
	s.Router.Use(middleware.SecurityHeaders)
	s.Router.Use(middleware.RateLimitMiddleware(limiter))

	if cfg.Metrics.Enabled {
		s.Router.Handle("/metrics", metrics.Handler())
	}

	return s
}

// Start runs the HTTP server until it is shut down or fails. Call in a
// goroutine; a clean Shutdown returns http.ErrServerClosed, which Start
// swallows.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.HTTP.Listen,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket upgrades on this mux hold the connection open indefinitely.
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("HTTP server starting", slog.String("listen", s.cfg.HTTP.Listen))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests and open WebSocket
// connections within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.server.Shutdown(ctx)
}

// corsMiddleware returns a chi middleware that sets CORS headers for the
// given allowed origins ("*" allows any origin).
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := false
			for _, o := range origins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if !allowed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
					"Authorization", "Content-Type", "X-Nexus-Timestamp",
				}, ", "))
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
