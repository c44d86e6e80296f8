// Package server exposes the session operations over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coinpress/internal/config"
	"coinpress/internal/model"
	"coinpress/internal/service"
)

// SessionAPI is the session surface the handlers call. It is satisfied by
// *service.SessionService.
type SessionAPI interface {
	Start(ctx context.Context, machineID int64) (*model.GameSession, error)
	RecordPress(ctx context.Context, sessionID uuid.UUID, button int, pressCount int) (*model.GameSession, error)
	Settle(ctx context.Context, sessionID uuid.UUID) (*service.SettleResult, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*model.GameSession, error)
}

// Server is the HTTP server for session operations.
type Server struct {
	http   *http.Server
	logger zerolog.Logger
}

// New creates the HTTP server with routing and middleware configured.
func New(cfg *config.ServerConfig, api SessionAPI, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "http-server").Logger(),
	}
	h := &handler{api: api, logger: s.logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Post("/machines/{machineID}/sessions", h.startSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Put("/presses/{button}", h.recordPress)
		r.Post("/settle", h.settle)
	})

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestLogger logs one structured line per request.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("Request handled")
		})
	}
}
