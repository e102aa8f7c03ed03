// Package server provides the HTTP introspection API for a running engine.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
)

// Server is the HTTP server for the engine's admin API.
type Server struct {
	engine *engine.Engine
	addr   string
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server for e listening on addr.
func NewServer(e *engine.Engine, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: e, addr: addr, logger: logger}
}

// Router returns the route table. Start serves it; tests drive it directly.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/config", s.handleGetConfig)
	r.Put("/config", s.handlePutConfig)
	r.Put("/enabled", s.handleSetEnabled)
	r.Post("/flush", s.handleFlush)
	r.Post("/learn", s.handleLearn)
	r.Post("/tick", s.handleTick)
	r.Get("/patterns", s.handleListPatterns)
	r.Post("/patterns/search", s.handleSearchPatterns)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// requestLogger logs each request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
