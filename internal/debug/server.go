// Package debug serves the tracer's history and report over a local
// HTTP endpoint, so a running client can be inspected without
// attaching a debugger.
package debug

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/icube-dev/traego/internal/trace"
)

// Server exposes /debug/requests and /debug/report.
type Server struct {
	Router *chi.Mux
	addr   string
	logger *slog.Logger
	srv    *http.Server
}

// New builds the debug server around a tracer.
func New(addr string, tracer *trace.Tracer, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "traego-debug")
	})

	r.Get("/debug/requests", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, tracer.History())
	})
	r.Get("/debug/report", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, tracer.Report())
	})

	return &Server{Router: r, addr: addr, logger: logger}
}

// Start serves until Shutdown. Blocking.
func (s *Server) Start() error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.Router}
	s.logger.Info("debug server listening", slog.String("addr", s.addr))
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("debug request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
