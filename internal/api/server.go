// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ZihanQ/intelligent-data-crawler/internal/metrics"
	"github.com/ZihanQ/intelligent-data-crawler/internal/scheduler"
)

// Config controls the HTTP surface.
type Config struct {
	// APIKey guards mutating endpoints when non-empty.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
	cfg       Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		scheduler: sched,
		logger:    logger,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.triggerRun)
			r.Get("/", s.listRuns)
			r.Get("/active", s.activeRun)
			r.Post("/cancel", s.cancelRun)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// triggerRun starts a manual run in the background. A run already in
// flight yields 409.
func (s *Server) triggerRun(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler.Status().Running {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	go func() {
		if _, err := s.scheduler.TriggerNow(context.Background()); err != nil {
			if errors.Is(err, scheduler.ErrRunInProgress) {
				return
			}
			s.logger.Error("manual run failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) listRuns(w http.ResponseWriter, _ *http.Request) {
	status := s.scheduler.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":             status.History,
		"skipped_triggers": status.SkippedTriggers,
	})
}

func (s *Server) activeRun(w http.ResponseWriter, _ *http.Request) {
	status := s.scheduler.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"running": status.Running,
		"last":    status.Last,
	})
}

func (s *Server) cancelRun(w http.ResponseWriter, _ *http.Request) {
	if !s.scheduler.CancelActive() {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
