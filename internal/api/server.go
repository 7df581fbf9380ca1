// ABOUTME: HTTP server struct and router wiring for the queue's JSON surface.
// ABOUTME: Submit/get/cancel/stats for operators and the external web collaborator.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jacksund/taskq/internal/engine"
	"github.com/jacksund/taskq/internal/store"
)

// Server holds the dependencies for the HTTP layer. The queue is an internal
// service: deployments that expose it put their own gateway in front, so
// there is no auth here.
type Server struct {
	client *engine.Client
	store  *store.Store
}

// NewServer creates a Server over the given client and store.
func NewServer(client *engine.Client, st *store.Store) *Server {
	return &Server{client: client, store: st}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", srv.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/work-items", srv.handleSubmit)
		r.Get("/work-items/{id}", srv.handleGet)
		r.Post("/work-items/{id}/cancel", srv.handleCancel)
		r.Get("/stats", srv.handleStats)
	})

	return r
}

// requestLogger logs one line per request with slog, chi-middleware style.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (srv *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := srv.store.Pool().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
