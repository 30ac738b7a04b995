// Package server exposes the HTTP API: auth, chat turns, session
// management, progress polling, and repository operations.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"patchbay.dev/loop"
	"patchbay.dev/progress"
	"patchbay.dev/store"
	"patchbay.dev/workspace"
)

// Server wires the HTTP layer to the turn loop and its stores.
type Server struct {
	Store      store.Store
	Registry   *loop.Registry
	Progress   *progress.Tracker
	Workspaces *workspace.Store

	// JWTSecret signs and verifies auth tokens.
	JWTSecret []byte
	// TokenTTL is how long issued tokens stay valid.
	TokenTTL time.Duration

	// AgentMode selects the in-process tool loop or an external agent
	// subprocess per turn.
	AgentMode    string
	AgentBin     string
	AgentTimeout time.Duration

	// GitToken, when set, authenticates clones from the repos endpoint.
	GitToken string
}

// Handler builds the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/chat", s.handleChat)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}/messages", s.handleSessionMessages)
			r.Get("/sessions/{id}/validate", s.handleValidateSession)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Get("/progress/{id}", s.handleProgress)
			r.Post("/repos/clone", s.handleCloneRepo)
		})
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger logs one line per request with method, path, status, and
// duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
