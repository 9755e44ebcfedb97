// Package api exposes the supervisor over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/CZERTAINLY/Autovisor/internal/broadcast"
	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/service"
)

// Supervisor is implemented by *service.Supervisor.
type Supervisor interface {
	Start(ctx context.Context, key model.JobKey, cmd service.Command) (service.Started, error)
	Pause(ctx context.Context, key model.JobKey) error
	Resume(ctx context.Context, key model.JobKey) error
	Stop(ctx context.Context, key model.JobKey) error
	Snapshot() model.Snapshot
	RecentLogs(key model.JobKey, limit int) []model.LogEvent
}

// Tailer is implemented by *tail.Tailer.
type Tailer interface {
	Attach(ctx context.Context, o *broadcast.Observer, key model.JobKey) error
	DetachAll(o *broadcast.Observer)
	Recent(limit int) ([]string, error)
}

type Server struct {
	cfg     model.Config
	sup     Supervisor
	hub     *broadcast.Hub
	tail    Tailer
	metrics http.Handler
	version string
}

type Option func(*Server)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

func New(cfg model.Config, sup Supervisor, hub *broadcast.Hub, tail Tailer, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		sup:     sup,
		hub:     hub,
		tail:    tail,
		version: "devel",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/health", s.health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/ws", s.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Get("/status", s.status)
		r.Get("/devices", s.devices)
		r.Post("/start-automation", s.startFamily(model.FamilyV1))
		r.Post("/start-automation-v2", s.startFamily(model.FamilyV2))
		r.Post("/pause-automation", s.pause)
		r.Post("/resume-automation", s.resume)
		r.Post("/stop-automation", s.stop)
		r.Get("/logs/{processKey}", s.fileLogs)

		r.Post("/jobs", s.startJob)
		r.Get("/jobs/{processKey}/logs", s.jobLogs)
	})

	if s.cfg.StaticDir != "" {
		r.Get("/dashboard", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "dashboard.html"))
		})
		r.Handle("/*", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   s.version,
		"families":  s.cfg.FamilyNames(),
		"observers": s.hub.Len(),
		"features": []string{
			"process supervision",
			"pause and resume",
			"live log streaming",
			"websocket dashboard",
		},
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Snapshot())
}

func (s *Server) devices(w http.ResponseWriter, _ *http.Request) {
	devices := s.cfg.Devices
	if devices == nil {
		devices = []model.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.DebugContext(r.Context(), "http request",
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
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps supervisor errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidKey), errors.Is(err, model.ErrUnknownFamily):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSignal):
		return http.StatusConflict
	case errors.Is(err, model.ErrSupervisorClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
