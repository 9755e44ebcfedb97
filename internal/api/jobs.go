package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/service"
)

// jobRequest addresses a job either by processKey or by its parts. City is
// the historical name of Locality and Version the one of Family.
type jobRequest struct {
	ProcessKey string `json:"processKey,omitempty"`
	Family     string `json:"family,omitempty"`
	Version    string `json:"version,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
	Locality   string `json:"locality,omitempty"`
	City       string `json:"city,omitempty"`
}

func (r jobRequest) key(defaultFamily string) (model.JobKey, error) {
	if r.ProcessKey != "" {
		return model.ParseJobKey(r.ProcessKey)
	}
	family := r.Family
	if family == "" {
		family = r.Version
	}
	if family == "" {
		family = defaultFamily
	}
	locality := r.Locality
	if locality == "" {
		locality = r.City
	}
	return model.NewJobKey(family, r.DeviceID, locality)
}

func (r jobRequest) hasTarget() bool {
	return r.ProcessKey != "" || (r.DeviceID != "" && (r.City != "" || r.Locality != ""))
}

type startResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ProcessID   int    `json:"processId"`
	ProcessKey  string `json:"processKey"`
	Family      string `json:"family"`
	Description string `json:"description,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request) (jobRequest, bool) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return req, false
	}
	return req, true
}

// startFamily handles the legacy per-family start endpoints.
func (s *Server) startFamily(family string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		req.ProcessKey = ""
		req.Family, req.Version = family, ""
		s.start(w, r, req)
	}
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	if req.Family == "" && req.Version == "" && req.ProcessKey == "" {
		writeError(w, http.StatusBadRequest, "family is required")
		return
	}
	s.start(w, r, req)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, req jobRequest) {
	if req.ProcessKey == "" && (req.DeviceID == "" || (req.City == "" && req.Locality == "")) {
		writeError(w, http.StatusBadRequest, "deviceId and city are required")
		return
	}
	key, err := req.key(model.FamilyV1)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	cmd, err := service.CommandFor(s.cfg, key)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}

	started, err := s.sup.Start(r.Context(), key, cmd)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}

	description := s.cfg.Families[key.Family].Description
	name := description
	if name == "" {
		name = key.Family + " automation"
	}
	slog.InfoContext(r.Context(), "automation started", "job_key", key.String(), "pid", started.PID)
	writeJSON(w, http.StatusOK, startResponse{
		Success:     true,
		Message:     fmt.Sprintf("%s started for %s", name, key.Locality),
		ProcessID:   started.PID,
		ProcessKey:  key.String(),
		Family:      key.Family,
		Description: description,
	})
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "paused", s.sup.Pause)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resumed", s.sup.Resume)
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stopped", s.sup.Stop)
}

func (s *Server) control(w http.ResponseWriter, r *http.Request, done string, op func(ctx context.Context, key model.JobKey) error) {
	req, ok := decode(w, r)
	if !ok {
		return
	}
	if !req.hasTarget() {
		writeError(w, http.StatusBadRequest, "processKey or deviceId and city are required")
		return
	}
	key, err := req.key(model.FamilyV1)
	if err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	if err := op(r.Context(), key); err != nil {
		writeError(w, statusOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    fmt.Sprintf("Process %s: %s", done, key),
		"processKey": key.String(),
	})
}

type fileLine struct {
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// fileLogs returns the tail of the shared log file. The key is only echoed,
// the file is common to all jobs.
func (s *Server) fileLogs(w http.ResponseWriter, r *http.Request) {
	processKey := chi.URLParam(r, "processKey")
	limit, err := limitParam(r, s.cfg.Tail.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lines, err := s.tail.Recent(limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "reading log file", "error", err)
		writeError(w, http.StatusInternalServerError, "reading log file failed")
		return
	}
	now := time.Now().UTC()
	logs := make([]fileLine, 0, len(lines))
	for _, l := range lines {
		logs = append(logs, fileLine{Data: l, Timestamp: now})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processKey": processKey,
		"logs":       logs,
	})
}

// jobLogs returns buffered stdout and stderr lines of a job.
func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseJobKey(chi.URLParam(r, "processKey"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := limitParam(r, s.cfg.Logs.Limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processKey": key.String(),
		"logs":       s.sup.RecentLogs(key, limit),
	})
}

func limitParam(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit: expected a positive number, got %q", raw)
	}
	return n, nil
}
