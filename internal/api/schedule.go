package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/sched"
	"github.com/taskforge/taskforge/internal/store"
)

// createScheduleRequest is the JSON body for POST /v1/schedules.
type createScheduleRequest struct {
	Name      string         `json:"name"`
	TaskName  string         `json:"task_name"`
	Crontab   string         `json:"crontab"`
	IntervalS *int           `json:"interval_seconds"`
	Args      []any          `json:"args"`
	Kwargs    map[string]any `json:"kwargs"`
	Enabled   *bool          `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	entry := &model.ScheduleEntry{
		Name:      req.Name,
		TaskName:  req.TaskName,
		Crontab:   req.Crontab,
		IntervalS: req.IntervalS,
		Args:      req.Args,
		Kwargs:    req.Kwargs,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sched.Validate(entry); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := s.engine.Registry().Lookup(entry.TaskName); !ok {
		s.writeError(w, http.StatusNotFound, "unknown task: "+entry.TaskName)
		return
	}

	if err := s.store.CreateSchedule(r.Context(), entry); err != nil {
		s.logger.Error("create schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	s.writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	entries, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		s.logger.Error("list schedules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	if entries == nil {
		entries = []*model.ScheduleEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedules": entries})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	entry, err := s.store.GetSchedule(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if err != nil {
		s.logger.Error("get schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

// updateScheduleRequest is the JSON body for PATCH /v1/schedules/{name}.
// Only the enabled flag is mutable; trigger changes are create-and-replace.
type updateScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req updateScheduleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.store.SetScheduleEnabled(r.Context(), name, *req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		s.logger.Error("update schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	entry, err := s.store.GetSchedule(r.Context(), name)
	if err != nil {
		s.logger.Error("get updated schedule", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve schedule")
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}
