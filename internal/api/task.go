package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// taskResponse is the external view of a task record. Result carries the
// handler's JSON-encoded return value verbatim.
type taskResponse struct {
	TaskID      string          `json:"task_id"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Args        []any           `json:"args,omitempty"`
	Kwargs      map[string]any  `json:"kwargs,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	ParentKind  string          `json:"parent_kind,omitempty"`
	ParentID    string          `json:"parent_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toTaskResponse(t *model.Task) taskResponse {
	return taskResponse{
		TaskID:      t.ID,
		Name:        t.Name,
		Status:      t.Status,
		Args:        t.Args,
		Kwargs:      t.Kwargs,
		Result:      t.Result,
		Error:       t.Error,
		RetryCount:  t.RetryCount,
		ParentKind:  t.ParentKind,
		ParentID:    t.ParentID,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// listTasksResponse wraps the paginated list response.
type listTasksResponse struct {
	Tasks  []taskResponse `json:"tasks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.engine.Tracker().Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	tasks, total, err := s.engine.Tracker().List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks:  out,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// revokeResponse reports the task state after a revocation attempt. Revoked
// is false when the task had already reached a terminal status.
type revokeResponse struct {
	Revoked bool         `json:"revoked"`
	Task    taskResponse `json:"task"`
}

func (s *Server) handleRevokeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	terminate := r.URL.Query().Get("terminate") == "true"

	task, applied, err := s.engine.Revoke(r.Context(), id, terminate)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("revoke task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to revoke task")
		return
	}

	s.writeJSON(w, http.StatusOK, revokeResponse{
		Revoked: applied,
		Task:    toTaskResponse(task),
	})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, ok := s.engine.Progress().Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no progress for task")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
