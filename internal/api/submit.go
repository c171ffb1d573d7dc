package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/taskforge/taskforge/internal/engine"
	"github.com/taskforge/taskforge/internal/runtime"
)

const maxBodySize = 1 << 20 // 1 MB

// invocationRequest is one task call in a submission body.
type invocationRequest struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
}

func (r invocationRequest) invocation() engine.Invocation {
	return engine.Invocation{Name: r.Name, Args: r.Args, Kwargs: r.Kwargs}
}

// submitResponse acknowledges an accepted submission. TaskID is the handle to
// poll: the task itself, a chain's final step, or a chord's callback.
type submitResponse struct {
	Status  string   `json:"status"`
	TaskID  string   `json:"task_id,omitempty"`
	TaskIDs []string `json:"task_ids,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
	ChordID string   `json:"chord_id,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req invocationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := s.engine.SubmitTask(r.Context(), req.invocation())
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, submitResponse{
		Status: "success",
		TaskID: task.ID,
	})
}

type chainRequest struct {
	Steps []invocationRequest `json:"steps"`
}

func (s *Server) handleSubmitChain(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	steps := make([]engine.Invocation, len(req.Steps))
	for i, inv := range req.Steps {
		steps[i] = inv.invocation()
	}

	tasks, err := s.engine.SubmitChain(r.Context(), steps)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		Status:  "success",
		TaskID:  tasks[len(tasks)-1].ID,
		TaskIDs: ids,
		Pattern: "Chain",
	})
}

type groupRequest struct {
	Members []invocationRequest `json:"members"`
}

func (s *Server) handleSubmitGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	members := make([]engine.Invocation, len(req.Members))
	for i, inv := range req.Members {
		members[i] = inv.invocation()
	}

	groupID, tasks, err := s.engine.SubmitGroup(r.Context(), members)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		Status:  "success",
		GroupID: groupID,
		TaskIDs: ids,
		Pattern: "Group",
	})
}

type chordRequest struct {
	Members  []invocationRequest `json:"members"`
	Callback invocationRequest   `json:"callback"`
	FailFast bool                `json:"fail_fast"`
}

func (s *Server) handleSubmitChord(w http.ResponseWriter, r *http.Request) {
	var req chordRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	members := make([]engine.Invocation, len(req.Members))
	for i, inv := range req.Members {
		members[i] = inv.invocation()
	}
	var opts []engine.ChordOption
	if req.FailFast {
		opts = append(opts, engine.WithFailFast())
	}

	chordID, cb, tasks, err := s.engine.SubmitChord(r.Context(), members, req.Callback.invocation(), opts...)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	s.writeJSON(w, http.StatusAccepted, submitResponse{
		Status:  "success",
		TaskID:  cb.ID,
		TaskIDs: ids,
		ChordID: chordID,
		Pattern: "Chord",
	})
}

// writeSubmitError maps submission failures onto HTTP statuses: unregistered
// task names are 404, malformed compositions 400, a saturated queue 503.
func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var unknown *engine.UnknownTaskError
	var comp *engine.CompositionError
	switch {
	case errors.As(err, &unknown):
		s.writeError(w, http.StatusNotFound, unknown.Error())
	case errors.As(err, &comp):
		s.writeError(w, http.StatusBadRequest, comp.Error())
	case errors.Is(err, runtime.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, "task queue is full")
	case errors.Is(err, runtime.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, "runtime is shutting down")
	default:
		s.logger.Error("submit task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit task")
	}
}
