package api

import "net/http"

const overviewRecentTasks = 10

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := s.engine.Tracker().Overview(r.Context(), overviewRecentTasks)
	if err != nil {
		s.logger.Error("get overview", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get overview")
		return
	}
	s.writeJSON(w, http.StatusOK, ov)
}
