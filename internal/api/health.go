package api

import "net/http"

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth runs a synthetic probe task through the full submission and
// execution path. A probe that does not come back SUCCESS in time means the
// worker pool is wedged or saturated, reported as 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.HealthCheck(r.Context(), healthProbeTask, healthProbeTimeout); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			Error:  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
}
