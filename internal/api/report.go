package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/model"
	"github.com/taskforge/taskforge/internal/store"
)

// listReportsResponse wraps the paginated report list.
type listReportsResponse struct {
	Reports []*model.Report `json:"reports"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	reports, total, err := s.store.ListReports(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list reports", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if reports == nil {
		reports = []*model.Report{}
	}

	s.writeJSON(w, http.StatusOK, listReportsResponse{
		Reports: reports,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := s.store.GetReport(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("get report", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get report")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
