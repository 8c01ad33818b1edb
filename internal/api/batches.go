package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type batchScheduleRequest struct {
	CronSchedule string `json:"cron_schedule"`
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.batches.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.batches.Get(r.Context(), chi.URLParam(r, "sido_code"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	run, complexCount, err := s.batches.Run(r.Context(), chi.URLParam(r, "sido_code"), "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":        run.ID,
		"complex_count": complexCount,
	})
}

func (s *Server) updateBatchSchedule(w http.ResponseWriter, r *http.Request) {
	var req batchScheduleRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	job, err := s.batches.UpdateSchedule(r.Context(), chi.URLParam(r, "sido_code"), req.CronSchedule)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}
