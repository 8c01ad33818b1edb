package api

import (
	"net/http"
	"strconv"

	"github.com/jipview/collector/internal/collect"
)

type adHocRunRequest struct {
	ComplexIDs []int64 `json:"complex_ids"`
}

func (s *Server) runAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRunRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	run, err := s.scheduler.RunAdHoc(r.Context(), req.ComplexIDs, "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	offset, limit := paging(r)
	filter := collect.RunFilter{
		Status: collect.RunStatus(r.URL.Query().Get("status")),
		Offset: offset,
		Limit:  limit,
	}
	if raw := r.URL.Query().Get("job_id"); raw != "" {
		jobID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.badRequest(w, "invalid job_id")
			return
		}
		filter.JobID = &jobID
	}
	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "run_id")
	if !ok {
		return
	}
	run, err := s.runs.GetRun(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRunTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "run_id")
	if !ok {
		return
	}
	if _, err := s.runs.GetRun(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, limit := paging(r)
	tasks, err := s.tasks.ListTasks(r.Context(), id, collect.TaskFilter{
		Status: collect.TaskStatus(r.URL.Query().Get("status")),
		Offset: offset,
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "run_id")
	if !ok {
		return
	}
	snapshot, err := s.aggregator.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "run_id")
	if !ok {
		return
	}
	run, err := s.aggregator.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}
