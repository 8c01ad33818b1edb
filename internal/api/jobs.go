package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/registry"
)

type jobRequest struct {
	Name               string `json:"name"`
	Type               string `json:"job_type"`
	Description        string `json:"description"`
	TargetConfig       string `json:"target_config"`
	CronSchedule       string `json:"cron_schedule"`
	MaxConcurrency     int    `json:"max_concurrency"`
	RateLimitPerMinute *int   `json:"rate_limit_per_minute"`
}

// rateLimit resolves the request's rate knob: omitted means fallback, an
// explicit 0 means unlimited.
func (req jobRequest) rateLimit(fallback int) int {
	if req.RateLimitPerMinute == nil {
		return fallback
	}
	return *req.RateLimitPerMinute
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	job, err := s.registry.Create(r.Context(), collect.Job{
		Name:               req.Name,
		Type:               collect.JobType(req.Type),
		Description:        req.Description,
		TargetConfig:       req.TargetConfig,
		CronSchedule:       req.CronSchedule,
		MaxConcurrency:     req.MaxConcurrency,
		RateLimitPerMinute: req.rateLimit(registry.DefaultRateLimitPerMinute),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

// withLastRun annotates a job with its most recent run, if it has one.
func (s *Server) withLastRun(ctx context.Context, job collect.Job) (collect.Job, error) {
	runs, err := s.runs.LatestRuns(ctx, job.ID, 1)
	if err != nil {
		return collect.Job{}, err
	}
	if len(runs) > 0 {
		job.LastRunID = &runs[0].ID
	}
	return job, nil
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	offset, limit := paging(r)
	filter := collect.JobFilter{
		Status: collect.JobStatus(r.URL.Query().Get("status")),
		Type:   collect.JobType(r.URL.Query().Get("job_type")),
		Offset: offset,
		Limit:  limit,
	}
	jobs, err := s.registry.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for i := range jobs {
		jobs[i], err = s.withLastRun(r.Context(), jobs[i])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err = s.withLastRun(r.Context(), job)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "job_id")
	if !ok {
		return
	}
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	current, err := s.registry.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.registry.Update(r.Context(), collect.Job{
		ID:                 id,
		Name:               req.Name,
		Description:        req.Description,
		TargetConfig:       req.TargetConfig,
		CronSchedule:       req.CronSchedule,
		MaxConcurrency:     req.MaxConcurrency,
		RateLimitPerMinute: req.rateLimit(current.RateLimitPerMinute),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.transitionJob(w, r, s.registry.Pause)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.transitionJob(w, r, s.registry.Resume)
}

func (s *Server) disableJob(w http.ResponseWriter, r *http.Request) {
	s.transitionJob(w, r, s.registry.Disable)
}

func (s *Server) transitionJob(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, id int64) (collect.Job, error),
) {
	id, ok := s.pathID(w, r, "job_id")
	if !ok {
		return
	}
	job, err := fn(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) createAndRunJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	job, err := s.registry.Create(r.Context(), collect.Job{
		Name:               req.Name,
		Type:               collect.JobType(req.Type),
		Description:        req.Description,
		TargetConfig:       req.TargetConfig,
		CronSchedule:       req.CronSchedule,
		MaxConcurrency:     req.MaxConcurrency,
		RateLimitPerMinute: req.rateLimit(registry.DefaultRateLimitPerMinute),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.scheduler.RunJob(r.Context(), job.ID, "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"job": job, "run": run})
}

type runRegionRequest struct {
	SidoCode string `json:"sido_code"`
	JobID    *int64 `json:"job_id"`
}

func (s *Server) runRegionJob(w http.ResponseWriter, r *http.Request) {
	var req runRegionRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var (
		run collect.Run
		err error
	)
	if req.JobID != nil {
		run, err = s.scheduler.RunJob(r.Context(), *req.JobID, "manual")
	} else {
		run, _, err = s.batches.Run(r.Context(), req.SidoCode, "manual")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "job_id")
	if !ok {
		return
	}
	run, err := s.scheduler.RunJob(r.Context(), id, "manual")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		s.badRequest(w, "invalid "+name)
		return 0, false
	}
	return id, true
}

func paging(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return offset, limit
}
