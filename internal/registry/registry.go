// Package registry manages the catalog of collection job definitions.
package registry

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
)

// Defaults applied when a job omits its throttling knobs.
const (
	DefaultMaxConcurrency     = 5
	DefaultRateLimitPerMinute = 60

	maxConcurrencyCeiling = 50
	rateLimitCeiling      = 600
)

// Service validates and persists job definitions. Jobs are never hard
// deleted; disabling is the end of the lifecycle.
type Service struct {
	jobs   collect.JobStore
	logger *zap.Logger
}

// NewService constructs a registry Service.
func NewService(jobs collect.JobStore, logger *zap.Logger) *Service {
	return &Service{jobs: jobs, logger: logger}
}

// Create validates a new job, applies defaults, and persists it active.
// A zero rate_limit_per_minute is kept as-is and means unlimited; callers
// that want the default pass DefaultRateLimitPerMinute explicitly.
func (s *Service) Create(ctx context.Context, job collect.Job) (collect.Job, error) {
	if job.MaxConcurrency == 0 {
		job.MaxConcurrency = DefaultMaxConcurrency
	}
	if job.Status == "" {
		job.Status = collect.JobStatusActive
	}
	if err := validate(job); err != nil {
		return collect.Job{}, err
	}

	created, err := s.jobs.CreateJob(ctx, job)
	if err != nil {
		return collect.Job{}, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created",
		zap.Int64("job_id", created.ID),
		zap.String("job_type", string(created.Type)),
		zap.String("cron_schedule", created.CronSchedule),
	)
	return created, nil
}

// Get fetches a job by ID.
func (s *Service) Get(ctx context.Context, id int64) (collect.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

// List returns jobs matching the filter.
func (s *Service) List(ctx context.Context, filter collect.JobFilter) ([]collect.Job, error) {
	return s.jobs.ListJobs(ctx, filter)
}

// Update validates and persists changes to a job's mutable fields. Status
// transitions go through Pause/Resume/Disable instead.
func (s *Service) Update(ctx context.Context, job collect.Job) (collect.Job, error) {
	current, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return collect.Job{}, err
	}
	job.Type = current.Type
	job.Status = current.Status
	if job.MaxConcurrency == 0 {
		job.MaxConcurrency = current.MaxConcurrency
	}
	if err := validate(job); err != nil {
		return collect.Job{}, err
	}
	updated, err := s.jobs.UpdateJob(ctx, job)
	if err != nil {
		return collect.Job{}, fmt.Errorf("update job: %w", err)
	}
	s.logger.Info("job updated", zap.Int64("job_id", updated.ID))
	return updated, nil
}

// Pause stops future runs of an active job.
func (s *Service) Pause(ctx context.Context, id int64) (collect.Job, error) {
	return s.transition(ctx, id, collect.JobStatusPaused, collect.JobStatusActive)
}

// Resume reactivates a paused job.
func (s *Service) Resume(ctx context.Context, id int64) (collect.Job, error) {
	return s.transition(ctx, id, collect.JobStatusActive, collect.JobStatusPaused)
}

// Disable retires a job permanently.
func (s *Service) Disable(ctx context.Context, id int64) (collect.Job, error) {
	return s.transition(ctx, id, collect.JobStatusDisabled,
		collect.JobStatusActive, collect.JobStatusPaused)
}

func (s *Service) transition(ctx context.Context, id int64, to collect.JobStatus, from ...collect.JobStatus) (collect.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return collect.Job{}, err
	}
	allowed := false
	for _, status := range from {
		if job.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return collect.Job{}, collect.Validationf("cannot move job %d from %s to %s", id, job.Status, to)
	}
	job.Status = to
	updated, err := s.jobs.UpdateJob(ctx, job)
	if err != nil {
		return collect.Job{}, fmt.Errorf("transition job: %w", err)
	}
	s.logger.Info("job status changed",
		zap.Int64("job_id", id),
		zap.String("status", string(to)),
	)
	return updated, nil
}

func validate(job collect.Job) error {
	if job.Name == "" {
		return collect.Validationf("job name is required")
	}
	switch job.Type {
	case collect.JobTypeKBPrice, collect.JobTypeRegionAll:
	default:
		return collect.Validationf("unknown job type %q", job.Type)
	}
	if job.MaxConcurrency < 1 || job.MaxConcurrency > maxConcurrencyCeiling {
		return collect.Validationf("max_concurrency must be between 1 and %d", maxConcurrencyCeiling)
	}
	// 0 means unlimited.
	if job.RateLimitPerMinute < 0 || job.RateLimitPerMinute > rateLimitCeiling {
		return collect.Validationf("rate_limit_per_minute must be between 0 and %d", rateLimitCeiling)
	}
	if job.CronSchedule != "" {
		if _, err := cron.ParseStandard(job.CronSchedule); err != nil {
			return collect.Validationf("invalid cron schedule %q: %v", job.CronSchedule, err)
		}
	}
	return nil
}
