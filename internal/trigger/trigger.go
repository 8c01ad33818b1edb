// Package trigger fires scheduled jobs from their cron expressions.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
)

// JobRunner is the scheduler surface the trigger needs.
type JobRunner interface {
	RunJob(ctx context.Context, jobID int64, triggeredBy string) (collect.Run, error)
}

// Service keeps a cron runner in sync with the job store. Schedules live on
// job rows, so edits through the API take effect on the next sync.
type Service struct {
	cron   *cron.Cron
	jobs   collect.JobStore
	runner JobRunner
	logger *zap.Logger

	syncEvery time.Duration

	mu      sync.Mutex
	entries map[int64]cron.EntryID
	specs   map[int64]string
}

// NewService constructs a trigger Service.
func NewService(jobs collect.JobStore, runner JobRunner, syncEvery time.Duration, logger *zap.Logger) *Service {
	if syncEvery <= 0 {
		syncEvery = time.Minute
	}
	return &Service{
		cron:      cron.New(),
		jobs:      jobs,
		runner:    runner,
		logger:    logger,
		syncEvery: syncEvery,
		entries:   make(map[int64]cron.EntryID),
		specs:     make(map[int64]string),
	}
}

// Run syncs immediately, starts the cron runner, and re-syncs on an interval
// until ctx ends.
func (s *Service) Run(ctx context.Context) {
	if err := s.Sync(ctx); err != nil {
		s.logger.Error("trigger sync", zap.Error(err))
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.syncEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.Error("trigger sync", zap.Error(err))
			}
		}
	}
}

// Sync reconciles cron entries against active jobs with schedules: new
// schedules are added, changed ones replaced, dropped ones removed.
func (s *Service) Sync(ctx context.Context) error {
	jobs, err := s.jobs.ListJobs(ctx, collect.JobFilter{
		Status:    collect.JobStatusActive,
		Scheduled: true,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[int64]string, len(jobs))
	for _, job := range jobs {
		want[job.ID] = job.CronSchedule
	}

	for jobID, entryID := range s.entries {
		if spec, keep := want[jobID]; keep && spec == s.specs[jobID] {
			continue
		}
		s.cron.Remove(entryID)
		delete(s.entries, jobID)
		delete(s.specs, jobID)
	}

	for jobID, spec := range want {
		if _, exists := s.entries[jobID]; exists {
			continue
		}
		id := jobID
		entryID, err := s.cron.AddFunc(spec, func() { s.fire(id) })
		if err != nil {
			s.logger.Warn("register schedule",
				zap.Int64("job_id", jobID),
				zap.String("cron_schedule", spec),
				zap.Error(err),
			)
			continue
		}
		s.entries[jobID] = entryID
		s.specs[jobID] = spec
		s.logger.Info("schedule registered",
			zap.Int64("job_id", jobID),
			zap.String("cron_schedule", spec),
		)
	}
	return nil
}

// Scheduled reports how many jobs currently have cron entries.
func (s *Service) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Service) fire(jobID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.runner.RunJob(ctx, jobID, "schedule")
	if err != nil {
		var noTargets *collect.NoTargetsError
		if errors.As(err, &noTargets) {
			s.logger.Info("scheduled run found no targets", zap.Int64("job_id", jobID))
			return
		}
		s.logger.Error("scheduled run", zap.Int64("job_id", jobID), zap.Error(err))
		return
	}
	s.logger.Info("scheduled run triggered", zap.Int64("job_id", jobID))
}
