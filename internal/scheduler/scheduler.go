// Package scheduler turns jobs and ad-hoc requests into runs and their task
// breakdowns.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/registry"
)

// TargetConfig is the persisted job target payload. Exactly one field is set
// depending on the job type.
type TargetConfig struct {
	ComplexIDs []int64 `json:"complex_ids,omitempty"`
	SidoCode   string  `json:"sido_code,omitempty"`
}

// Service resolves targets, persists run/task rows, and feeds the queue.
// Targets are resolved before anything is persisted, so a trigger that finds
// no work leaves no orphan run behind.
type Service struct {
	jobs      collect.JobStore
	runs      collect.RunStore
	tasks     collect.TaskStore
	complexes collect.ComplexStore
	queue     collect.Queue
	completer collect.TaskCompleter
	clock     collect.Clock
	logger    *zap.Logger
}

// NewService constructs a scheduler Service.
func NewService(
	jobs collect.JobStore,
	runs collect.RunStore,
	tasks collect.TaskStore,
	complexes collect.ComplexStore,
	queue collect.Queue,
	clock collect.Clock,
	logger *zap.Logger,
) *Service {
	return &Service{
		jobs:      jobs,
		runs:      runs,
		tasks:     tasks,
		complexes: complexes,
		queue:     queue,
		clock:     clock,
		logger:    logger,
	}
}

// SetCompleter wires the aggregator in after construction; the two services
// reference each other.
func (s *Service) SetCompleter(completer collect.TaskCompleter) {
	s.completer = completer
}

// RunJob triggers a run for a stored job definition.
func (s *Service) RunJob(ctx context.Context, jobID int64, triggeredBy string) (collect.Run, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return collect.Run{}, err
	}
	if job.Status != collect.JobStatusActive {
		return collect.Run{}, collect.Validationf("job %d is %s, not active", jobID, job.Status)
	}

	targets, scope, err := s.resolveJobTargets(ctx, job)
	if err != nil {
		return collect.Run{}, err
	}
	return s.createRun(ctx, &job.ID, targets, scope, triggeredBy)
}

// RunAdHoc triggers a one-off run over an explicit complex ID list. The run
// has no owning job and executes with default throttling.
func (s *Service) RunAdHoc(ctx context.Context, complexIDs []int64, triggeredBy string) (collect.Run, error) {
	if len(complexIDs) == 0 {
		return collect.Run{}, collect.Validationf("complex_ids must not be empty")
	}
	targets, err := s.complexes.ComplexesByIDs(ctx, complexIDs)
	if err != nil {
		return collect.Run{}, fmt.Errorf("resolve complexes: %w", err)
	}
	targets = activeOnly(targets)
	if len(targets) == 0 {
		return collect.Run{}, &collect.NoTargetsError{Scope: "ad-hoc selection"}
	}
	return s.createRun(ctx, nil, targets, "ad-hoc selection", triggeredBy)
}

// RunRegion triggers a run over every active complex in a sido, under the
// implicit region job for that sido. The job is created on first use.
func (s *Service) RunRegion(ctx context.Context, sidoCode, sidoName, triggeredBy string) (collect.Run, error) {
	targets, err := s.complexes.ActiveByRegionPrefix(ctx, sidoCode)
	if err != nil {
		return collect.Run{}, fmt.Errorf("resolve region complexes: %w", err)
	}
	if len(targets) == 0 {
		return collect.Run{}, &collect.NoTargetsError{Scope: "region " + sidoCode}
	}

	job, err := s.EnsureRegionJob(ctx, sidoCode, sidoName)
	if err != nil {
		return collect.Run{}, err
	}
	if job.Status != collect.JobStatusActive {
		return collect.Run{}, collect.Validationf("region job for sido %s is %s", sidoCode, job.Status)
	}
	return s.createRun(ctx, &job.ID, targets, "region "+sidoCode, triggeredBy)
}

// RegionJob returns the implicit region job for a sido, if it exists yet.
func (s *Service) RegionJob(ctx context.Context, sidoCode string) (collect.Job, bool, error) {
	return s.jobs.FindJobByTarget(ctx, collect.JobTypeRegionAll, regionTarget(sidoCode))
}

func regionTarget(sidoCode string) string {
	raw, _ := json.Marshal(TargetConfig{SidoCode: sidoCode})
	return string(raw)
}

// EnsureRegionJob finds or creates the implicit region job for a sido.
func (s *Service) EnsureRegionJob(ctx context.Context, sidoCode, sidoName string) (collect.Job, error) {
	target := regionTarget(sidoCode)
	job, found, err := s.jobs.FindJobByTarget(ctx, collect.JobTypeRegionAll, target)
	if err != nil {
		return collect.Job{}, fmt.Errorf("find region job: %w", err)
	}
	if found {
		return job, nil
	}
	created, err := s.jobs.CreateJob(ctx, collect.Job{
		Name:               fmt.Sprintf("%s 전체 수집", sidoName),
		Type:               collect.JobTypeRegionAll,
		TargetConfig:       target,
		MaxConcurrency:     registry.DefaultMaxConcurrency,
		RateLimitPerMinute: registry.DefaultRateLimitPerMinute,
		Status:             collect.JobStatusActive,
	})
	if err != nil {
		return collect.Job{}, fmt.Errorf("create region job: %w", err)
	}
	s.logger.Info("region job created",
		zap.Int64("job_id", created.ID),
		zap.String("sido_code", sidoCode),
	)
	return created, nil
}

func (s *Service) resolveJobTargets(ctx context.Context, job collect.Job) ([]collect.Complex, string, error) {
	var cfg TargetConfig
	if job.TargetConfig != "" {
		if err := json.Unmarshal([]byte(job.TargetConfig), &cfg); err != nil {
			return nil, "", collect.Validationf("job %d has malformed target_config: %v", job.ID, err)
		}
	}

	switch job.Type {
	case collect.JobTypeKBPrice:
		if len(cfg.ComplexIDs) == 0 {
			return nil, "", collect.Validationf("job %d has no complex_ids", job.ID)
		}
		targets, err := s.complexes.ComplexesByIDs(ctx, cfg.ComplexIDs)
		if err != nil {
			return nil, "", fmt.Errorf("resolve complexes: %w", err)
		}
		targets = activeOnly(targets)
		if len(targets) == 0 {
			return nil, "", &collect.NoTargetsError{Scope: fmt.Sprintf("job %d", job.ID)}
		}
		return targets, job.Name, nil
	case collect.JobTypeRegionAll:
		if cfg.SidoCode == "" {
			return nil, "", collect.Validationf("job %d has no sido_code", job.ID)
		}
		targets, err := s.complexes.ActiveByRegionPrefix(ctx, cfg.SidoCode)
		if err != nil {
			return nil, "", fmt.Errorf("resolve region complexes: %w", err)
		}
		if len(targets) == 0 {
			return nil, "", &collect.NoTargetsError{Scope: "region " + cfg.SidoCode}
		}
		return targets, "region " + cfg.SidoCode, nil
	default:
		return nil, "", collect.Validationf("job %d has unknown type %q", job.ID, job.Type)
	}
}

func activeOnly(in []collect.Complex) []collect.Complex {
	out := in[:0]
	for _, cpx := range in {
		if cpx.Active {
			out = append(out, cpx)
		}
	}
	return out
}

// createRun decomposes targets into tasks, persists the run and its tasks,
// and enqueues every task. Tasks whose enqueue fails are immediately failed
// through the completer so the run can still finalize.
func (s *Service) createRun(ctx context.Context, jobID *int64, targets []collect.Complex, scope, triggeredBy string) (collect.Run, error) {
	keys := decompose(targets)
	if len(keys) == 0 {
		return collect.Run{}, &collect.NoTargetsError{Scope: scope}
	}

	run, err := s.runs.CreateRun(ctx, collect.Run{
		JobID:         jobID,
		Status:        collect.RunStatusPending,
		TotalTasks:    len(keys),
		TargetSummary: summarize(targets),
		TriggeredBy:   triggeredBy,
	})
	if err != nil {
		return collect.Run{}, fmt.Errorf("create run: %w", err)
	}

	rows := make([]collect.Task, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, collect.Task{
			RunID:  run.ID,
			Key:    key,
			Status: collect.TaskStatusPending,
		})
	}
	tasks, err := s.tasks.CreateTasks(ctx, rows)
	if err != nil {
		return collect.Run{}, fmt.Errorf("create tasks: %w", err)
	}

	s.logger.Info("run created",
		zap.Int64("run_id", run.ID),
		zap.Int("total_tasks", run.TotalTasks),
		zap.String("triggered_by", triggeredBy),
	)

	for _, task := range tasks {
		msg := collect.TaskMessage{
			TaskID: task.ID,
			RunID:  run.ID,
			JobID:  jobID,
			Key:    task.Key,
		}
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			s.logger.Error("enqueue task", zap.Int64("task_id", task.ID), zap.Error(err))
			task.Status = collect.TaskStatusFailed
			task.ErrorType = collect.ErrorTypeInternal
			task.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
			if cErr := s.completer.CompleteTask(ctx, task); cErr != nil {
				s.logger.Error("fail unenqueued task", zap.Int64("task_id", task.ID), zap.Error(cErr))
			}
		}
	}
	return run, nil
}

// decompose expands targets into unique task keys: one price task per area,
// one listing task per complex that opted in, and one transaction task per
// complex. A map guards against duplicate targets in the input.
func decompose(targets []collect.Complex) []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(targets)*3)
	add := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, cpx := range targets {
		for _, area := range cpx.Areas {
			add(collect.PriceTaskKey(cpx.ID, area.ID))
		}
		if cpx.CollectListings {
			add(collect.ListingTaskKey(cpx.ID))
		}
		add(collect.TransactionTaskKey(cpx.ID))
	}
	return keys
}

// summarize renders the human-facing target summary stored on the run row.
func summarize(targets []collect.Complex) string {
	switch len(targets) {
	case 0:
		return ""
	case 1:
		return targets[0].Name
	default:
		return fmt.Sprintf("%s and %d more", targets[0].Name, len(targets)-1)
	}
}
