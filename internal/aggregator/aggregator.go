// Package aggregator serializes task completion, maintains run counters, and
// finalizes runs.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/telemetry"
)

// stripes bounds lock memory while still keeping unrelated runs from
// contending with each other.
const stripes = 64

// RunEvent is the lifecycle payload pushed to the publisher when a run
// reaches a terminal state.
type RunEvent struct {
	EventID      string            `json:"event_id"`
	Type         string            `json:"type"`
	RunID        int64             `json:"run_id"`
	JobID        *int64            `json:"job_id,omitempty"`
	Status       collect.RunStatus `json:"status"`
	TotalTasks   int               `json:"total_tasks"`
	SuccessCount int               `json:"success_count"`
	FailedCount  int               `json:"failed_count"`
	SkippedCount int               `json:"skipped_count"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// Service owns all run counter writes. Every terminal task update funnels
// through CompleteTask under a per-run lock, so counters never drift and a
// finalized run never moves again.
type Service struct {
	runs      collect.RunStore
	tasks     collect.TaskStore
	publisher collect.Publisher
	topic     string
	clock     collect.Clock
	ids       collect.IDGenerator
	logger    *zap.Logger

	statusPageSize int

	locks [stripes]sync.Mutex

	cancelMu  sync.Mutex
	cancelFns map[int64]context.CancelFunc
}

// NewService constructs an aggregator Service.
func NewService(
	runs collect.RunStore,
	tasks collect.TaskStore,
	publisher collect.Publisher,
	topic string,
	clock collect.Clock,
	ids collect.IDGenerator,
	statusPageSize int,
	logger *zap.Logger,
) *Service {
	if statusPageSize <= 0 {
		statusPageSize = 200
	}
	return &Service{
		runs:           runs,
		tasks:          tasks,
		publisher:      publisher,
		topic:          topic,
		clock:          clock,
		ids:            ids,
		logger:         logger,
		statusPageSize: statusPageSize,
		cancelFns:      make(map[int64]context.CancelFunc),
	}
}

func (s *Service) lock(runID int64) *sync.Mutex {
	return &s.locks[runID%stripes]
}

// MarkRunStarted flips a pending run to running when its first task begins.
func (s *Service) MarkRunStarted(ctx context.Context, runID int64) error {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != collect.RunStatusPending {
		return nil
	}
	now := s.clock.Now()
	run.Status = collect.RunStatusRunning
	run.StartedAt = &now
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return nil
}

// CompleteTask records a terminal task state, recomputes the run counters
// from the task set, and finalizes the run once every task is accounted for.
// Updates against a terminal run are rejected with ErrRunFinalized; a second
// terminal report for the same task is dropped so the first result stands.
func (s *Service) CompleteTask(ctx context.Context, task collect.Task) error {
	if !task.Status.Terminal() {
		return collect.Validationf("task %d completed with non-terminal status %s", task.ID, task.Status)
	}

	mu := s.lock(task.RunID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.runs.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return collect.ErrRunFinalized
	}

	stored, err := s.tasks.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if stored.Status.Terminal() {
		// Duplicate terminal report, e.g. a stale-task sweep racing the
		// still-live worker. The row keeps its first result.
		return nil
	}

	now := s.clock.Now()
	if task.FinishedAt == nil {
		task.FinishedAt = &now
	}
	if err := s.tasks.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %d: %w", task.ID, err)
	}

	// Counters are recomputed rather than incremented, so a replayed update
	// can never double-count a task.
	all, err := s.tasks.ListTasks(ctx, task.RunID, collect.TaskFilter{})
	if err != nil {
		return fmt.Errorf("list tasks for run %d: %w", task.RunID, err)
	}
	run.SuccessCount, run.FailedCount, run.SkippedCount = tally(all)

	done := run.SuccessCount + run.FailedCount + run.SkippedCount
	if done >= run.TotalTasks {
		return s.finalizeLocked(ctx, run)
	}
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run counters: %w", err)
	}
	return nil
}

// tally counts terminal task statuses.
func tally(tasks []collect.Task) (success, failed, skipped int) {
	for _, task := range tasks {
		switch task.Status {
		case collect.TaskStatusSuccess:
			success++
		case collect.TaskStatusFailed:
			failed++
		case collect.TaskStatusSkipped:
			skipped++
		}
	}
	return success, failed, skipped
}

// finalizeLocked computes the terminal status, persists it, and publishes the
// run-finished event. Callers hold the run's stripe lock.
func (s *Service) finalizeLocked(ctx context.Context, run collect.Run) error {
	switch {
	case run.FailedCount == 0:
		run.Status = collect.RunStatusSuccess
	case run.SuccessCount == 0:
		run.Status = collect.RunStatusFailed
	default:
		run.Status = collect.RunStatusPartial
	}
	now := s.clock.Now()
	run.FinishedAt = &now
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	s.dropCancel(run.ID)
	var elapsed time.Duration
	if run.StartedAt != nil {
		elapsed = now.Sub(*run.StartedAt)
	}
	telemetry.ObserveRun(string(run.Status), elapsed)
	s.logger.Info("run finished",
		zap.Int64("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("success", run.SuccessCount),
		zap.Int("failed", run.FailedCount),
		zap.Int("skipped", run.SkippedCount),
	)
	s.publishFinished(ctx, run)
	return nil
}

func (s *Service) publishFinished(ctx context.Context, run collect.Run) {
	if s.publisher == nil {
		return
	}
	eventID, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("generate event id", zap.Error(err))
		return
	}
	event := RunEvent{
		EventID:      eventID,
		Type:         "run.finished",
		RunID:        run.ID,
		JobID:        run.JobID,
		Status:       run.Status,
		TotalTasks:   run.TotalTasks,
		SuccessCount: run.SuccessCount,
		FailedCount:  run.FailedCount,
		SkippedCount: run.SkippedCount,
		FinishedAt:   *run.FinishedAt,
	}
	if _, err := s.publisher.Publish(ctx, s.topic, event); err != nil {
		// Event delivery is best effort; the run row is the source of truth.
		s.logger.Warn("publish run event", zap.Int64("run_id", run.ID), zap.Error(err))
	}
}

// Cancel marks a run cancelled: pending and retry tasks become skipped,
// in-flight tasks get their contexts cancelled and their late results are
// rejected. Cancelling a terminal run returns ErrRunFinalized.
func (s *Service) Cancel(ctx context.Context, runID int64) (collect.Run, error) {
	mu := s.lock(runID)
	mu.Lock()
	defer mu.Unlock()

	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return collect.Run{}, err
	}
	if run.Status.Terminal() {
		return collect.Run{}, collect.ErrRunFinalized
	}

	now := s.clock.Now()
	tasks, err := s.tasks.ListTasks(ctx, runID, collect.TaskFilter{})
	if err != nil {
		return collect.Run{}, fmt.Errorf("list tasks for cancel: %w", err)
	}
	for i := range tasks {
		if tasks[i].Status != collect.TaskStatusPending && tasks[i].Status != collect.TaskStatusRetry {
			continue
		}
		tasks[i].Status = collect.TaskStatusSkipped
		tasks[i].ErrorType = collect.ErrorTypeCancelled
		tasks[i].ErrorMessage = "run cancelled"
		tasks[i].FinishedAt = &now
		if err := s.tasks.UpdateTask(ctx, tasks[i]); err != nil {
			return collect.Run{}, fmt.Errorf("skip task %d: %w", tasks[i].ID, err)
		}
	}
	run.SuccessCount, run.FailedCount, run.SkippedCount = tally(tasks)

	run.Status = collect.RunStatusCancelled
	run.FinishedAt = &now
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return collect.Run{}, fmt.Errorf("cancel run: %w", err)
	}

	s.signalCancel(runID)
	s.logger.Info("run cancelled", zap.Int64("run_id", runID))
	s.publishFinished(ctx, run)
	var elapsed time.Duration
	if run.StartedAt != nil {
		elapsed = now.Sub(*run.StartedAt)
	}
	telemetry.ObserveRun(string(run.Status), elapsed)
	return run, nil
}

// LastRuns maps each complex to the most recent run that touched it, scanning
// up to runLimit recent runs. Complexes with no run in that window are absent.
func (s *Service) LastRuns(ctx context.Context, runLimit int) (map[int64]collect.Run, error) {
	if runLimit <= 0 {
		runLimit = 200
	}
	runs, err := s.runs.ListRuns(ctx, collect.RunFilter{Limit: runLimit})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make(map[int64]collect.Run)
	for _, run := range runs { // newest first
		tasks, err := s.tasks.ListTasks(ctx, run.ID, collect.TaskFilter{})
		if err != nil {
			return nil, fmt.Errorf("list tasks for run %d: %w", run.ID, err)
		}
		for _, task := range tasks {
			_, complexID, _, ok := collect.ParseTaskKey(task.Key)
			if !ok {
				continue
			}
			if _, seen := out[complexID]; !seen {
				out[complexID] = run
			}
		}
	}
	return out, nil
}

// Status builds the polling snapshot. The task list is capped; statuses of
// tasks beyond the cap are tallied in Remainder.
func (s *Service) Status(ctx context.Context, runID int64) (collect.RunStatusSnapshot, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return collect.RunStatusSnapshot{}, err
	}
	tasks, err := s.tasks.ListTasks(ctx, runID, collect.TaskFilter{})
	if err != nil {
		return collect.RunStatusSnapshot{}, fmt.Errorf("list tasks: %w", err)
	}

	snapshot := collect.RunStatusSnapshot{
		RunID:        run.ID,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		TotalTasks:   run.TotalTasks,
		SuccessCount: run.SuccessCount,
		FailedCount:  run.FailedCount,
		SkippedCount: run.SkippedCount,
	}

	limit := s.statusPageSize
	if limit > len(tasks) {
		limit = len(tasks)
	}
	snapshot.Tasks = make([]collect.TaskSummary, 0, limit)
	for _, task := range tasks[:limit] {
		snapshot.Tasks = append(snapshot.Tasks, collect.TaskSummary{
			Key:            task.Key,
			Status:         task.Status,
			ItemsCollected: task.ItemsCollected,
			ItemsSaved:     task.ItemsSaved,
			ErrorMessage:   task.ErrorMessage,
			RetryCount:     task.RetryCount,
			StartedAt:      task.StartedAt,
			FinishedAt:     task.FinishedAt,
		})
	}
	if len(tasks) > limit {
		snapshot.Remainder = make(map[collect.TaskStatus]int)
		for _, task := range tasks[limit:] {
			snapshot.Remainder[task.Status]++
		}
	}
	return snapshot, nil
}

// RegisterCancel ties a run's execution context to Cancel. The executor
// registers the cancel func when the run's first task starts.
func (s *Service) RegisterCancel(runID int64, fn context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.cancelFns[runID] = fn
}

func (s *Service) signalCancel(runID int64) {
	s.cancelMu.Lock()
	fn := s.cancelFns[runID]
	s.cancelMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Service) dropCancel(runID int64) {
	s.cancelMu.Lock()
	delete(s.cancelFns, runID)
	s.cancelMu.Unlock()
}
