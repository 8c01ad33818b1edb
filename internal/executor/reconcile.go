package executor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
)

// Reconciler repairs state left behind by a crashed or restarted process:
// it fails tasks stuck in running state so their runs can still finalize,
// and re-enqueues the persisted pending/retry backlog that the in-memory
// queue lost across the restart.
type Reconciler struct {
	runs        collect.RunStore
	tasks       collect.TaskStore
	queue       collect.Queue
	coordinator RunCoordinator
	clock       collect.Clock
	staleAfter  time.Duration
	interval    time.Duration
	logger      *zap.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(
	runs collect.RunStore,
	tasks collect.TaskStore,
	queue collect.Queue,
	coordinator RunCoordinator,
	clock collect.Clock,
	staleAfter, interval time.Duration,
	logger *zap.Logger,
) *Reconciler {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		runs:        runs,
		tasks:       tasks,
		queue:       queue,
		coordinator: coordinator,
		clock:       clock,
		staleAfter:  staleAfter,
		interval:    interval,
		logger:      logger,
	}
}

// Run recovers the persisted backlog, sweeps once, and then sweeps on every
// tick until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.Recover(ctx); err != nil {
		r.logger.Error("backlog recovery", zap.Error(err))
	}
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("stale task sweep", zap.Error(err))
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("stale task sweep", zap.Error(err))
			}
		}
	}
}

// Recover re-enqueues pending and retry tasks belonging to non-terminal
// runs. Tasks persisted before a restart would otherwise never execute,
// leaving their runs non-terminal forever.
func (r *Reconciler) Recover(ctx context.Context) error {
	requeued := 0
	for _, runStatus := range []collect.RunStatus{collect.RunStatusPending, collect.RunStatusRunning} {
		runs, err := r.runs.ListRuns(ctx, collect.RunFilter{Status: runStatus})
		if err != nil {
			return err
		}
		for _, run := range runs {
			for _, taskStatus := range []collect.TaskStatus{collect.TaskStatusPending, collect.TaskStatusRetry} {
				tasks, err := r.tasks.ListTasks(ctx, run.ID, collect.TaskFilter{Status: taskStatus})
				if err != nil {
					return err
				}
				for _, task := range tasks {
					msg := collect.TaskMessage{
						TaskID:  task.ID,
						RunID:   run.ID,
						JobID:   run.JobID,
						Key:     task.Key,
						Attempt: task.RetryCount,
					}
					if err := r.queue.Enqueue(ctx, msg); err != nil {
						return err
					}
					requeued++
				}
			}
		}
	}
	if requeued > 0 {
		r.logger.Info("persisted backlog requeued", zap.Int("tasks", requeued))
	}
	return nil
}

// Sweep fails every running task older than the stale cutoff.
func (r *Reconciler) Sweep(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.staleAfter)
	stale, err := r.tasks.StaleRunning(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, task := range stale {
		task.Status = collect.TaskStatusFailed
		task.ErrorType = collect.ErrorTypeStale
		task.ErrorMessage = "task exceeded stale cutoff, assumed lost"
		err := r.coordinator.CompleteTask(ctx, task)
		switch {
		case err == nil:
			r.logger.Warn("stale task failed out",
				zap.Int64("task_id", task.ID),
				zap.Int64("run_id", task.RunID),
				zap.String("task_key", task.Key),
			)
		case errors.Is(err, collect.ErrRunFinalized):
			// Run settled elsewhere; mark the row directly.
			now := r.clock.Now()
			task.FinishedAt = &now
			if uErr := r.tasks.UpdateTask(ctx, task); uErr != nil {
				r.logger.Error("settle stale task", zap.Int64("task_id", task.ID), zap.Error(uErr))
			}
		default:
			r.logger.Error("fail stale task", zap.Int64("task_id", task.ID), zap.Error(err))
		}
	}
	return nil
}
