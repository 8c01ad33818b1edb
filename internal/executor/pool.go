// Package executor runs collection tasks from the queue under per-job
// concurrency and rate limits.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
	"github.com/jipview/collector/internal/logging"
	"github.com/jipview/collector/internal/telemetry"
)

// RunCoordinator is the aggregator surface the pool needs: terminal task
// updates, run start transitions, and cancellation wiring.
type RunCoordinator interface {
	CompleteTask(ctx context.Context, task collect.Task) error
	MarkRunStarted(ctx context.Context, runID int64) error
	RegisterCancel(runID int64, fn context.CancelFunc)
}

// Config tunes the pool.
type Config struct {
	Workers            int
	MaxRetries         int
	TaskTimeout        time.Duration
	LimiterMaxWait     time.Duration
	DefaultConcurrency int
	DefaultRatePerMin  int
	CancelGrace        time.Duration
}

// Pool drains the task queue with a fixed set of workers. Worker count caps
// global parallelism; per-job slot channels cap each job's share of it.
type Pool struct {
	cfg         Config
	queue       collect.Queue
	jobs        collect.JobStore
	runs        collect.RunStore
	tasks       collect.TaskStore
	complexes   collect.ComplexStore
	collector   collect.Collector
	coordinator RunCoordinator
	limiters    *limiterSet
	backoff     collect.BackoffSchedule
	clock       collect.Clock
	logger      *zap.Logger

	slotMu sync.Mutex
	slots  map[string]*jobSlot

	runMu   sync.Mutex
	runCtxs map[int64]context.Context

	wg sync.WaitGroup
}

// NewPool constructs a Pool.
func NewPool(
	cfg Config,
	queue collect.Queue,
	jobs collect.JobStore,
	runs collect.RunStore,
	tasks collect.TaskStore,
	complexes collect.ComplexStore,
	collector collect.Collector,
	coordinator RunCoordinator,
	clock collect.Clock,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	if cfg.LimiterMaxWait <= 0 {
		cfg.LimiterMaxWait = 30 * time.Second
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	if cfg.DefaultRatePerMin <= 0 {
		cfg.DefaultRatePerMin = 60
	}
	return &Pool{
		cfg:         cfg,
		queue:       queue,
		jobs:        jobs,
		runs:        runs,
		tasks:       tasks,
		complexes:   complexes,
		collector:   collector,
		coordinator: coordinator,
		limiters:    newLimiterSet(cfg.LimiterMaxWait),
		backoff:     collect.DefaultBackoff(),
		clock:       clock,
		logger:      logger,
		slots:       make(map[string]*jobSlot),
		runCtxs:     make(map[int64]context.Context),
	}
}

// Start launches the workers. They exit when ctx is cancelled or the queue
// closes; Wait blocks until then.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.workerLoop(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Shutdown waits for in-flight tasks after the pool context is cancelled,
// giving up after the configured grace period.
func (p *Pool) Shutdown() {
	if p.cfg.CancelGrace <= 0 {
		p.wg.Wait()
		return
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.CancelGrace):
		p.logger.Warn("workers did not drain within grace period",
			zap.Duration("grace", p.cfg.CancelGrace))
	}
}

func (p *Pool) workerLoop(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Info("queue closed, worker exiting")
			}
			return
		}
		p.process(ctx, msg)
	}
}

// throttle resolves the concurrency and rate knobs for a message. Ad-hoc
// runs (no owning job) use the defaults.
func (p *Pool) throttle(ctx context.Context, msg collect.TaskMessage) (key string, concurrency, perMinute int) {
	if msg.JobID == nil {
		return "adhoc", p.cfg.DefaultConcurrency, p.cfg.DefaultRatePerMin
	}
	job, err := p.jobs.GetJob(ctx, *msg.JobID)
	if err != nil {
		p.logger.Warn("resolve job limits", zap.Int64("job_id", *msg.JobID), zap.Error(err))
		return fmt.Sprintf("job-%d", *msg.JobID), p.cfg.DefaultConcurrency, p.cfg.DefaultRatePerMin
	}
	return fmt.Sprintf("job-%d", job.ID), job.MaxConcurrency, job.RateLimitPerMinute
}

// jobSlot caps one job's share of the workers. The capacity is remembered so
// an updated max_concurrency swaps in a fresh channel.
type jobSlot struct {
	ch       chan struct{}
	capacity int
}

func (p *Pool) slot(key string, capacity int) chan struct{} {
	p.slotMu.Lock()
	defer p.slotMu.Unlock()
	if s, ok := p.slots[key]; ok && s.capacity == capacity {
		return s.ch
	}
	// First use, or the job's max_concurrency changed. Holders of the old
	// channel release into it, so admissions can briefly overshoot the new
	// cap while they drain.
	ch := make(chan struct{}, capacity)
	p.slots[key] = &jobSlot{ch: ch, capacity: capacity}
	return ch
}

// runContext returns the shared per-run context, creating it on first use
// and registering its cancel with the coordinator.
func (p *Pool) runContext(ctx context.Context, runID int64) context.Context {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if runCtx, ok := p.runCtxs[runID]; ok {
		return runCtx
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtxs[runID] = runCtx
	p.coordinator.RegisterCancel(runID, cancel)
	return runCtx
}

func (p *Pool) dropRunContext(runID int64) {
	p.runMu.Lock()
	delete(p.runCtxs, runID)
	p.runMu.Unlock()
}

func (p *Pool) process(ctx context.Context, msg collect.TaskMessage) {
	logger := logging.WithTask(p.logger, msg.RunID, msg.TaskID, msg.Key)

	// Delayed retry: the message carries its own earliest start time.
	if wait := time.Until(msg.NotBefore); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	task, err := p.tasks.GetTask(ctx, msg.TaskID)
	if err != nil {
		logger.Error("load task", zap.Error(err))
		return
	}
	if task.Status != collect.TaskStatusPending && task.Status != collect.TaskStatusRetry {
		// Cancelled or already settled while queued.
		return
	}

	run, err := p.runs.GetRun(ctx, msg.RunID)
	if err != nil {
		logger.Error("load run", zap.Error(err))
		return
	}
	if run.Status.Terminal() {
		p.dropRunContext(msg.RunID)
		return
	}

	runCtx := p.runContext(ctx, msg.RunID)
	if err := p.coordinator.MarkRunStarted(ctx, msg.RunID); err != nil {
		logger.Warn("mark run started", zap.Error(err))
	}

	key, concurrency, perMinute := p.throttle(ctx, msg)

	slot := p.slot(key, concurrency)
	select {
	case slot <- struct{}{}:
	case <-runCtx.Done():
		p.settleCancelled(ctx, task)
		return
	}
	defer func() { <-slot }()

	limitStart := time.Now()
	if err := p.limiters.wait(runCtx, key, perMinute); err != nil {
		if runCtx.Err() != nil {
			p.settleCancelled(ctx, task)
			return
		}
		p.settleError(ctx, msg, task, err)
		return
	}
	telemetry.ObserveRateLimitDelay(key, time.Since(limitStart))

	now := p.clock.Now()
	task.Status = collect.TaskStatusRunning
	task.StartedAt = &now
	if err := p.tasks.UpdateTask(ctx, task); err != nil {
		logger.Error("mark task running", zap.Error(err))
		return
	}

	telemetry.IncActiveWorkers()
	result, err := p.execute(runCtx, task)
	telemetry.DecActiveWorkers()
	if err != nil {
		if runCtx.Err() != nil && errors.Is(err, context.Canceled) {
			p.settleCancelled(ctx, task)
			return
		}
		p.settleError(ctx, msg, task, err)
		return
	}

	task.Status = collect.TaskStatusSuccess
	task.ItemsCollected = result.ItemsCollected
	task.ItemsSaved = result.ItemsSaved
	task.ErrorType = ""
	task.ErrorMessage = ""
	p.complete(ctx, task)
	p.observe(task)
	telemetry.ObserveItems(kindLabel(task.Key), result.ItemsCollected)
	logger.Debug("task succeeded",
		zap.Int("items_collected", result.ItemsCollected),
		zap.Int("items_saved", result.ItemsSaved),
	)
}

// execute resolves the task's target and invokes the collector under the
// attempt timeout.
func (p *Pool) execute(runCtx context.Context, task collect.Task) (collect.CollectResult, error) {
	kind, complexID, areaID, ok := collect.ParseTaskKey(task.Key)
	if !ok {
		return collect.CollectResult{}, collect.Validationf("malformed task key %q", task.Key)
	}

	attemptCtx, cancel := context.WithTimeout(runCtx, p.cfg.TaskTimeout)
	defer cancel()

	cpx, err := p.complexes.GetComplex(attemptCtx, complexID)
	if err != nil {
		if errors.Is(err, collect.ErrNotFound) {
			return collect.CollectResult{}, collect.ErrTargetInactive
		}
		return collect.CollectResult{}, fmt.Errorf("resolve complex %d: %w", complexID, err)
	}
	if !cpx.Active {
		return collect.CollectResult{}, collect.ErrTargetInactive
	}

	req := collect.CollectRequest{
		Kind:    kind,
		TaskKey: task.Key,
		RunID:   task.RunID,
		Complex: cpx,
	}
	if kind == collect.TaskKindPrice {
		for i := range cpx.Areas {
			if cpx.Areas[i].ID == areaID {
				req.Area = &cpx.Areas[i]
				break
			}
		}
		if req.Area == nil {
			return collect.CollectResult{}, collect.ErrTargetInactive
		}
	}

	return p.collector.Collect(attemptCtx, req)
}

// settleError decides between retry and terminal failure. Inactive targets
// are skipped, retryable errors under the ceiling go back on the queue with
// backoff, everything else fails the task.
func (p *Pool) settleError(ctx context.Context, msg collect.TaskMessage, task collect.Task, taskErr error) {
	logger := logging.WithTask(p.logger, task.RunID, task.ID, task.Key)

	if errors.Is(taskErr, collect.ErrTargetInactive) {
		task.Status = collect.TaskStatusSkipped
		task.ErrorType = collect.ErrorTypeTargetInactive
		task.ErrorMessage = taskErr.Error()
		p.complete(ctx, task)
		p.observe(task)
		return
	}

	if collect.Retryable(taskErr) && task.RetryCount < p.cfg.MaxRetries {
		task.Status = collect.TaskStatusRetry
		task.RetryCount++
		task.ErrorType = collect.ErrorType(taskErr)
		task.ErrorMessage = taskErr.Error()
		if err := p.tasks.UpdateTask(ctx, task); err != nil {
			logger.Error("persist retry", zap.Error(err))
			return
		}
		retry := msg
		retry.Attempt = task.RetryCount
		retry.NotBefore = p.clock.Now().Add(p.backoff.Delay(task.RetryCount))
		if err := p.queue.Enqueue(ctx, retry); err != nil {
			logger.Error("re-enqueue retry", zap.Error(err))
			task.Status = collect.TaskStatusFailed
			task.ErrorType = collect.ErrorTypeInternal
			task.ErrorMessage = fmt.Sprintf("re-enqueue failed: %v", err)
			p.complete(ctx, task)
			return
		}
		logger.Info("task retrying",
			zap.Int("retry_count", task.RetryCount),
			zap.String("error_type", task.ErrorType),
		)
		return
	}

	task.Status = collect.TaskStatusFailed
	task.ErrorType = collect.ErrorType(taskErr)
	task.ErrorMessage = taskErr.Error()
	p.complete(ctx, task)
	p.observe(task)
	logger.Warn("task failed",
		zap.String("error_type", task.ErrorType),
		zap.Error(taskErr),
	)
}

// settleCancelled records a task abandoned by run cancellation. The run is
// already terminal, so the row is written directly; counters stay frozen.
func (p *Pool) settleCancelled(ctx context.Context, task collect.Task) {
	now := p.clock.Now()
	task.Status = collect.TaskStatusSkipped
	task.ErrorType = collect.ErrorTypeCancelled
	task.ErrorMessage = "run cancelled"
	task.FinishedAt = &now
	if err := p.tasks.UpdateTask(ctx, task); err != nil {
		p.logger.Error("settle cancelled task", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	p.observe(task)
}

// observe records the settled task on the Prometheus side.
func (p *Pool) observe(task collect.Task) {
	var duration time.Duration
	if task.StartedAt != nil {
		duration = p.clock.Now().Sub(*task.StartedAt)
	}
	telemetry.ObserveTask(kindLabel(task.Key), string(task.Status), task.ErrorType, duration)
}

func kindLabel(key string) string {
	if kind, _, _, ok := collect.ParseTaskKey(key); ok {
		return string(kind)
	}
	return "unknown"
}

func (p *Pool) complete(ctx context.Context, task collect.Task) {
	err := p.coordinator.CompleteTask(ctx, task)
	if err == nil {
		return
	}
	if errors.Is(err, collect.ErrRunFinalized) {
		// Late result against a cancelled run; the row was already settled.
		return
	}
	p.logger.Error("complete task", zap.Int64("task_id", task.ID), zap.Error(err))
}
