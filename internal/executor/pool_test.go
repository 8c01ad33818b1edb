package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/aggregator"
	"github.com/jipview/collector/internal/clock/system"
	"github.com/jipview/collector/internal/collect"
	idgen "github.com/jipview/collector/internal/id/uuid"
	pubmem "github.com/jipview/collector/internal/publisher/memory"
	queuemem "github.com/jipview/collector/internal/queue/memory"
	storemem "github.com/jipview/collector/internal/store/memory"
)

type fakeCollector struct {
	mu       sync.Mutex
	attempts map[string]int
	fn       func(ctx context.Context, req collect.CollectRequest, attempt int) (collect.CollectResult, error)
}

func (f *fakeCollector) Collect(ctx context.Context, req collect.CollectRequest) (collect.CollectResult, error) {
	f.mu.Lock()
	f.attempts[req.TaskKey]++
	attempt := f.attempts[req.TaskKey]
	f.mu.Unlock()
	return f.fn(ctx, req, attempt)
}

func (f *fakeCollector) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[key]
}

type fixture struct {
	jobs      *storemem.JobStore
	runs      *storemem.RunStore
	tasks     *storemem.TaskStore
	complexes *storemem.ComplexStore
	queue     *queuemem.Queue
	agg       *aggregator.Service
	collector *fakeCollector
	pool      *Pool
}

func newFixture(t *testing.T, cfg Config, fn func(ctx context.Context, req collect.CollectRequest, attempt int) (collect.CollectResult, error)) *fixture {
	t.Helper()
	f := &fixture{
		jobs:      storemem.NewJobStore(),
		runs:      storemem.NewRunStore(),
		tasks:     storemem.NewTaskStore(),
		complexes: storemem.NewComplexStore(),
		queue:     queuemem.NewQueue(256),
		collector: &fakeCollector{attempts: make(map[string]int), fn: fn},
	}
	clk := system.New()
	f.agg = aggregator.NewService(f.runs, f.tasks, pubmem.NewPublisher(), "runs", clk, idgen.New(), 200, zap.NewNop())
	f.pool = NewPool(cfg, f.queue, f.jobs, f.runs, f.tasks, f.complexes, f.collector, f.agg, clk, zap.NewNop())
	f.pool.backoff = collect.BackoffSchedule{Base: time.Millisecond, Max: 5 * time.Millisecond}
	return f
}

// seedRun creates a complex with n areas, a run covering its price tasks,
// and enqueues the task messages under the given job.
func (f *fixture) seedRun(t *testing.T, jobID *int64, areas int) (collect.Run, []collect.Task) {
	t.Helper()
	ctx := context.Background()

	rows := make([]collect.Area, areas)
	for i := range rows {
		rows[i] = collect.Area{ExclusiveM2: 59.9}
	}
	cpx, err := f.complexes.CreateComplex(ctx, collect.Complex{
		Name: "단지", RegionCode: "11", Active: true, Areas: rows,
	})
	require.NoError(t, err)

	keys := make([]string, 0, areas)
	for _, area := range cpx.Areas {
		keys = append(keys, collect.PriceTaskKey(cpx.ID, area.ID))
	}

	run, err := f.runs.CreateRun(ctx, collect.Run{
		JobID: jobID, Status: collect.RunStatusPending, TotalTasks: len(keys),
	})
	require.NoError(t, err)

	taskRows := make([]collect.Task, 0, len(keys))
	for _, key := range keys {
		taskRows = append(taskRows, collect.Task{RunID: run.ID, Key: key, Status: collect.TaskStatusPending})
	}
	tasks, err := f.tasks.CreateTasks(ctx, taskRows)
	require.NoError(t, err)

	for _, task := range tasks {
		require.NoError(t, f.queue.Enqueue(ctx, collect.TaskMessage{
			TaskID: task.ID, RunID: run.ID, JobID: jobID, Key: task.Key,
		}))
	}
	return run, tasks
}

func (f *fixture) waitTerminal(t *testing.T, runID int64) collect.Run {
	t.Helper()
	var run collect.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = f.runs.GetRun(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestPoolRunsTasksToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 4, MaxRetries: 3},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{ItemsCollected: 3, ItemsSaved: 3}, nil
		})

	run, _ := f.seedRun(t, nil, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, collect.RunStatusSuccess, final.Status)
	require.Equal(t, 3, final.SuccessCount)
	require.NotNil(t, final.StartedAt)

	tasks, err := f.tasks.ListTasks(context.Background(), run.ID, collect.TaskFilter{})
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, collect.TaskStatusSuccess, task.Status)
		require.Equal(t, 3, task.ItemsSaved)
	}
}

func TestPoolRespectsJobConcurrency(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		inFlight int
		peak     int
	)
	f := newFixture(t, Config{Workers: 8, MaxRetries: 0},
		func(ctx context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return collect.CollectResult{ItemsCollected: 1, ItemsSaved: 1}, nil
		})

	job, err := f.jobs.CreateJob(context.Background(), collect.Job{
		Name: "throttled", Type: collect.JobTypeKBPrice,
		MaxConcurrency: 2, RateLimitPerMinute: 600,
		Status: collect.JobStatusActive,
	})
	require.NoError(t, err)

	run, _ := f.seedRun(t, &job.ID, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, collect.RunStatusSuccess, final.Status)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2)
	require.Greater(t, peak, 0)
}

func TestPoolRetriesTemporaryErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 2, MaxRetries: 3},
		func(_ context.Context, req collect.CollectRequest, attempt int) (collect.CollectResult, error) {
			if attempt == 1 {
				return collect.CollectResult{}, &collect.UpstreamFetchError{
					Source: "kb", StatusCode: 503, Temporary: true,
				}
			}
			return collect.CollectResult{ItemsCollected: 1, ItemsSaved: 1}, nil
		})

	run, tasks := f.seedRun(t, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, collect.RunStatusSuccess, final.Status)

	task, err := f.tasks.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, collect.TaskStatusSuccess, task.Status)
	require.Equal(t, 1, task.RetryCount)
	require.Equal(t, 2, f.collector.count(task.Key))
}

func TestPoolRetryCeilingFailsTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 2, MaxRetries: 2},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{}, &collect.UpstreamFetchError{
				Source: "kb", StatusCode: 503, Temporary: true,
			}
		})

	run, tasks := f.seedRun(t, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, collect.RunStatusFailed, final.Status)

	task, err := f.tasks.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, collect.TaskStatusFailed, task.Status)
	require.Equal(t, 2, task.RetryCount)
	require.Equal(t, collect.ErrorTypeUpstreamFetch, task.ErrorType)
	require.Equal(t, 3, f.collector.count(task.Key)) // initial + 2 retries
}

func TestPoolNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 2, MaxRetries: 3},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{}, &collect.UpstreamFetchError{
				Source: "kb", StatusCode: 404, Temporary: false,
			}
		})

	run, tasks := f.seedRun(t, nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, collect.RunStatusFailed, final.Status)

	task, err := f.tasks.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, 0, task.RetryCount)
	require.Equal(t, 1, f.collector.count(task.Key))
}

func TestPoolSkipsDeactivatedTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 2, MaxRetries: 3},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{ItemsCollected: 1, ItemsSaved: 1}, nil
		})

	run, tasks := f.seedRun(t, nil, 1)

	// Deactivate between run creation and execution.
	cpx, err := f.complexes.GetComplex(context.Background(), 1)
	require.NoError(t, err)
	cpx.Active = false
	_, err = f.complexes.UpdateComplex(context.Background(), cpx)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	final := f.waitTerminal(t, run.ID)
	require.Equal(t, collect.RunStatusSuccess, final.Status)
	require.Equal(t, 1, final.SkippedCount)

	task, err := f.tasks.GetTask(context.Background(), tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, collect.TaskStatusSkipped, task.Status)
	require.Equal(t, collect.ErrorTypeTargetInactive, task.ErrorType)
	require.Equal(t, 0, f.collector.count(task.Key))
}

func TestPoolObservesRunCancellation(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 8)
	f := newFixture(t, Config{Workers: 2, MaxRetries: 0, TaskTimeout: 5 * time.Second},
		func(ctx context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			started <- struct{}{}
			<-ctx.Done()
			return collect.CollectResult{}, ctx.Err()
		})

	run, _ := f.seedRun(t, nil, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.pool.Start(ctx)

	// Wait until at least one task is in flight, then cancel the run.
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("no task started")
	}

	got, err := f.agg.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusCancelled, got.Status)

	// Every task ends up terminal without moving the run counters past total.
	require.Eventually(t, func() bool {
		tasks, err := f.tasks.ListTasks(context.Background(), run.ID, collect.TaskFilter{})
		if err != nil {
			return false
		}
		for _, task := range tasks {
			if !task.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	final, err := f.runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusCancelled, final.Status)
	require.LessOrEqual(t,
		final.SuccessCount+final.FailedCount+final.SkippedCount,
		final.TotalTasks,
	)
}

func TestSlotFollowsConcurrencyChanges(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 1},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{}, nil
		})

	first := f.pool.slot("job-1", 2)
	require.Equal(t, 2, cap(first))
	require.Equal(t, first, f.pool.slot("job-1", 2))

	// A raised max_concurrency takes effect on the next admission.
	resized := f.pool.slot("job-1", 4)
	require.Equal(t, 4, cap(resized))
	require.NotEqual(t, first, resized)
}

func TestRecoverRequeuesPersistedBacklog(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 1},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{}, nil
		})
	ctx := context.Background()

	run, tasks := f.seedRun(t, nil, 3)

	// Simulate a restart: the store still holds the rows, but the queue
	// came back empty. One task already succeeded, one is waiting on a
	// retry, one never started.
	require.NoError(t, drainQueue(f.queue))
	tasks[0].Status = collect.TaskStatusSuccess
	require.NoError(t, f.tasks.UpdateTask(ctx, tasks[0]))
	tasks[1].Status = collect.TaskStatusRetry
	tasks[1].RetryCount = 1
	require.NoError(t, f.tasks.UpdateTask(ctx, tasks[1]))

	rec := NewReconciler(f.runs, f.tasks, f.queue, f.agg, system.New(), 10*time.Minute, time.Minute, zap.NewNop())
	require.NoError(t, rec.Recover(ctx))

	require.Equal(t, 2, f.queue.Len())
	seen := map[int64]collect.TaskMessage{}
	for i := 0; i < 2; i++ {
		msg, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, run.ID, msg.RunID)
		seen[msg.TaskID] = msg
	}
	require.NotContains(t, seen, tasks[0].ID)
	require.Equal(t, 1, seen[tasks[1].ID].Attempt)
	require.Contains(t, seen, tasks[2].ID)
}

func drainQueue(q *queuemem.Queue) error {
	for q.Len() > 0 {
		if _, err := q.Dequeue(context.Background()); err != nil {
			return err
		}
	}
	return nil
}

func TestReconcilerFailsStaleTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Workers: 1},
		func(_ context.Context, _ collect.CollectRequest, _ int) (collect.CollectResult, error) {
			return collect.CollectResult{}, nil
		})
	ctx := context.Background()

	run, tasks := f.seedRun(t, nil, 2)

	// Simulate a crash: both tasks stuck running since long ago.
	old := time.Now().UTC().Add(-30 * time.Minute)
	for _, task := range tasks {
		task.Status = collect.TaskStatusRunning
		task.StartedAt = &old
		require.NoError(t, f.tasks.UpdateTask(ctx, task))
	}

	rec := NewReconciler(f.runs, f.tasks, f.queue, f.agg, system.New(), 10*time.Minute, time.Minute, zap.NewNop())
	require.NoError(t, rec.Sweep(ctx))

	final, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusFailed, final.Status)
	require.Equal(t, 2, final.FailedCount)

	task, err := f.tasks.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, collect.ErrorTypeStale, task.ErrorType)
}
