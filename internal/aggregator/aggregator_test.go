package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
	idgen "github.com/jipview/collector/internal/id/uuid"
	pubmem "github.com/jipview/collector/internal/publisher/memory"
	storemem "github.com/jipview/collector/internal/store/memory"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type fixture struct {
	runs      *storemem.RunStore
	tasks     *storemem.TaskStore
	publisher *pubmem.Publisher
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	runs := storemem.NewRunStore()
	tasks := storemem.NewTaskStore()
	publisher := pubmem.NewPublisher()
	svc := NewService(
		runs, tasks, publisher, "collector-runs",
		fixedClock{at: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)},
		idgen.New(), 200, zap.NewNop(),
	)
	return &fixture{runs: runs, tasks: tasks, publisher: publisher, svc: svc}
}

func (f *fixture) seedRun(t *testing.T, keys ...string) (collect.Run, []collect.Task) {
	t.Helper()
	ctx := context.Background()
	run, err := f.runs.CreateRun(ctx, collect.Run{
		Status: collect.RunStatusPending, TotalTasks: len(keys),
	})
	require.NoError(t, err)

	rows := make([]collect.Task, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, collect.Task{RunID: run.ID, Key: key, Status: collect.TaskStatusPending})
	}
	tasks, err := f.tasks.CreateTasks(ctx, rows)
	require.NoError(t, err)
	return run, tasks
}

func TestCompleteTaskCountsAndFinalizes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	run, tasks := f.seedRun(t, "kb_price_1_1", "kb_price_1_2", "molit_tx_1")

	require.NoError(t, f.svc.MarkRunStarted(ctx, run.ID))

	tasks[0].Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[0]))

	mid, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusRunning, mid.Status)
	require.Equal(t, 1, mid.SuccessCount)

	tasks[1].Status = collect.TaskStatusFailed
	tasks[1].ErrorType = collect.ErrorTypeUpstreamFetch
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[1]))

	tasks[2].Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[2]))

	final, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusPartial, final.Status)
	require.Equal(t, 2, final.SuccessCount)
	require.Equal(t, 1, final.FailedCount)
	require.NotNil(t, final.FinishedAt)

	// Counter invariant holds at the end.
	require.Equal(t, final.TotalTasks, final.SuccessCount+final.FailedCount+final.SkippedCount)
}

func TestFinalStatusRules(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses []collect.TaskStatus
		want     collect.RunStatus
	}{
		{"all success", []collect.TaskStatus{collect.TaskStatusSuccess, collect.TaskStatusSuccess}, collect.RunStatusSuccess},
		{"all failed", []collect.TaskStatus{collect.TaskStatusFailed, collect.TaskStatusFailed}, collect.RunStatusFailed},
		{"mixed", []collect.TaskStatus{collect.TaskStatusSuccess, collect.TaskStatusFailed}, collect.RunStatusPartial},
		{"skips do not fail a run", []collect.TaskStatus{collect.TaskStatusSuccess, collect.TaskStatusSkipped}, collect.RunStatusSuccess},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ctx := context.Background()
			keys := []string{"kb_price_1_1", "kb_price_1_2"}
			run, tasks := f.seedRun(t, keys...)

			for i, status := range tc.statuses {
				tasks[i].Status = status
				require.NoError(t, f.svc.CompleteTask(ctx, tasks[i]))
			}

			final, err := f.runs.GetRun(ctx, run.ID)
			require.NoError(t, err)
			require.Equal(t, tc.want, final.Status)
		})
	}
}

func TestCompleteTaskDuplicateReportNotDoubleCounted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	run, tasks := f.seedRun(t, "kb_price_1_1", "kb_price_1_2")

	tasks[0].Status = collect.TaskStatusFailed
	tasks[0].ErrorType = collect.ErrorTypeStale
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[0]))

	// A second terminal report for the same task, as when a stale-task sweep
	// races the still-live worker, is dropped: the run must not finalize
	// while the other task is still pending.
	replay := tasks[0]
	replay.Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, replay))

	mid, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusPending, mid.Status)
	require.Equal(t, 0, mid.SuccessCount)
	require.Equal(t, 1, mid.FailedCount)

	stored, err := f.tasks.GetTask(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Equal(t, collect.TaskStatusFailed, stored.Status)

	tasks[1].Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[1]))

	final, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusPartial, final.Status)
	require.Equal(t, final.TotalTasks, final.SuccessCount+final.FailedCount+final.SkippedCount)
}

func TestCompleteTaskAfterFinalizationRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	_, tasks := f.seedRun(t, "kb_price_1_1")

	tasks[0].Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[0]))

	late := tasks[0]
	late.Status = collect.TaskStatusFailed
	require.ErrorIs(t, f.svc.CompleteTask(ctx, late), collect.ErrRunFinalized)
}

func TestCancelSkipsPendingAndRejectsLateResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	run, tasks := f.seedRun(t, "kb_price_1_1", "kb_price_1_2", "kb_listing_1")

	// One task already finished before the cancel.
	tasks[0].Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[0]))

	cancelled := false
	f.svc.RegisterCancel(run.ID, func() { cancelled = true })

	got, err := f.svc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusCancelled, got.Status)
	require.Equal(t, 1, got.SuccessCount)
	require.Equal(t, 2, got.SkippedCount)
	require.True(t, cancelled)

	skipped, err := f.tasks.GetTask(ctx, tasks[1].ID)
	require.NoError(t, err)
	require.Equal(t, collect.TaskStatusSkipped, skipped.Status)
	require.Equal(t, collect.ErrorTypeCancelled, skipped.ErrorType)

	// A straggler completing after the cancel is rejected.
	tasks[2].Status = collect.TaskStatusSuccess
	require.ErrorIs(t, f.svc.CompleteTask(ctx, tasks[2]), collect.ErrRunFinalized)

	// Cancelling twice is rejected too.
	_, err = f.svc.Cancel(ctx, run.ID)
	require.ErrorIs(t, err, collect.ErrRunFinalized)
}

func TestFinalizationPublishesEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	run, tasks := f.seedRun(t, "kb_price_1_1")

	tasks[0].Status = collect.TaskStatusSuccess
	require.NoError(t, f.svc.CompleteTask(ctx, tasks[0]))

	msgs := f.publisher.Messages("collector-runs")
	require.Len(t, msgs, 1)
	event, ok := msgs[0].(RunEvent)
	require.True(t, ok)
	require.Equal(t, run.ID, event.RunID)
	require.Equal(t, collect.RunStatusSuccess, event.Status)
	require.NotEmpty(t, event.EventID)
}

func TestStatusCapsTasksAndTalliesRemainder(t *testing.T) {
	t.Parallel()

	runs := storemem.NewRunStore()
	tasks := storemem.NewTaskStore()
	svc := NewService(runs, tasks, nil, "", fixedClock{at: time.Now().UTC()}, idgen.New(), 2, zap.NewNop())
	ctx := context.Background()

	run, err := runs.CreateRun(ctx, collect.Run{Status: collect.RunStatusRunning, TotalTasks: 5})
	require.NoError(t, err)
	rows := []collect.Task{
		{RunID: run.ID, Key: "kb_price_1_1", Status: collect.TaskStatusSuccess},
		{RunID: run.ID, Key: "kb_price_1_2", Status: collect.TaskStatusRunning},
		{RunID: run.ID, Key: "kb_price_1_3", Status: collect.TaskStatusPending},
		{RunID: run.ID, Key: "kb_price_1_4", Status: collect.TaskStatusPending},
		{RunID: run.ID, Key: "kb_price_1_5", Status: collect.TaskStatusRetry},
	}
	_, err = tasks.CreateTasks(ctx, rows)
	require.NoError(t, err)

	snapshot, err := svc.Status(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, snapshot.Tasks, 2)
	require.Equal(t, 2, snapshot.Remainder[collect.TaskStatusPending])
	require.Equal(t, 1, snapshot.Remainder[collect.TaskStatusRetry])
}

func TestCompleteTaskConcurrentCountersExact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	keys := make([]string, 40)
	for i := range keys {
		keys[i] = collect.PriceTaskKey(1, int64(i+1))
	}
	run, tasks := f.seedRun(t, keys...)

	var wg sync.WaitGroup
	for i := range tasks {
		wg.Add(1)
		go func(task collect.Task) {
			defer wg.Done()
			task.Status = collect.TaskStatusSuccess
			require.NoError(t, f.svc.CompleteTask(ctx, task))
		}(tasks[i])
	}
	wg.Wait()

	final, err := f.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, collect.RunStatusSuccess, final.Status)
	require.Equal(t, 40, final.SuccessCount)
}
