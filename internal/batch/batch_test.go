package batch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/clock/system"
	"github.com/jipview/collector/internal/collect"
	queuemem "github.com/jipview/collector/internal/queue/memory"
	"github.com/jipview/collector/internal/scheduler"
	storemem "github.com/jipview/collector/internal/store/memory"
)

type fixture struct {
	jobs      *storemem.JobStore
	runs      *storemem.RunStore
	complexes *storemem.ComplexStore
	ctl       *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	jobs := storemem.NewJobStore()
	runs := storemem.NewRunStore()
	tasks := storemem.NewTaskStore()
	complexes := storemem.NewComplexStore()
	sched := scheduler.NewService(jobs, runs, tasks, complexes, queuemem.NewQueue(256), system.New(), zap.NewNop())
	return &fixture{
		jobs:      jobs,
		runs:      runs,
		complexes: complexes,
		ctl:       NewController(complexes, runs, jobs, sched, zap.NewNop()),
	}
}

func (f *fixture) seedComplex(t *testing.T, name, region string) {
	t.Helper()
	_, err := f.complexes.CreateComplex(context.Background(), collect.Complex{
		Name: name, RegionCode: region, Active: true,
		Areas: []collect.Area{{ExclusiveM2: 84.9}},
	})
	require.NoError(t, err)
}

func TestListCoversEverySido(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedComplex(t, "서울단지", "1168010300")
	f.seedComplex(t, "부산단지", "2635010200")
	f.seedComplex(t, "전주단지", "4511310200")

	batches, err := f.ctl.List(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, len(Sidos))

	byCode := make(map[string]collect.Batch)
	for _, b := range batches {
		byCode[b.SidoCode] = b
	}
	require.Equal(t, 1, byCode["11"].ComplexCount)
	require.Equal(t, 1, byCode["26"].ComplexCount)
	// Jeonbuk (45) and Gangwon (51) each have their own entry.
	require.Equal(t, 1, byCode["45"].ComplexCount)
	require.Contains(t, byCode, "51")
	require.Equal(t, 0, byCode["50"].ComplexCount)
	require.Nil(t, byCode["11"].JobID)
}

func TestRunCreatesRegionRunAndShowsInList(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.seedComplex(t, "서울단지", "1168010300")

	run, count, err := f.ctl.Run(ctx, "11", "api")
	require.NoError(t, err)
	require.NotNil(t, run.JobID)
	require.Equal(t, 1, count)
	require.Equal(t, 2, run.TotalTasks) // one price + one transaction

	entry, err := f.ctl.Get(ctx, "11")
	require.NoError(t, err)
	require.NotNil(t, entry.JobID)
	require.Len(t, entry.LastRuns, 1)
	require.Equal(t, run.ID, entry.LastRuns[0].ID)
}

func TestRunUnknownSido(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, err := f.ctl.Run(context.Background(), "99", "api")
	var verr *collect.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRunEmptyRegion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, _, err := f.ctl.Run(context.Background(), "50", "api")
	var noTargets *collect.NoTargetsError
	require.ErrorAs(t, err, &noTargets)
}

func TestUpdateScheduleCreatesJobAndValidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.ctl.UpdateSchedule(ctx, "11", "0 6 * * *")
	require.NoError(t, err)
	require.Equal(t, "0 6 * * *", job.CronSchedule)
	require.Equal(t, collect.JobTypeRegionAll, job.Type)

	// Clearing the schedule keeps the job.
	cleared, err := f.ctl.UpdateSchedule(ctx, "11", "")
	require.NoError(t, err)
	require.Equal(t, job.ID, cleared.ID)
	require.Empty(t, cleared.CronSchedule)

	_, err = f.ctl.UpdateSchedule(ctx, "11", "bad cron")
	var verr *collect.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = f.ctl.UpdateSchedule(ctx, "00", "0 6 * * *")
	require.ErrorAs(t, err, &verr)
}
