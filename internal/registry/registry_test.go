package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
	storemem "github.com/jipview/collector/internal/store/memory"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(storemem.NewJobStore(), zap.NewNop())
}

func TestCreateAppliesDefaults(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	job, err := svc.Create(context.Background(), collect.Job{
		Name: "gangnam prices",
		Type: collect.JobTypeKBPrice,
	})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxConcurrency, job.MaxConcurrency)
	require.Equal(t, collect.JobStatusActive, job.Status)
}

func TestZeroRateLimitMeansUnlimited(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, collect.Job{
		Name: "무제한", Type: collect.JobTypeKBPrice, RateLimitPerMinute: 0,
	})
	require.NoError(t, err)
	require.Equal(t, 0, job.RateLimitPerMinute)

	// And the setting survives an update round-trip.
	job.Description = "no throttle"
	updated, err := svc.Update(ctx, job)
	require.NoError(t, err)
	require.Equal(t, 0, updated.RateLimitPerMinute)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		job  collect.Job
	}{
		{"missing name", collect.Job{Type: collect.JobTypeKBPrice}},
		{"unknown type", collect.Job{Name: "x", Type: "scrape_all"}},
		{"concurrency too high", collect.Job{Name: "x", Type: collect.JobTypeKBPrice, MaxConcurrency: 51}},
		{"rate too high", collect.Job{Name: "x", Type: collect.JobTypeKBPrice, RateLimitPerMinute: 601}},
		{"rate negative", collect.Job{Name: "x", Type: collect.JobTypeKBPrice, RateLimitPerMinute: -1}},
		{"bad cron", collect.Job{Name: "x", Type: collect.JobTypeKBPrice, CronSchedule: "not a cron"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.job)
			var verr *collect.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestPauseResumeDisable(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, collect.Job{Name: "j", Type: collect.JobTypeKBPrice})
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, collect.JobStatusPaused, paused.Status)

	// Pausing a paused job is rejected.
	_, err = svc.Pause(ctx, job.ID)
	require.Error(t, err)

	resumed, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, collect.JobStatusActive, resumed.Status)

	disabled, err := svc.Disable(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, collect.JobStatusDisabled, disabled.Status)

	// Disabled is terminal.
	_, err = svc.Resume(ctx, job.ID)
	require.Error(t, err)
}

func TestUpdatePreservesTypeAndStatus(t *testing.T) {
	t.Parallel()

	svc := newService(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, collect.Job{Name: "j", Type: collect.JobTypeKBPrice})
	require.NoError(t, err)

	job.Name = "renamed"
	job.Type = collect.JobTypeRegionAll // must be ignored
	job.CronSchedule = "0 6 * * *"
	updated, err := svc.Update(ctx, job)
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, collect.JobTypeKBPrice, updated.Type)
	require.Equal(t, "0 6 * * *", updated.CronSchedule)
}
