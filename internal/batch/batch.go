// Package batch exposes the per-region (sido) view over collection and
// drives region-wide runs.
package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jipview/collector/internal/collect"
)

// Sido is one top-level administrative region.
type Sido struct {
	Code string
	Name string
}

// Sidos lists every top-level region, ordered by code. Region codes of
// complexes start with one of these two-digit prefixes.
var Sidos = []Sido{
	{Code: "11", Name: "서울특별시"},
	{Code: "26", Name: "부산광역시"},
	{Code: "27", Name: "대구광역시"},
	{Code: "28", Name: "인천광역시"},
	{Code: "29", Name: "광주광역시"},
	{Code: "30", Name: "대전광역시"},
	{Code: "31", Name: "울산광역시"},
	{Code: "36", Name: "세종특별자치시"},
	{Code: "41", Name: "경기도"},
	{Code: "43", Name: "충청북도"},
	{Code: "44", Name: "충청남도"},
	{Code: "45", Name: "전북특별자치도"},
	{Code: "46", Name: "전라남도"},
	{Code: "47", Name: "경상북도"},
	{Code: "48", Name: "경상남도"},
	{Code: "50", Name: "제주특별자치도"},
	{Code: "51", Name: "강원특별자치도"},
}

// SidoName resolves a sido code to its name.
func SidoName(code string) (string, bool) {
	for _, sido := range Sidos {
		if sido.Code == code {
			return sido.Name, true
		}
	}
	return "", false
}

// RegionRunner is the scheduler surface the controller needs.
type RegionRunner interface {
	RunRegion(ctx context.Context, sidoCode, sidoName, triggeredBy string) (collect.Run, error)
	RegionJob(ctx context.Context, sidoCode string) (collect.Job, bool, error)
	EnsureRegionJob(ctx context.Context, sidoCode, sidoName string) (collect.Job, error)
}

// Controller aggregates per-sido state and triggers region runs.
type Controller struct {
	complexes collect.ComplexStore
	runs      collect.RunStore
	jobs      collect.JobStore
	scheduler RegionRunner
	logger    *zap.Logger

	lastRunsPerSido int
}

// NewController constructs a batch Controller.
func NewController(
	complexes collect.ComplexStore,
	runs collect.RunStore,
	jobs collect.JobStore,
	scheduler RegionRunner,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		complexes:       complexes,
		runs:            runs,
		jobs:            jobs,
		scheduler:       scheduler,
		logger:          logger,
		lastRunsPerSido: 5,
	}
}

// List builds the batch view: one entry per sido with its complex count, the
// implicit region job if one exists, and that job's most recent runs.
func (c *Controller) List(ctx context.Context) ([]collect.Batch, error) {
	out := make([]collect.Batch, 0, len(Sidos))
	for _, sido := range Sidos {
		entry := collect.Batch{
			SidoCode: sido.Code,
			SidoName: sido.Name,
			LastRuns: []collect.Run{},
		}

		active := true
		_, total, err := c.complexes.ListComplexes(ctx, collect.ComplexFilter{
			Active: &active, RegionPrefix: sido.Code, Limit: 1,
		})
		if err != nil {
			return nil, fmt.Errorf("count complexes for sido %s: %w", sido.Code, err)
		}
		entry.ComplexCount = total

		job, found, err := c.scheduler.RegionJob(ctx, sido.Code)
		if err != nil {
			return nil, fmt.Errorf("resolve region job for sido %s: %w", sido.Code, err)
		}
		if found {
			entry.JobID = &job.ID
			entry.JobStatus = job.Status
			entry.CronSchedule = job.CronSchedule
			runs, err := c.runs.LatestRuns(ctx, job.ID, c.lastRunsPerSido)
			if err != nil {
				return nil, fmt.Errorf("latest runs for sido %s: %w", sido.Code, err)
			}
			entry.LastRuns = runs
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SidoCode < out[j].SidoCode })
	return out, nil
}

// Get builds the batch view for one sido.
func (c *Controller) Get(ctx context.Context, sidoCode string) (collect.Batch, error) {
	if _, ok := SidoName(sidoCode); !ok {
		return collect.Batch{}, collect.Validationf("unknown sido code %q", sidoCode)
	}
	all, err := c.List(ctx)
	if err != nil {
		return collect.Batch{}, err
	}
	for _, entry := range all {
		if entry.SidoCode == sidoCode {
			return entry, nil
		}
	}
	return collect.Batch{}, collect.ErrNotFound
}

// Run triggers a region-wide run for the sido, returning the run and how
// many active complexes it covers.
func (c *Controller) Run(ctx context.Context, sidoCode, triggeredBy string) (collect.Run, int, error) {
	name, ok := SidoName(sidoCode)
	if !ok {
		return collect.Run{}, 0, collect.Validationf("unknown sido code %q", sidoCode)
	}
	run, err := c.scheduler.RunRegion(ctx, sidoCode, name, triggeredBy)
	if err != nil {
		return collect.Run{}, 0, err
	}
	active := true
	_, total, err := c.complexes.ListComplexes(ctx, collect.ComplexFilter{
		Active: &active, RegionPrefix: sidoCode, Limit: 1,
	})
	if err != nil {
		return collect.Run{}, 0, fmt.Errorf("count complexes for sido %s: %w", sidoCode, err)
	}
	c.logger.Info("region run triggered",
		zap.String("sido_code", sidoCode),
		zap.Int64("run_id", run.ID),
		zap.Int("complex_count", total),
	)
	return run, total, nil
}

// UpdateSchedule sets or clears the cron schedule on a sido's region job,
// creating the implicit job on first use. An empty schedule disables timed
// runs for the region.
func (c *Controller) UpdateSchedule(ctx context.Context, sidoCode, schedule string) (collect.Job, error) {
	name, ok := SidoName(sidoCode)
	if !ok {
		return collect.Job{}, collect.Validationf("unknown sido code %q", sidoCode)
	}
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return collect.Job{}, collect.Validationf("invalid cron schedule %q: %v", schedule, err)
		}
	}

	job, err := c.scheduler.EnsureRegionJob(ctx, sidoCode, name)
	if err != nil {
		return collect.Job{}, err
	}
	job.CronSchedule = schedule
	updated, err := c.jobs.UpdateJob(ctx, job)
	if err != nil {
		return collect.Job{}, fmt.Errorf("update region job schedule: %w", err)
	}
	c.logger.Info("region schedule updated",
		zap.String("sido_code", sidoCode),
		zap.String("cron_schedule", schedule),
	)
	return updated, nil
}
