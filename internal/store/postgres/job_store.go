package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jipview/collector/internal/collect"
)

// JobStore persists job definitions in Postgres.
type JobStore struct {
	pool Querier
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(pool Querier) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, name, job_type, description, target_config, cron_schedule,
	max_concurrency, rate_limit_per_minute, status, created_at, updated_at`

func scanJob(row pgx.Row) (collect.Job, error) {
	var job collect.Job
	err := row.Scan(
		&job.ID, &job.Name, &job.Type, &job.Description, &job.TargetConfig,
		&job.CronSchedule, &job.MaxConcurrency, &job.RateLimitPerMinute,
		&job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collect.Job{}, collect.ErrNotFound
	}
	if err != nil {
		return collect.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// CreateJob inserts a job row and returns it with its assigned ID.
func (s *JobStore) CreateJob(ctx context.Context, job collect.Job) (collect.Job, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO jobs (name, job_type, description, target_config, cron_schedule,
	max_concurrency, rate_limit_per_minute, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING `+jobColumns,
		job.Name, job.Type, job.Description, job.TargetConfig, job.CronSchedule,
		job.MaxConcurrency, job.RateLimitPerMinute, job.Status,
	)
	created, err := scanJob(row)
	if err != nil {
		return collect.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return created, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id int64) (collect.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListJobs returns jobs matching the filter, ordered by ID.
func (s *JobStore) ListJobs(ctx context.Context, filter collect.JobFilter) ([]collect.Job, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	if filter.Scheduled {
		conds = append(conds, "cron_schedule <> ''")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]collect.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// UpdateJob replaces a job's mutable fields.
func (s *JobStore) UpdateJob(ctx context.Context, job collect.Job) (collect.Job, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE jobs SET name = $2, description = $3, target_config = $4,
	cron_schedule = $5, max_concurrency = $6, rate_limit_per_minute = $7,
	status = $8, updated_at = now()
WHERE id = $1
RETURNING `+jobColumns,
		job.ID, job.Name, job.Description, job.TargetConfig, job.CronSchedule,
		job.MaxConcurrency, job.RateLimitPerMinute, job.Status,
	)
	return scanJob(row)
}

// FindJobByTarget looks up a job by type and exact target_config match.
func (s *JobStore) FindJobByTarget(ctx context.Context, jobType collect.JobType, targetConfig string) (collect.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs WHERE job_type = $1 AND target_config = $2 LIMIT 1`,
		jobType, targetConfig,
	)
	job, err := scanJob(row)
	if errors.Is(err, collect.ErrNotFound) {
		return collect.Job{}, false, nil
	}
	if err != nil {
		return collect.Job{}, false, err
	}
	return job, true, nil
}
