package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/jipview/collector/internal/collect"
)

// RunStore persists run rows in Postgres.
type RunStore struct {
	pool Querier
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool Querier) *RunStore {
	return &RunStore{pool: pool}
}

const runColumns = `id, job_id, status, started_at, finished_at, total_tasks,
	success_count, failed_count, skipped_count, target_summary, triggered_by, created_at`

func scanRun(row pgx.Row) (collect.Run, error) {
	var run collect.Run
	err := row.Scan(
		&run.ID, &run.JobID, &run.Status, &run.StartedAt, &run.FinishedAt,
		&run.TotalTasks, &run.SuccessCount, &run.FailedCount, &run.SkippedCount,
		&run.TargetSummary, &run.TriggeredBy, &run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collect.Run{}, collect.ErrNotFound
	}
	if err != nil {
		return collect.Run{}, fmt.Errorf("scan run: %w", err)
	}
	return run, nil
}

// CreateRun inserts a run row and returns it with its assigned ID.
func (s *RunStore) CreateRun(ctx context.Context, run collect.Run) (collect.Run, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO runs (job_id, status, started_at, total_tasks, target_summary, triggered_by)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING `+runColumns,
		run.JobID, run.Status, run.StartedAt, run.TotalTasks, run.TargetSummary, run.TriggeredBy,
	)
	created, err := scanRun(row)
	if err != nil {
		return collect.Run{}, fmt.Errorf("insert run: %w", err)
	}
	return created, nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, id int64) (collect.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// ListRuns returns runs matching the filter, newest first.
func (s *RunStore) ListRuns(ctx context.Context, filter collect.RunFilter) ([]collect.Run, error) {
	var (
		conds []string
		args  []any
	)
	if filter.JobID != nil {
		args = append(args, *filter.JobID)
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
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
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]collect.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// UpdateRun replaces a run's mutable fields.
func (s *RunStore) UpdateRun(ctx context.Context, run collect.Run) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE runs SET status = $2, started_at = $3, finished_at = $4, total_tasks = $5,
	success_count = $6, failed_count = $7, skipped_count = $8, target_summary = $9
WHERE id = $1`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.TotalTasks,
		run.SuccessCount, run.FailedCount, run.SkippedCount, run.TargetSummary,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return collect.ErrNotFound
	}
	return nil
}

// LatestRuns returns the most recent runs for a job, newest first.
func (s *RunStore) LatestRuns(ctx context.Context, jobID int64, limit int) ([]collect.Run, error) {
	return s.ListRuns(ctx, collect.RunFilter{JobID: &jobID, Limit: limit})
}
