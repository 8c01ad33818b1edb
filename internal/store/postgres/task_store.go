package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jipview/collector/internal/collect"
)

// TaskStore persists task rows in Postgres.
type TaskStore struct {
	pool Querier
}

// NewTaskStore constructs a TaskStore over an existing pool.
func NewTaskStore(pool Querier) *TaskStore {
	return &TaskStore{pool: pool}
}

const taskColumns = `id, run_id, task_key, status, started_at, finished_at,
	retry_count, items_collected, items_saved, error_type, error_message, created_at`

func scanTask(row pgx.Row) (collect.Task, error) {
	var task collect.Task
	err := row.Scan(
		&task.ID, &task.RunID, &task.Key, &task.Status, &task.StartedAt,
		&task.FinishedAt, &task.RetryCount, &task.ItemsCollected, &task.ItemsSaved,
		&task.ErrorType, &task.ErrorMessage, &task.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return collect.Task{}, collect.ErrNotFound
	}
	if err != nil {
		return collect.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

// CreateTasks inserts a batch of task rows, returning them with assigned IDs.
// The (run_id, task_key) unique index rejects duplicates.
func (s *TaskStore) CreateTasks(ctx context.Context, tasks []collect.Task) ([]collect.Task, error) {
	out := make([]collect.Task, 0, len(tasks))
	for _, task := range tasks {
		row := s.pool.QueryRow(ctx, `
INSERT INTO tasks (run_id, task_key, status)
VALUES ($1,$2,$3)
RETURNING `+taskColumns,
			task.RunID, task.Key, task.Status,
		)
		created, err := scanTask(row)
		if err != nil {
			return nil, fmt.Errorf("insert task %q: %w", task.Key, err)
		}
		out = append(out, created)
	}
	return out, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(ctx context.Context, id int64) (collect.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// ListTasks returns a run's tasks matching the filter, ordered by ID.
func (s *TaskStore) ListTasks(ctx context.Context, runID int64, filter collect.TaskFilter) ([]collect.Task, error) {
	conds := []string{"run_id = $1"}
	args := []any{runID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") + " ORDER BY id"
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
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]collect.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// UpdateTask replaces a task's mutable fields.
func (s *TaskStore) UpdateTask(ctx context.Context, task collect.Task) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = $2, started_at = $3, finished_at = $4, retry_count = $5,
	items_collected = $6, items_saved = $7, error_type = $8, error_message = $9
WHERE id = $1`,
		task.ID, task.Status, task.StartedAt, task.FinishedAt, task.RetryCount,
		task.ItemsCollected, task.ItemsSaved, task.ErrorType, task.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return collect.ErrNotFound
	}
	return nil
}

// StaleRunning returns running tasks whose start time is older than cutoff.
func (s *TaskStore) StaleRunning(ctx context.Context, cutoff time.Time) ([]collect.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= $1
ORDER BY id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale running: %w", err)
	}
	defer rows.Close()

	out := make([]collect.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale running: %w", err)
	}
	return out, nil
}
