package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// TaskStore keeps task rows in a map with a (run_id, task_key) uniqueness
// guarantee matching the database index.
type TaskStore struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	tasks  map[int64]collect.Task
	byKey  map[string]int64 // "runID/taskKey" -> task ID
}

// NewTaskStore constructs a TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[int64]collect.Task),
		byKey: make(map[string]int64),
	}
}

func taskKeyIndex(runID int64, key string) string {
	return fmt.Sprintf("%d/%s", runID, key)
}

// CreateTasks inserts a batch of task rows, assigning IDs. Duplicate
// (run_id, task_key) pairs fail the whole batch.
func (s *TaskStore) CreateTasks(_ context.Context, tasks []collect.Task) ([]collect.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, task := range tasks {
		if _, exists := s.byKey[taskKeyIndex(task.RunID, task.Key)]; exists {
			return nil, fmt.Errorf("duplicate task key %q in run %d", task.Key, task.RunID)
		}
	}

	out := make([]collect.Task, 0, len(tasks))
	now := time.Now().UTC()
	for _, task := range tasks {
		task.ID = s.nextID.Add(1)
		task.CreatedAt = now
		s.tasks[task.ID] = task
		s.byKey[taskKeyIndex(task.RunID, task.Key)] = task.ID
		out = append(out, task)
	}
	return out, nil
}

// GetTask fetches a task by ID.
func (s *TaskStore) GetTask(_ context.Context, id int64) (collect.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return collect.Task{}, collect.ErrNotFound
	}
	return task, nil
}

// ListTasks returns a run's tasks matching the filter, ordered by ID.
func (s *TaskStore) ListTasks(_ context.Context, runID int64, filter collect.TaskFilter) ([]collect.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Task, 0)
	for _, task := range s.tasks {
		if task.RunID != runID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, filter.Offset, filter.Limit), nil
}

// UpdateTask replaces a stored task row.
func (s *TaskStore) UpdateTask(_ context.Context, task collect.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return collect.ErrNotFound
	}
	s.tasks[task.ID] = task
	return nil
}

// StaleRunning returns running tasks whose start time is older than cutoff.
func (s *TaskStore) StaleRunning(_ context.Context, cutoff time.Time) ([]collect.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Task, 0)
	for _, task := range s.tasks {
		if task.Status != collect.TaskStatusRunning {
			continue
		}
		if task.StartedAt == nil || task.StartedAt.After(cutoff) {
			continue
		}
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
