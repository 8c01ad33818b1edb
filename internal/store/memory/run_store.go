package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// RunStore keeps run rows in a map.
type RunStore struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	runs   map[int64]collect.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[int64]collect.Run)}
}

// CreateRun stores a new run and assigns its ID.
func (s *RunStore) CreateRun(_ context.Context, run collect.Run) (collect.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = s.nextID.Add(1)
	run.CreatedAt = time.Now().UTC()
	s.runs[run.ID] = run
	return run, nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, id int64) (collect.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return collect.Run{}, collect.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *RunStore) ListRuns(_ context.Context, filter collect.RunFilter) ([]collect.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.JobID != nil && (run.JobID == nil || *run.JobID != *filter.JobID) {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return window(out, filter.Offset, filter.Limit), nil
}

// UpdateRun replaces a stored run row.
func (s *RunStore) UpdateRun(_ context.Context, run collect.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return collect.ErrNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// LatestRuns returns the most recent runs for a job, newest first.
func (s *RunStore) LatestRuns(ctx context.Context, jobID int64, limit int) ([]collect.Run, error) {
	return s.ListRuns(ctx, collect.RunFilter{JobID: &jobID, Limit: limit})
}
