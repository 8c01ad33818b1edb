// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// JobStore keeps job definitions in a map.
type JobStore struct {
	mu     sync.RWMutex
	nextID atomic.Int64
	jobs   map[int64]collect.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[int64]collect.Job)}
}

// CreateJob stores a new job and assigns its ID.
func (s *JobStore) CreateJob(_ context.Context, job collect.Job) (collect.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = s.nextID.Add(1)
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	return job, nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id int64) (collect.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return collect.Job{}, collect.ErrNotFound
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, ordered by ID.
func (s *JobStore) ListJobs(_ context.Context, filter collect.JobFilter) ([]collect.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		if filter.Scheduled && job.CronSchedule == "" {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return window(out, filter.Offset, filter.Limit), nil
}

// UpdateJob replaces a stored job row.
func (s *JobStore) UpdateJob(_ context.Context, job collect.Job) (collect.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return collect.Job{}, collect.ErrNotFound
	}
	job.CreatedAt = stored.CreatedAt
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = job
	return job, nil
}

// FindJobByTarget looks up a job by type and exact target_config match.
func (s *JobStore) FindJobByTarget(_ context.Context, jobType collect.JobType, targetConfig string) (collect.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.Type == jobType && job.TargetConfig == targetConfig {
			return job, true, nil
		}
	}
	return collect.Job{}, false, nil
}

// window applies offset/limit paging to a sorted slice.
func window[T any](in []T, offset, limit int) []T {
	if offset >= len(in) {
		return []T{}
	}
	in = in[offset:]
	if limit > 0 && limit < len(in) {
		in = in[:limit]
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
