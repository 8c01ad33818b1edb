package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jipview/collector/internal/collect"
)

// ComplexStore keeps the target catalog in a map.
type ComplexStore struct {
	mu        sync.RWMutex
	nextID    atomic.Int64
	nextArea  atomic.Int64
	complexes map[int64]collect.Complex
}

// NewComplexStore constructs a ComplexStore.
func NewComplexStore() *ComplexStore {
	return &ComplexStore{complexes: make(map[int64]collect.Complex)}
}

// CreateComplex stores a new complex and assigns IDs to it and its areas.
func (s *ComplexStore) CreateComplex(_ context.Context, cpx collect.Complex) (collect.Complex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpx.ID = s.nextID.Add(1)
	now := time.Now().UTC()
	cpx.CreatedAt = now
	cpx.UpdatedAt = now
	for i := range cpx.Areas {
		cpx.Areas[i].ID = s.nextArea.Add(1)
		cpx.Areas[i].ComplexID = cpx.ID
	}
	s.complexes[cpx.ID] = cpx
	return cpx, nil
}

// GetComplex fetches a complex by ID.
func (s *ComplexStore) GetComplex(_ context.Context, id int64) (collect.Complex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cpx, ok := s.complexes[id]
	if !ok {
		return collect.Complex{}, collect.ErrNotFound
	}
	return cpx, nil
}

// ListComplexes returns complexes matching the filter plus the total count
// before paging.
func (s *ComplexStore) ListComplexes(_ context.Context, filter collect.ComplexFilter) ([]collect.Complex, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Complex, 0, len(s.complexes))
	for _, cpx := range s.complexes {
		if filter.Active != nil && cpx.Active != *filter.Active {
			continue
		}
		if filter.RegionPrefix != "" && !strings.HasPrefix(cpx.RegionCode, filter.RegionPrefix) {
			continue
		}
		if filter.Search != "" && !strings.Contains(cpx.Name, filter.Search) &&
			!strings.Contains(cpx.Address, filter.Search) {
			continue
		}
		out = append(out, cpx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	return window(out, filter.Offset, filter.Limit), total, nil
}

// UpdateComplex replaces a stored complex, assigning IDs to new areas.
func (s *ComplexStore) UpdateComplex(_ context.Context, cpx collect.Complex) (collect.Complex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.complexes[cpx.ID]
	if !ok {
		return collect.Complex{}, collect.ErrNotFound
	}
	cpx.CreatedAt = stored.CreatedAt
	cpx.UpdatedAt = time.Now().UTC()
	for i := range cpx.Areas {
		if cpx.Areas[i].ID == 0 {
			cpx.Areas[i].ID = s.nextArea.Add(1)
		}
		cpx.Areas[i].ComplexID = cpx.ID
	}
	s.complexes[cpx.ID] = cpx
	return cpx, nil
}

// DeleteComplex removes a complex from the catalog.
func (s *ComplexStore) DeleteComplex(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.complexes[id]; !ok {
		return collect.ErrNotFound
	}
	delete(s.complexes, id)
	return nil
}

// ComplexesByIDs resolves an explicit ID list, keeping only rows that exist.
func (s *ComplexStore) ComplexesByIDs(_ context.Context, ids []int64) ([]collect.Complex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Complex, 0, len(ids))
	for _, id := range ids {
		if cpx, ok := s.complexes[id]; ok {
			out = append(out, cpx)
		}
	}
	return out, nil
}

// ActiveByRegionPrefix resolves active complexes whose region code starts
// with the prefix, ordered by ID.
func (s *ComplexStore) ActiveByRegionPrefix(_ context.Context, prefix string) ([]collect.Complex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]collect.Complex, 0)
	for _, cpx := range s.complexes {
		if !cpx.Active {
			continue
		}
		if !strings.HasPrefix(cpx.RegionCode, prefix) {
			continue
		}
		out = append(out, cpx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
