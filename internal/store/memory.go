package store

import (
	"context"
	"sort"
	"sync"

	apperr "polyrun/internal/errors"
)

const defaultMemoryCapacity = 1000

// MemoryStore is an in-process Store holding the most recent records.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]Record
	order    []string
	capacity int
}

// NewMemoryStore creates a store that keeps up to capacity records, evicting
// the oldest first.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{
		records:  make(map[string]Record),
		order:    make([]string, 0, capacity+1),
		capacity: capacity,
	}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec

	// Evict in place so the backing array never grows past capacity+1.
	if n := len(s.order) - s.capacity; n > 0 {
		for _, id := range s.order[:n] {
			delete(s.records, id)
		}
		copy(s.order, s.order[n:])
		clear(s.order[len(s.order)-n:])
		s.order = s.order[:len(s.order)-n]
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, apperr.Newf(apperr.NotFound, "session %s not found", id)
	}
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	result := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, rec)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndedAt.After(result[j].EndedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
