package datastore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory MutableStore. It is safe for concurrent use and keeps records in
// insertion order.
type MemoryStore[K Key, R UniqueRecord[K, R]] struct {
	mu      sync.RWMutex
	records []R
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore[K Key, R UniqueRecord[K, R]]() *MemoryStore[K, R] {
	return &MemoryStore[K, R]{records: []R{}}
}

// Get returns a copy of the record with the given key.
func (s *MemoryStore[K, R]) Get(_ context.Context, key K) (R, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(key)
	if idx == -1 {
		var zero R
		return zero, keyError(ErrRecordNotFound, key)
	}

	return s.records[idx].Clone(), nil
}

// Fetch returns a copy of every record.
func (s *MemoryStore[K, R]) Fetch(_ context.Context) ([]R, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshot(), nil
}

// Filter returns a copy of the records passing every filter.
func (s *MemoryStore[K, R]) Filter(_ context.Context, filters ...FilterFunc[K, R]) ([]R, error) {
	s.mu.RLock()
	records := s.snapshot()
	s.mu.RUnlock()

	return ApplyFilters(records, filters...), nil
}

// Add inserts a new record.
func (s *MemoryStore[K, R]) Add(_ context.Context, record R) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(record.Key()) != -1 {
		return keyError(ErrRecordExists, record.Key())
	}
	s.records = append(s.records, record.Clone())

	return nil
}

// Upsert inserts or replaces a record.
func (s *MemoryStore[K, R]) Upsert(_ context.Context, record R) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(record.Key())
	if idx == -1 {
		s.records = append(s.records, record.Clone())
		return nil
	}
	s.records[idx] = record.Clone()

	return nil
}

// Update replaces an existing record.
func (s *MemoryStore[K, R]) Update(_ context.Context, record R) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(record.Key())
	if idx == -1 {
		return keyError(ErrRecordNotFound, record.Key())
	}
	s.records[idx] = record.Clone()

	return nil
}

// Delete removes a record.
func (s *MemoryStore[K, R]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(key)
	if idx == -1 {
		return keyError(ErrRecordNotFound, key)
	}
	s.records = append(s.records[:idx], s.records[idx+1:]...)

	return nil
}

func (s *MemoryStore[K, R]) indexOf(key K) int {
	for i, record := range s.records {
		if record.Key() == key {
			return i
		}
	}

	return -1
}

func (s *MemoryStore[K, R]) snapshot() []R {
	records := make([]R, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record.Clone())
	}

	return records
}
