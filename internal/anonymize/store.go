package anonymize

import (
	"context"
	"sync"
	"time"
)

// Mapping is one stored identity. Only Sealed can yield the identity, and only
// with the sealing key.
type Mapping struct {
	Hash      string
	LookupKey string
	Sealed    string
	Salt      string
	CreatedAt time.Time
}

// MappingStore persists mappings. Insert is write-once: when a mapping with the
// same lookup key already exists it is returned unchanged with created false.
type MappingStore interface {
	GetByLookup(ctx context.Context, lookupKey string) (Mapping, error)
	GetByHash(ctx context.Context, hash string) (Mapping, error)
	Insert(ctx context.Context, m Mapping) (Mapping, bool, error)
}

// MemoryMappingStore keeps mappings in process memory.
type MemoryMappingStore struct {
	mu       sync.RWMutex
	byLookup map[string]Mapping
	byHash   map[string]string
}

// NewMemoryMappingStore constructs an empty store.
func NewMemoryMappingStore() *MemoryMappingStore {
	return &MemoryMappingStore{
		byLookup: make(map[string]Mapping),
		byHash:   make(map[string]string),
	}
}

func (s *MemoryMappingStore) GetByLookup(ctx context.Context, lookupKey string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byLookup[lookupKey]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryMappingStore) GetByHash(ctx context.Context, hash string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lookup, ok := s.byHash[hash]
	if !ok {
		return Mapping{}, ErrNotFound
	}
	return s.byLookup[lookup], nil
}

func (s *MemoryMappingStore) Insert(ctx context.Context, m Mapping) (Mapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byLookup[m.LookupKey]; ok {
		return existing, false, nil
	}
	s.byLookup[m.LookupKey] = m
	s.byHash[m.Hash] = m.LookupKey
	return m, true, nil
}

var _ MappingStore = (*MemoryMappingStore)(nil)
