package storage

import (
	"context"
	"sync"

	"digitalvault/pkg/models"
)

// MemoryStore keeps blobs in process memory. Used for tests and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	meta    map[string]Metadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		meta:    make(map[string]Metadata),
	}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (string, error) {
	return s.PutWithMetadata(ctx, data, Metadata{})
}

func (s *MemoryStore) PutWithMetadata(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "put cancelled", err)
	}
	address, err := ContentAddress(data)
	if err != nil {
		return "", models.NewError(models.ErrCodeStorageUnavailable, "failed to address content", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[address]; !exists {
		s.objects[address] = append([]byte(nil), data...)
	}
	if meta.Name != "" {
		s.meta[address] = meta
	}
	return address, nil
}

func (s *MemoryStore) Get(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.NewError(models.ErrCodeStorageUnavailable, "get cancelled", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[address]
	if !ok {
		return nil, models.Errorf(models.ErrCodeNotFound, "no object at %s", address)
	}
	return append([]byte(nil), data...), nil
}

// Metadata returns the metadata recorded for address, if any.
func (s *MemoryStore) Metadata(address string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[address]
	return m, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
