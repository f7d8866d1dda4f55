package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
)

// MemoryObjectStore is an in-memory ObjectStore for tests.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

// NewMemoryObjectStore creates an empty MemoryObjectStore.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

// Put implements ObjectStore.
func (s *MemoryObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.puts++
	return nil
}

// Head implements ObjectStore.
func (s *MemoryObjectStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, nil
	}
	sum := sha256.Sum256(data)
	return &ObjectInfo{
		Size:   int64(len(data)),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

// Get returns a stored object's bytes, for tests.
func (s *MemoryObjectStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}

// Puts reports how many Put calls the store served, for tests.
func (s *MemoryObjectStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Len reports the number of stored objects, for tests.
func (s *MemoryObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
