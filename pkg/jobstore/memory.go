package jobstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// It preserves the conditional-update semantics of the Postgres
// implementation.
type MemoryStore struct {
	mu       sync.Mutex
	statuses map[string]Status
	reasons  map[string]string
	keys     map[string]string
	uploads  map[string]*UploadRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses: make(map[string]Status),
		reasons:  make(map[string]string),
		keys:     make(map[string]string),
		uploads:  make(map[string]*UploadRecord),
	}
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, jobID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[jobID] = status
	return nil
}

// RecordResult implements Store.
func (s *MemoryStore) RecordResult(_ context.Context, jobID, storageKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[jobID] = StatusCompleted
	s.keys[jobID] = storageKey
	return nil
}

// RecordFailure implements Store.
func (s *MemoryStore) RecordFailure(_ context.Context, jobID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[jobID] = StatusFailed
	s.reasons[jobID] = reason
	return nil
}

// GetUploadRecord implements Store.
func (s *MemoryStore) GetUploadRecord(_ context.Context, archiveID string) (*UploadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.uploads[archiveID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// CreateUploadRecord implements Store.
func (s *MemoryStore) CreateUploadRecord(_ context.Context, archiveID, storageKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.uploads[archiveID]; exists {
		return nil
	}
	s.uploads[archiveID] = &UploadRecord{
		ArchiveID:  archiveID,
		StorageKey: storageKey,
		Status:     UploadPending,
		CreatedAt:  time.Now(),
	}
	return nil
}

// CommitUploadRecord implements Store.
func (s *MemoryStore) CommitUploadRecord(_ context.Context, archiveID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.uploads[archiveID]
	if !ok || rec.Status != UploadPending {
		return false, nil
	}
	rec.Status = UploadCommitted
	rec.CommittedAt = time.Now()
	return true, nil
}

// Close implements Store.
func (s *MemoryStore) Close() {}

// JobStatus reports a job's recorded status, for tests.
func (s *MemoryStore) JobStatus(jobID string) (Status, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[jobID], s.reasons[jobID], s.keys[jobID]
}
