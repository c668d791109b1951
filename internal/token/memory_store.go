package token

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. A single mutex makes each conditional
// update atomic.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Record)}
}

// Create inserts a new refresh token record.
func (s *MemoryStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

// Get retrieves a refresh token record by id.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Rotate revokes oldID and inserts successor under one lock.
func (s *MemoryStore) Rotate(_ context.Context, oldID uuid.UUID, successor *Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[oldID]
	if !ok || !old.Active(now) {
		return ErrNotActive
	}
	revoke(old, ReasonRotated, now)

	cp := *successor
	s.records[successor.ID] = &cp
	return nil
}

// Revoke revokes a single token if it is still unrevoked.
func (s *MemoryStore) Revoke(_ context.Context, id uuid.UUID, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.RevokedAt != nil {
		return ErrNotActive
	}
	revoke(rec, reason, now)
	return nil
}

// RevokeFamily revokes every unrevoked token sharing familyID.
func (s *MemoryStore) RevokeFamily(_ context.Context, familyID uuid.UUID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.records {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			revoke(rec, reason, now)
			n++
		}
	}
	return n, nil
}

// SweepExpired marks expired, unrevoked tokens revoked.
func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.records {
		if rec.RevokedAt == nil && !now.Before(rec.ExpiresAt) {
			revoke(rec, ReasonExpired, now)
			n++
		}
	}
	return n, nil
}

func revoke(rec *Record, reason string, now time.Time) {
	t := now
	rec.RevokedAt = &t
	rec.RevokedReason = reason
}
