package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore implements an in-memory feature store. It keeps the latest
// record and a bounded history per vessel, and is safe for concurrent use.
//
// For deployments where monitoring and inference run out of process,
// use RedisStore instead.
type MemoryStore struct {
	mu         sync.RWMutex
	latest     map[string]Record
	history    map[string][]Record // newest first
	maxHistory int
}

// NewMemoryStore creates an in-memory store keeping up to maxHistory
// records per vessel (default 512 when <= 0).
func NewMemoryStore(maxHistory int) *MemoryStore {
	if maxHistory <= 0 {
		maxHistory = 512
	}
	return &MemoryStore{
		latest:     make(map[string]Record),
		history:    make(map[string][]Record),
		maxHistory: maxHistory,
	}
}

// Put stores a record, replacing the vessel's latest and prepending to its
// history.
func (s *MemoryStore) Put(ctx context.Context, record Record) error {
	if record.VesselID == "" {
		return fmt.Errorf("record vessel cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[record.VesselID] = record

	h := append([]Record{record}, s.history[record.VesselID]...)
	if len(h) > s.maxHistory {
		h = h[:s.maxHistory]
	}
	s.history[record.VesselID] = h

	return nil
}

// GetLatest retrieves the most recent record for a vessel.
func (s *MemoryStore) GetLatest(ctx context.Context, vessel string) (Record, bool, error) {
	select {
	case <-ctx.Done():
		return Record{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, found := s.latest[vessel]
	return record, found, nil
}

// History returns up to limit records, newest first.
func (s *MemoryStore) History(ctx context.Context, vessel string, limit int) ([]Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[vessel]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}

	out := make([]Record, len(h))
	copy(out, h)
	return out, nil
}

// Len returns the number of vessels with a stored record. Primarily useful
// for tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}
