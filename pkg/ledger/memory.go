package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records []UsageRecord
	// FailAppend, when set, is returned by Append.
	FailAppend error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, records []UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppend != nil {
		return s.FailAppend
	}
	s.records = append(s.records, records...)
	return nil
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UsageRecord
	for _, rec := range s.records {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
