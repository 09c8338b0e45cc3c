package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/aliskhannn/webp-offload/internal/model"
)

// MemoryStore keeps records in a map. It is meant for tests and one-shot
// runs that do not need resumability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[model.AssetID]model.AssetRecord
	writes  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[model.AssetID]model.AssetRecord)}
}

func (s *MemoryStore) Get(_ context.Context, id model.AssetID) (model.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return model.AssetRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec model.AssetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.AssetID] = rec
	s.writes++
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status, offset, limit int) ([]model.AssetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AssetRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Writes returns how many upserts the store has seen.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
