package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/types"
)

// MemoryStore is an in-process backend for tests and small deployments.
// Everything lives behind one RWMutex; records are copied on the way in
// and out so callers can never mutate stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]types.MemoryRecord
	logger  *zap.Logger
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		records: make(map[string]types.MemoryRecord),
		logger:  logger.With(zap.String("component", "memory_store")),
	}
}

// Store implements Backend.
func (s *MemoryStore) Store(ctx context.Context, rec types.MemoryRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewError(types.ErrStorage, "store canceled").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	} else if _, exists := s.records[rec.ID]; exists {
		return "", types.NewError(types.ErrStorage, "duplicate record id: "+rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	s.records[rec.ID] = copyRecord(rec)
	s.logger.Debug("record stored", zap.String("id", rec.ID))
	return rec.ID, nil
}

// Fetch implements Backend.
func (s *MemoryStore) Fetch(ctx context.Context, id string) (*types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, types.NewError(types.ErrStorage, "record not found: "+id)
	}
	out := copyRecord(rec)
	return &out, nil
}

// SimilarityCandidates implements Backend. Exact scan; fine for the
// moderate record counts this store is meant for.
func (s *MemoryStore) SimilarityCandidates(ctx context.Context, vector []float64, k int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cands := make([]Candidate, 0, len(s.records))
	for _, rec := range s.records {
		if rec.Embedding == nil {
			continue
		}
		cands = append(cands, Candidate{
			Record: copyRecord(rec),
			Score:  CosineSimilarity(vector, rec.Embedding),
		})
	}
	sortCandidates(cands)
	if k < len(cands) {
		cands = cands[:k]
	}
	return cands, nil
}

// LexicalCandidates implements Backend.
func (s *MemoryStore) LexicalCandidates(ctx context.Context, terms []string, k int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cands := make([]Candidate, 0, len(s.records))
	for _, rec := range s.records {
		score := OverlapScore(terms, rec.Content)
		if score == 0 {
			continue
		}
		cands = append(cands, Candidate{Record: copyRecord(rec), Score: score})
	}
	sortCandidates(cands)
	if k < len(cands) {
		cands = cands[:k]
	}
	return cands, nil
}

// Delete implements Backend. Missing ids are a no-op.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// List implements Backend.
func (s *MemoryStore) List(ctx context.Context, filter types.ListFilter) ([]types.MemoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.MemoryRecord, 0)
	for _, rec := range s.records {
		if matchesFilter(&rec, filter) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close implements Backend.
func (s *MemoryStore) Close() error { return nil }

func copyRecord(rec types.MemoryRecord) types.MemoryRecord {
	out := rec
	if rec.Embedding != nil {
		out.Embedding = append([]float64(nil), rec.Embedding...)
	}
	if rec.Tags != nil {
		out.Tags = append([]string(nil), rec.Tags...)
	}
	if rec.ContextIDs != nil {
		out.ContextIDs = append([]string(nil), rec.ContextIDs...)
	}
	if rec.SurpriseScore != nil {
		v := *rec.SurpriseScore
		out.SurpriseScore = &v
	}
	return out
}
