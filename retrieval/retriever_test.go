package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/storage"
	"github.com/mnemo-ai/mnemo/types"
)

// stubBackend serves canned candidates so raw scores are exact.
type stubBackend struct {
	vec    []storage.Candidate
	lex    []storage.Candidate
	vecErr error
	lexErr error
}

func (s *stubBackend) Store(ctx context.Context, rec types.MemoryRecord) (string, error) {
	return rec.ID, nil
}
func (s *stubBackend) Fetch(ctx context.Context, id string) (*types.MemoryRecord, error) {
	return nil, types.NewError(types.ErrStorage, "not implemented")
}
func (s *stubBackend) SimilarityCandidates(ctx context.Context, vector []float64, k int) ([]storage.Candidate, error) {
	if s.vecErr != nil {
		return nil, s.vecErr
	}
	if k < len(s.vec) {
		return s.vec[:k], nil
	}
	return s.vec, nil
}
func (s *stubBackend) LexicalCandidates(ctx context.Context, terms []string, k int) ([]storage.Candidate, error) {
	if s.lexErr != nil {
		return nil, s.lexErr
	}
	if k < len(s.lex) {
		return s.lex[:k], nil
	}
	return s.lex, nil
}
func (s *stubBackend) Delete(ctx context.Context, id string) error { return nil }
func (s *stubBackend) List(ctx context.Context, filter types.ListFilter) ([]types.MemoryRecord, error) {
	return nil, nil
}
func (s *stubBackend) Close() error { return nil }

func rec(id string, importance, timestamp float64) types.MemoryRecord {
	return types.MemoryRecord{ID: id, Importance: importance, Timestamp: timestamp, MemoryType: types.MemoryTrace}
}

func TestRetrieve_VectorOnlyOutranksLexicalOnly(t *testing.T) {
	t.Parallel()

	// One candidate per source; each singleton source saturates to 1.0,
	// so the weights decide the order.
	backend := &stubBackend{
		vec: []storage.Candidate{{Record: rec("vec-hit", 0.5, 1), Score: 0.9}},
		lex: []storage.Candidate{{Record: rec("lex-hit", 0.5, 1), Score: 0.9}},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	results, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryVector: []float64{1, 0},
		QueryTerms:  []string{"anything"},
		Limit:       5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "vec-hit", results[0].Record.ID)
	assert.InDelta(t, 0.7, results[0].Score, 1e-9)
	assert.Equal(t, "lex-hit", results[1].Record.ID)
	assert.InDelta(t, 0.3, results[1].Score, 1e-9)
}

func TestRetrieve_RecordInBothSources(t *testing.T) {
	t.Parallel()

	shared := rec("shared", 0.5, 1)
	backend := &stubBackend{
		vec: []storage.Candidate{
			{Record: shared, Score: 0.8},
			{Record: rec("vec-only", 0.5, 1), Score: 0.2},
		},
		lex: []storage.Candidate{
			{Record: shared, Score: 3},
			{Record: rec("lex-only", 0.5, 1), Score: 1},
		},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	results, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryVector: []float64{1, 0},
		QueryTerms:  []string{"x"},
		Limit:       5,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// shared normalizes to 1.0 in both sources: 0.7 + 0.3.
	assert.Equal(t, "shared", results[0].Record.ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestRetrieve_MinSimilarityOnFusedScore(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		lex: []storage.Candidate{
			{Record: rec("high", 0.5, 1), Score: 2},
			{Record: rec("low", 0.5, 1), Score: 1},
		},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	// "high" fuses to 0.3 (lexical weight * 1.0); "low" to 0.0.
	results, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryTerms:    []string{"x"},
		MinSimilarity: 0.2,
		Limit:         5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "high", results[0].Record.ID)
}

func TestRetrieve_MemoryTypeFilter(t *testing.T) {
	t.Parallel()

	knowledge := rec("know", 0.5, 1)
	knowledge.MemoryType = types.MemoryKnowledge
	backend := &stubBackend{
		lex: []storage.Candidate{
			{Record: rec("trace", 0.5, 1), Score: 5},
			{Record: knowledge, Score: 1},
		},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	results, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryTerms: []string{"x"},
		MemoryType: types.MemoryKnowledge,
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "know", results[0].Record.ID)
}

func TestRetrieve_TieBreakImportanceThenTimestamp(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		lex: []storage.Candidate{
			{Record: rec("low-imp", 0.2, 50), Score: 1},
			{Record: rec("old-high-imp", 0.8, 10), Score: 1},
			{Record: rec("new-high-imp", 0.8, 99), Score: 1},
		},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	// All lexical scores equal: every fused score is 0.3.
	results, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryTerms: []string{"x"},
		Limit:      5,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "new-high-imp", results[0].Record.ID)
	assert.Equal(t, "old-high-imp", results[1].Record.ID)
	assert.Equal(t, "low-imp", results[2].Record.ID)
}

func TestRetrieve_TruncatesToLimit(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		lex: []storage.Candidate{
			{Record: rec("a", 0.5, 3), Score: 3},
			{Record: rec("b", 0.5, 2), Score: 2},
			{Record: rec("c", 0.5, 1), Score: 1},
		},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	results, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryTerms: []string{"x"},
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Record.ID)
}

func TestRetrieve_LexicalOnlyInvokesDegradedHook(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		lex: []storage.Candidate{{Record: rec("a", 0.5, 1), Score: 1}},
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	degraded := 0
	r.OnDegraded(func() { degraded++ })

	_, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryTerms: []string{"x"},
		Limit:      5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, degraded)

	// A query with a vector is not degraded.
	_, err = r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryVector: []float64{1},
		QueryTerms:  []string{"x"},
		Limit:       5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, degraded)
}

func TestRetrieve_InvalidQuery(t *testing.T) {
	t.Parallel()

	r := NewHybridRetriever(DefaultConfig(), &stubBackend{}, zap.NewNop())

	_, err := r.Retrieve(context.Background(), types.RetrievalQuery{Limit: 5})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = r.Retrieve(context.Background(), types.RetrievalQuery{QueryTerms: []string{"x"}})
	require.Error(t, err, "limit must be positive")
}

func TestRetrieve_BackendErrorBecomesRetrievalError(t *testing.T) {
	t.Parallel()

	backend := &stubBackend{
		vecErr: types.NewError(types.ErrStorage, "index corrupted"),
	}
	r := NewHybridRetriever(DefaultConfig(), backend, zap.NewNop())

	_, err := r.Retrieve(context.Background(), types.RetrievalQuery{
		QueryVector: []float64{1},
		Limit:       5,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetrieval, types.GetErrorCode(err))
}

func TestRetrieve_EndToEndWithMemoryStore(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	ctx := context.Background()

	_, err := store.Store(ctx, types.MemoryRecord{
		ID: "semantic", Content: "deployment pipeline details",
		Embedding: []float64{1, 0}, MemoryType: types.MemoryKnowledge, Timestamp: 10,
	})
	require.NoError(t, err)
	_, err = store.Store(ctx, types.MemoryRecord{
		ID: "exact", Content: "error code E5521 observed",
		Embedding: []float64{0, 1}, MemoryType: types.MemoryKnowledge, Timestamp: 20,
	})
	require.NoError(t, err)

	r := NewHybridRetriever(DefaultConfig(), store, zap.NewNop())

	results, err := r.Retrieve(ctx, types.RetrievalQuery{
		QueryVector: []float64{1, 0.1},
		QueryTerms:  []string{"e5521"},
		Limit:       2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// "semantic" wins on vector, "exact" wins on lexical; vector weight
	// dominates.
	assert.Equal(t, "semantic", results[0].Record.ID)
}

func TestNormalizeScores(t *testing.T) {
	t.Parallel()

	cands := []storage.Candidate{
		{Record: rec("a", 0, 0), Score: 10},
		{Record: rec("b", 0, 0), Score: 5},
		{Record: rec("c", 0, 0), Score: 0},
	}
	norm := normalizeScores(cands)
	assert.Equal(t, 1.0, norm["a"])
	assert.Equal(t, 0.5, norm["b"])
	assert.Equal(t, 0.0, norm["c"])

	// Single candidate normalizes to 1.0.
	single := normalizeScores(cands[:1])
	assert.Equal(t, 1.0, single["a"])

	// All-equal scores normalize to 1.0.
	equal := normalizeScores([]storage.Candidate{
		{Record: rec("x", 0, 0), Score: 0.4},
		{Record: rec("y", 0, 0), Score: 0.4},
	})
	assert.Equal(t, 1.0, equal["x"])
	assert.Equal(t, 1.0, equal["y"])

	assert.Empty(t, normalizeScores(nil))
}
