// Package retrieval fuses vector similarity and lexical matching into one
// ranked result set over a storage backend.
package retrieval

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/storage"
	"github.com/mnemo-ai/mnemo/types"
)

// Config tunes the fusion. Weights favor the vector side: pure lexical
// search misses paraphrase, pure vector search misses exact identifiers.
type Config struct {
	// VectorWeight scales the normalized similarity score.
	VectorWeight float64 `yaml:"vector_weight" json:"vector_weight"`
	// LexicalWeight scales the normalized lexical score.
	LexicalWeight float64 `yaml:"lexical_weight" json:"lexical_weight"`
	// CandidateMultiplier sets the per-source candidate pool to
	// multiplier * limit, so filtering still leaves enough results.
	CandidateMultiplier int `yaml:"candidate_multiplier" json:"candidate_multiplier"`
}

// DefaultConfig returns the standard fusion weights.
func DefaultConfig() Config {
	return Config{
		VectorWeight:        0.7,
		LexicalWeight:       0.3,
		CandidateMultiplier: 3,
	}
}

// HybridRetriever runs both retrieval sources against one backend and
// merges the results.
type HybridRetriever struct {
	config  Config
	backend storage.Backend
	logger  *zap.Logger

	onDegraded func()
}

// NewHybridRetriever builds a retriever over backend.
func NewHybridRetriever(config Config, backend storage.Backend, logger *zap.Logger) *HybridRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CandidateMultiplier < 1 {
		config.CandidateMultiplier = DefaultConfig().CandidateMultiplier
	}
	if config.VectorWeight <= 0 && config.LexicalWeight <= 0 {
		config.VectorWeight = DefaultConfig().VectorWeight
		config.LexicalWeight = DefaultConfig().LexicalWeight
	}
	return &HybridRetriever{
		config:  config,
		backend: backend,
		logger:  logger.With(zap.String("component", "hybrid_retriever")),
	}
}

// OnDegraded registers a hook invoked when a query runs lexical-only.
func (r *HybridRetriever) OnDegraded(fn func()) { r.onDegraded = fn }

// scored accumulates per-source scores for one record.
type scored struct {
	record   types.MemoryRecord
	vecScore float64
	lexScore float64
}

// Retrieve runs the hybrid query: fetch per-source candidates, normalize
// each source to [0,1], fuse with the configured weights, then filter and
// rank. The memory-type and min-similarity filters apply to the fused
// score, not the raw per-source scores.
func (r *HybridRetriever) Retrieve(ctx context.Context, query types.RetrievalQuery) (types.RetrievalResult, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	poolSize := query.Limit * r.config.CandidateMultiplier

	var vecCands, lexCands []storage.Candidate
	if query.QueryVector != nil {
		var err error
		vecCands, err = r.backend.SimilarityCandidates(ctx, query.QueryVector, poolSize)
		if err != nil {
			return nil, types.NewError(types.ErrRetrieval, "similarity candidates").WithCause(err)
		}
	}
	if len(query.QueryTerms) > 0 {
		var err error
		lexCands, err = r.backend.LexicalCandidates(ctx, query.QueryTerms, poolSize)
		if err != nil {
			return nil, types.NewError(types.ErrRetrieval, "lexical candidates").WithCause(err)
		}
	}

	if query.QueryVector == nil && len(query.QueryTerms) > 0 {
		r.logger.Warn("retrieval degraded to lexical-only", zap.Int("limit", query.Limit))
		if r.onDegraded != nil {
			r.onDegraded()
		}
	}

	merged := make(map[string]*scored)
	vecNorm := normalizeScores(vecCands)
	for i := range vecCands {
		id := vecCands[i].Record.ID
		merged[id] = &scored{record: vecCands[i].Record, vecScore: vecNorm[id]}
	}
	lexNorm := normalizeScores(lexCands)
	for i := range lexCands {
		id := lexCands[i].Record.ID
		if entry, ok := merged[id]; ok {
			entry.lexScore = lexNorm[id]
		} else {
			merged[id] = &scored{record: lexCands[i].Record, lexScore: lexNorm[id]}
		}
	}

	results := make(types.RetrievalResult, 0, len(merged))
	for _, entry := range merged {
		fused := r.config.VectorWeight*entry.vecScore + r.config.LexicalWeight*entry.lexScore

		if query.MemoryType != "" && entry.record.MemoryType != query.MemoryType {
			continue
		}
		if fused < query.MinSimilarity {
			continue
		}
		results = append(results, types.ScoredRecord{Record: entry.record, Score: fused})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Record.Importance != results[j].Record.Importance {
			return results[i].Record.Importance > results[j].Record.Importance
		}
		return results[i].Record.Timestamp > results[j].Record.Timestamp
	})

	if len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// normalizeScores min-max normalizes one candidate source to [0,1]. A set
// with a single score value maps to 1.0.
func normalizeScores(cands []storage.Candidate) map[string]float64 {
	normalized := make(map[string]float64, len(cands))
	if len(cands) == 0 {
		return normalized
	}

	minScore := math.MaxFloat64
	maxScore := -math.MaxFloat64
	for i := range cands {
		if cands[i].Score < minScore {
			minScore = cands[i].Score
		}
		if cands[i].Score > maxScore {
			maxScore = cands[i].Score
		}
	}

	scoreRange := maxScore - minScore
	for i := range cands {
		if scoreRange == 0 {
			normalized[cands[i].Record.ID] = 1.0
		} else {
			normalized[cands[i].Record.ID] = (cands[i].Score - minScore) / scoreRange
		}
	}
	return normalized
}
