// Package storage provides the durable store for memory records. Backends
// are polymorphic over a fixed capability set; the concrete implementation
// is selected once at startup via configuration, never per call.
package storage

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/mnemo-ai/mnemo/types"
)

// Candidate is one similarity or lexical candidate.
type Candidate struct {
	Record types.MemoryRecord `json:"record"`
	// Score is source-relative: cosine similarity for similarity
	// candidates, term-overlap or full-text rank for lexical ones. The
	// retriever normalizes per source, so scales need not agree.
	Score float64 `json:"score"`
}

// Backend is the capability interface every store implements. All
// operations are individually atomic; no multi-record transactions. Safe
// for concurrent use by multiple sessions.
type Backend interface {
	// Store persists a record, assigning an id when absent, and returns
	// the id. Fails with a STORAGE error on duplicate id or I/O failure.
	// Durable on success: a subsequent Fetch in the same process sees it.
	Store(ctx context.Context, rec types.MemoryRecord) (string, error)

	// Fetch returns the record with the given id, or a STORAGE error.
	Fetch(ctx context.Context, id string) (*types.MemoryRecord, error)

	// SimilarityCandidates returns the top-k records nearest to vector by
	// cosine similarity, ties broken by descending timestamp.
	SimilarityCandidates(ctx context.Context, vector []float64, k int) ([]Candidate, error)

	// LexicalCandidates returns the top-k records by term-overlap score,
	// monotonic in overlap count, ties broken by descending timestamp.
	LexicalCandidates(ctx context.Context, terms []string, k int) ([]Candidate, error)

	// Delete removes a record. Deleting a nonexistent id is a no-op.
	Delete(ctx context.Context, id string) error

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter types.ListFilter) ([]types.MemoryRecord, error)

	// Close releases backend resources.
	Close() error
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors; mismatched lengths or zero norms score 0.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Tokenize lowercases and splits on whitespace. Deliberately simple; the
// lexical contract only requires monotonicity in term overlap.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// OverlapScore counts how many distinct query terms appear in the content
// token set. Monotonic in overlap by construction.
func OverlapScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0.0
	}
	present := make(map[string]bool)
	for _, tok := range Tokenize(content) {
		present[tok] = true
	}
	seen := make(map[string]bool)
	matched := 0
	for _, term := range terms {
		term = strings.ToLower(term)
		if seen[term] {
			continue
		}
		seen[term] = true
		if present[term] {
			matched++
		}
	}
	return float64(matched)
}

// sortCandidates orders by score descending, then timestamp descending.
func sortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Record.Timestamp > cands[j].Record.Timestamp
	})
}

// matchesFilter applies a ListFilter to one record.
func matchesFilter(rec *types.MemoryRecord, f types.ListFilter) bool {
	if f.MemoryType != "" && rec.MemoryType != f.MemoryType {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range rec.Tags {
			if tag == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Before != 0 && rec.Timestamp >= f.Before {
		return false
	}
	if f.After != 0 && rec.Timestamp <= f.After {
		return false
	}
	return true
}
