package types

import "time"

// MemoryType classifies a persisted memory record.
type MemoryType string

const (
	// MemoryTrace is a record of an executed agent turn or action.
	MemoryTrace MemoryType = "trace"

	// MemoryKnowledge is a distilled fact derived from traces, stored for
	// long-term recall.
	MemoryKnowledge MemoryType = "knowledge"
)

// Valid reports whether t is a known memory type. The empty string is
// accepted where a type acts as an optional filter.
func (t MemoryType) Valid() bool {
	return t == MemoryTrace || t == MemoryKnowledge
}

// Metadata is the caller-supplied metadata for a write. Timestamp is the
// only required field; a nil Timestamp is a validation error, never a
// stored state.
type Metadata struct {
	// Timestamp is unix seconds, wall clock. Pointer so that an absent or
	// JSON-null timestamp is distinguishable from zero.
	Timestamp *float64 `json:"timestamp"`

	// Importance is clamped to [0,1] on write.
	Importance float64 `json:"importance,omitempty"`

	Tags       []string   `json:"tags,omitempty"`
	MemoryType MemoryType `json:"memory_type,omitempty"`

	// ContextIDs is an ordered sequence of related record ids.
	ContextIDs []string `json:"context_ids,omitempty"`

	// SurpriseScore optionally raises the effective importance: when it
	// exceeds the configured threshold, importance = max(importance, surprise).
	SurpriseScore *float64 `json:"surprise_score,omitempty"`
}

// MemoryRecord is a persisted unit of memory. Content and Embedding are
// immutable after creation; updates create a new record.
type MemoryRecord struct {
	ID string `json:"id"`

	// Content is redacted text. Once the scanner has run, the raw original
	// is never stored or embedded.
	Content string `json:"content"`

	// Embedding is a fixed-length vector; nil only when embedding failed
	// and the store-without-embedding policy allowed the write.
	Embedding []float64 `json:"embedding,omitempty"`

	Importance    float64    `json:"importance"`
	MemoryType    MemoryType `json:"memory_type"`
	Timestamp     float64    `json:"timestamp"`
	Tags          []string   `json:"tags,omitempty"`
	ContextIDs    []string   `json:"context_ids,omitempty"`
	SurpriseScore *float64   `json:"surprise_score,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// RetrievalQuery describes one retrieval pass. At least one of QueryVector
// and QueryTerms must be present.
type RetrievalQuery struct {
	QueryVector []float64  `json:"query_vector,omitempty"`
	QueryTerms  []string   `json:"query_terms,omitempty"`
	MemoryType  MemoryType `json:"memory_type,omitempty"`

	// MinSimilarity is applied to the fused score, not to either source
	// score individually.
	MinSimilarity float64 `json:"min_similarity,omitempty"`

	Limit int `json:"limit"`
}

// Validate checks that the query carries at least one usable signal.
func (q *RetrievalQuery) Validate() error {
	if len(q.QueryVector) == 0 && len(q.QueryTerms) == 0 {
		return NewError(ErrValidation, "query has neither vector nor terms")
	}
	if q.Limit <= 0 {
		return NewError(ErrValidation, "query limit must be positive")
	}
	if q.MemoryType != "" && !q.MemoryType.Valid() {
		return NewError(ErrValidation, "unknown memory_type filter: "+string(q.MemoryType))
	}
	return nil
}

// ScoredRecord pairs a record with its fused retrieval score.
type ScoredRecord struct {
	Record MemoryRecord `json:"record"`
	Score  float64      `json:"score"`
}

// RetrievalResult is a ranked sequence of scored records, descending by
// score, at most query.Limit long.
type RetrievalResult []ScoredRecord

// ListFilter narrows List operations on a storage backend. Zero value
// matches everything.
type ListFilter struct {
	MemoryType MemoryType `json:"memory_type,omitempty"`
	Tag        string     `json:"tag,omitempty"`

	// Before/After bound the record timestamp (unix seconds); zero means
	// unbounded.
	Before float64 `json:"before,omitempty"`
	After  float64 `json:"after,omitempty"`

	Limit int `json:"limit,omitempty"`
}
