// Package memory provides the coordinator other subsystems talk to: the
// write path (scan, embed, store) and the read path (retrieve, rank). It
// owns no durable state itself; the storage backend is the source of
// truth.
package memory

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/embedding"
	"github.com/mnemo-ai/mnemo/internal/metrics"
	"github.com/mnemo-ai/mnemo/retrieval"
	"github.com/mnemo-ai/mnemo/scanner"
	"github.com/mnemo-ai/mnemo/storage"
	"github.com/mnemo-ai/mnemo/types"
)

// Config tunes the coordinator's policies.
type Config struct {
	// SurpriseThreshold gates the surprise policy: a surprise score above
	// it raises importance to max(importance, surprise).
	SurpriseThreshold float64 `yaml:"surprise_threshold" json:"surprise_threshold"`
	// AllowUnembedded stores records without a vector when the embedder
	// has exhausted its retries; lexical recall still finds them.
	AllowUnembedded bool `yaml:"allow_unembedded" json:"allow_unembedded"`
	// RecentCapacity bounds the per-session recent-items cache.
	RecentCapacity int `yaml:"recent_capacity" json:"recent_capacity"`
	// DefaultRecallLimit applies when a recall request has no limit.
	DefaultRecallLimit int `yaml:"default_recall_limit" json:"default_recall_limit"`
	// RetentionMaxAge prunes records older than this; zero disables
	// retention entirely.
	RetentionMaxAge time.Duration `yaml:"retention_max_age" json:"retention_max_age"`
	// PruneInterval spaces retention sweeps.
	PruneInterval time.Duration `yaml:"prune_interval" json:"prune_interval"`
}

// DefaultConfig returns the standard policies.
func DefaultConfig() Config {
	return Config{
		SurpriseThreshold:  0.7,
		AllowUnembedded:    true,
		RecentCapacity:     32,
		DefaultRecallLimit: 5,
		PruneInterval:      time.Hour,
	}
}

// Manager coordinates one session's memory operations. The storage
// backend, embedder and retriever are shared across sessions; the recent
// cache is owned by this session and passed in by reference.
type Manager struct {
	config    Config
	backend   storage.Backend
	embedder  embedding.Provider
	scanner   *scanner.Scanner
	retriever *retrieval.HybridRetriever
	recent    *RecentCache
	cache     EmbeddingCache
	metrics   *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEmbeddingCache memoizes embedding lookups.
func WithEmbeddingCache(cache EmbeddingCache) Option {
	return func(m *Manager) {
		if cache != nil {
			m.cache = cache
		}
	}
}

// WithMetrics wires the Prometheus collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// NewManager builds a session coordinator.
func NewManager(
	config Config,
	backend storage.Backend,
	embedder embedding.Provider,
	sc *scanner.Scanner,
	retriever *retrieval.HybridRetriever,
	recent *RecentCache,
	logger *zap.Logger,
	opts ...Option,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SurpriseThreshold <= 0 {
		config.SurpriseThreshold = DefaultConfig().SurpriseThreshold
	}
	if config.DefaultRecallLimit <= 0 {
		config.DefaultRecallLimit = DefaultConfig().DefaultRecallLimit
	}
	if recent == nil {
		recent = NewRecentCache(config.RecentCapacity)
	}

	m := &Manager{
		config:    config,
		backend:   backend,
		embedder:  embedder,
		scanner:   sc,
		retriever: retriever,
		recent:    recent,
		cache:     NoopEmbeddingCache{},
		tracer:    otel.Tracer("github.com/mnemo-ai/mnemo/memory"),
		logger:    logger.With(zap.String("component", "memory_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.retriever != nil {
		m.retriever.OnDegraded(m.metrics.RecordRecallDegraded)
	}
	return m
}

// Remember runs the write path: validate, redact, embed, store. The write
// is all-or-nothing; a canceled context before the store leaves no side
// effect.
func (m *Manager) Remember(ctx context.Context, content string, meta types.Metadata) (string, error) {
	ctx, span := m.tracer.Start(ctx, "memory.remember")
	defer span.End()

	id, err := m.remember(ctx, content, meta)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.String("record.id", id))
	}
	return id, err
}

func (m *Manager) remember(ctx context.Context, content string, meta types.Metadata) (string, error) {
	if meta.Timestamp == nil || math.IsNaN(*meta.Timestamp) || math.IsInf(*meta.Timestamp, 0) {
		m.metrics.RecordWrite("failed")
		return "", types.NewError(types.ErrValidation, "Invalid timestamp format")
	}

	memoryType := meta.MemoryType
	if memoryType == "" {
		memoryType = types.MemoryTrace
	}
	if !memoryType.Valid() {
		m.metrics.RecordWrite("failed")
		return "", types.NewError(types.ErrValidation, "unknown memory type: "+string(memoryType))
	}

	importance := clamp01(meta.Importance)
	if meta.SurpriseScore != nil && *meta.SurpriseScore > m.config.SurpriseThreshold {
		importance = math.Max(importance, clamp01(*meta.SurpriseScore))
	}

	// Redaction runs exactly once, before embedding and before storage.
	failuresBefore := m.scanner.EngineFailures()
	redacted, matches := m.scanner.Scan(content)
	for _, match := range matches {
		m.metrics.RecordRedaction(match.Kind)
	}
	for i := m.scanner.EngineFailures() - failuresBefore; i > 0; i-- {
		m.metrics.RecordScannerFailure()
	}
	if len(matches) > 0 {
		m.logger.Info("content redacted", zap.Int("spans", len(matches)))
	}

	vector, err := m.embedText(ctx, redacted, embedding.InputTypeDocument)
	status := "stored"
	if err != nil {
		if !m.config.AllowUnembedded || !types.IsEmbedding(err) {
			m.metrics.RecordWrite("failed")
			return "", err
		}
		m.logger.Warn("storing record without embedding", zap.Error(err))
		vector = nil
		status = "stored_unembedded"
	}

	if err := ctx.Err(); err != nil {
		m.metrics.RecordWrite("failed")
		return "", types.NewError(types.ErrStorage, "write abandoned").WithCause(err)
	}

	rec := types.MemoryRecord{
		Content:       redacted,
		Embedding:     vector,
		Importance:    importance,
		MemoryType:    memoryType,
		Timestamp:     *meta.Timestamp,
		Tags:          meta.Tags,
		ContextIDs:    meta.ContextIDs,
		SurpriseScore: meta.SurpriseScore,
	}

	start := time.Now()
	id, err := m.backend.Store(ctx, rec)
	m.metrics.RecordStorageOp("store", time.Since(start))
	if err != nil {
		m.metrics.RecordWrite("failed")
		return "", err
	}

	rec.ID = id
	m.recent.Add(rec)
	m.metrics.RecordWrite(status)
	m.logger.Debug("record remembered",
		zap.String("id", id),
		zap.String("memory_type", string(memoryType)),
		zap.Bool("embedded", vector != nil),
	)
	return id, nil
}

// RecallRequest is the read-path query. QueryVector is used as-is when
// present; otherwise QueryText is embedded. QueryTerms default to the
// tokenized QueryText unless VectorOnly is set.
type RecallRequest struct {
	QueryText     string           `json:"query_text"`
	QueryVector   []float64        `json:"query_vector,omitempty"`
	QueryTerms    []string         `json:"query_terms,omitempty"`
	VectorOnly    bool             `json:"vector_only,omitempty"`
	MemoryType    types.MemoryType `json:"memory_type,omitempty"`
	MinSimilarity float64          `json:"min_similarity,omitempty"`
	Limit         int              `json:"limit,omitempty"`
}

// Recall runs the read path. When the embedder is unavailable the query
// degrades to lexical-only instead of failing, unless the request has no
// lexical signal at all, which is a RetrievalError.
func (m *Manager) Recall(ctx context.Context, req RecallRequest) (types.RetrievalResult, error) {
	ctx, span := m.tracer.Start(ctx, "memory.recall")
	defer span.End()

	results, err := m.recall(ctx, req)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(attribute.Int("result.count", len(results)))
	}
	return results, err
}

func (m *Manager) recall(ctx context.Context, req RecallRequest) (types.RetrievalResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = m.config.DefaultRecallLimit
	}

	terms := req.QueryTerms
	if req.VectorOnly {
		terms = nil
	} else if len(terms) == 0 && req.QueryText != "" {
		terms = storage.Tokenize(req.QueryText)
	}

	vector := req.QueryVector
	if vector == nil && req.QueryText != "" {
		var err error
		vector, err = m.embedText(ctx, req.QueryText, embedding.InputTypeQuery)
		if err != nil {
			if len(terms) == 0 {
				m.metrics.RecordRecall("failed")
				return nil, types.NewError(types.ErrRetrieval, "embedder unavailable and no lexical terms").WithCause(err)
			}
			m.logger.Warn("query embedding failed, degrading to lexical-only", zap.Error(err))
			vector = nil
		}
	}

	if vector == nil && len(terms) == 0 {
		m.metrics.RecordRecall("failed")
		return nil, types.NewError(types.ErrRetrieval, "no usable query signal")
	}

	results, err := m.retriever.Retrieve(ctx, types.RetrievalQuery{
		QueryVector:   vector,
		QueryTerms:    terms,
		MemoryType:    req.MemoryType,
		MinSimilarity: req.MinSimilarity,
		Limit:         limit,
	})
	if err != nil {
		m.metrics.RecordRecall("failed")
		return nil, err
	}
	m.metrics.RecordRecall("ok")
	return results, nil
}

// Get fetches one record by id.
func (m *Manager) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	start := time.Now()
	rec, err := m.backend.Fetch(ctx, id)
	m.metrics.RecordStorageOp("fetch", time.Since(start))
	return rec, err
}

// Forget deletes a record; missing ids are a no-op.
func (m *Manager) Forget(ctx context.Context, id string) error {
	start := time.Now()
	err := m.backend.Delete(ctx, id)
	m.metrics.RecordStorageOp("delete", time.Since(start))
	return err
}

// List returns stored records matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter types.ListFilter) ([]types.MemoryRecord, error) {
	start := time.Now()
	out, err := m.backend.List(ctx, filter)
	m.metrics.RecordStorageOp("list", time.Since(start))
	return out, err
}

// Prune deletes records older than the cutoff, optionally restricted to
// one memory type, and returns the number deleted.
func (m *Manager) Prune(ctx context.Context, before float64, memoryType types.MemoryType) (int, error) {
	victims, err := m.backend.List(ctx, types.ListFilter{MemoryType: memoryType, Before: before})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range victims {
		if err := m.backend.Delete(ctx, rec.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	if deleted > 0 {
		m.logger.Info("pruned records", zap.Int("count", deleted), zap.Float64("before", before))
	}
	return deleted, nil
}

// RunRetention sweeps expired records on the configured interval until
// ctx is canceled. It returns immediately when retention is disabled.
func (m *Manager) RunRetention(ctx context.Context) {
	if m.config.RetentionMaxAge <= 0 {
		return
	}
	interval := m.config.PruneInterval
	if interval <= 0 {
		interval = DefaultConfig().PruneInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := float64(time.Now().Add(-m.config.RetentionMaxAge).Unix())
			if _, err := m.Prune(ctx, cutoff, ""); err != nil && ctx.Err() == nil {
				m.logger.Warn("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// Recent returns up to limit recently stored records from the session
// cache, most recent first, without a storage round-trip.
func (m *Manager) Recent(limit int) []types.MemoryRecord {
	return m.recent.Recent(limit)
}

// EndSession clears the session-scoped recent cache.
func (m *Manager) EndSession() {
	m.recent.Clear()
}

// embedText resolves a vector through the cache, falling back to the
// provider on a miss.
func (m *Manager) embedText(ctx context.Context, text string, inputType embedding.InputType) ([]float64, error) {
	if vec, ok := m.cache.Get(ctx, text); ok {
		m.metrics.RecordEmbeddingCache(true)
		return vec, nil
	}
	m.metrics.RecordEmbeddingCache(false)

	var (
		vec []float64
		err error
	)
	if inputType == embedding.InputTypeQuery {
		vec, err = m.embedder.EmbedQuery(ctx, text)
	} else {
		var vecs [][]float64
		vecs, err = m.embedder.EmbedDocuments(ctx, []string{text})
		if err == nil && len(vecs) == 1 {
			vec = vecs[0]
		}
	}
	if err != nil {
		return nil, err
	}

	m.cache.Put(ctx, text, vec)
	return vec, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
