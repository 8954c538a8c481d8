package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mnemo-ai/mnemo/types"
)

// PostgresStore is the production backend. Similarity search runs inside
// the database through the pgvector cosine operator; lexical search uses
// full-text ranking. Schema is managed by the migration runner, not here.
type PostgresStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// pgRow mirrors the memory_records table. The vector column is selected
// as text and parsed in process.
type pgRow struct {
	ID            string
	Content       string
	Embedding     *string
	Importance    float64
	MemoryType    string
	Timestamp     float64
	Tags          []byte
	ContextIDs    []byte
	SurpriseScore *float64
	CreatedAt     time.Time
	Score         float64
}

// NewPostgresStore connects using an existing gorm handle, so the pool
// manager owns connection lifecycle.
func NewPostgresStore(db *gorm.DB, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{
		db:     db,
		logger: log.With(zap.String("component", "postgres_store")),
	}
}

// OpenPostgres dials the database and returns a configured gorm handle.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "connect postgres").WithCause(err)
	}
	return db, nil
}

// Store implements Backend.
func (s *PostgresStore) Store(ctx context.Context, rec types.MemoryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return "", types.NewError(types.ErrStorage, "encode tags").WithCause(err)
	}
	ctxIDs, err := json.Marshal(rec.ContextIDs)
	if err != nil {
		return "", types.NewError(types.ErrStorage, "encode context ids").WithCause(err)
	}

	var embedding any
	if rec.Embedding != nil {
		embedding = VectorLiteral(rec.Embedding)
	}

	err = s.db.WithContext(ctx).Exec(`
		INSERT INTO memory_records
			(id, content, embedding, importance, memory_type, timestamp, tags, context_ids, surprise_score, created_at)
		VALUES (?, ?, ?::vector, ?, ?, ?, ?::jsonb, ?::jsonb, ?, ?)`,
		rec.ID, rec.Content, embedding, rec.Importance, string(rec.MemoryType),
		rec.Timestamp, string(tags), string(ctxIDs), rec.SurpriseScore, rec.CreatedAt,
	).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "duplicate key") {
			return "", types.NewError(types.ErrStorage, "duplicate record id: "+rec.ID).WithCause(err)
		}
		return "", types.NewError(types.ErrStorage, "store record").WithCause(err)
	}
	s.logger.Debug("record stored", zap.String("id", rec.ID))
	return rec.ID, nil
}

// Fetch implements Backend.
func (s *PostgresStore) Fetch(ctx context.Context, id string) (*types.MemoryRecord, error) {
	var rows []pgRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, content, embedding::text AS embedding, importance, memory_type,
		       timestamp, tags, context_ids, surprise_score, created_at
		FROM memory_records WHERE id = ?`, id).Scan(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "fetch record").WithCause(err)
	}
	if len(rows) == 0 {
		return nil, types.NewError(types.ErrStorage, "record not found: "+id)
	}
	return fromPGRow(&rows[0])
}

// SimilarityCandidates implements Backend. pgvector's <=> operator is
// cosine distance, so similarity is 1 - distance.
func (s *PostgresStore) SimilarityCandidates(ctx context.Context, vector []float64, k int) ([]Candidate, error) {
	var rows []pgRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, content, embedding::text AS embedding, importance, memory_type,
		       timestamp, tags, context_ids, surprise_score, created_at,
		       1 - (embedding <=> ?::vector) AS score
		FROM memory_records
		WHERE embedding IS NOT NULL
		ORDER BY score DESC, timestamp DESC
		LIMIT ?`, VectorLiteral(vector), k).Scan(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "similarity query").WithCause(err)
	}
	return toCandidates(rows)
}

// LexicalCandidates implements Backend. Terms are OR-combined so the rank
// grows with the number of matching terms.
func (s *PostgresStore) LexicalCandidates(ctx context.Context, terms []string, k int) ([]Candidate, error) {
	query := tsQuery(terms)
	if query == "" {
		return nil, nil
	}

	var rows []pgRow
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, content, embedding::text AS embedding, importance, memory_type,
		       timestamp, tags, context_ids, surprise_score, created_at,
		       ts_rank(to_tsvector('english', content), to_tsquery('english', ?)) AS score
		FROM memory_records
		WHERE to_tsvector('english', content) @@ to_tsquery('english', ?)
		ORDER BY score DESC, timestamp DESC
		LIMIT ?`, query, query, k).Scan(&rows).Error
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "lexical query").WithCause(err)
	}
	return toCandidates(rows)
}

// Delete implements Backend. Missing ids are a no-op.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Exec(`DELETE FROM memory_records WHERE id = ?`, id).Error
	if err != nil {
		return types.NewError(types.ErrStorage, "delete record").WithCause(err)
	}
	return nil
}

// List implements Backend.
func (s *PostgresStore) List(ctx context.Context, filter types.ListFilter) ([]types.MemoryRecord, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, content, embedding::text AS embedding, importance, memory_type,
		       timestamp, tags, context_ids, surprise_score, created_at
		FROM memory_records WHERE 1=1`)
	args := []any{}
	if filter.MemoryType != "" {
		sb.WriteString(" AND memory_type = ?")
		args = append(args, string(filter.MemoryType))
	}
	if filter.Tag != "" {
		sb.WriteString(" AND tags @> ?::jsonb")
		tag, err := json.Marshal([]string{filter.Tag})
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "encode tag filter").WithCause(err)
		}
		args = append(args, string(tag))
	}
	if filter.Before != 0 {
		sb.WriteString(" AND timestamp < ?")
		args = append(args, filter.Before)
	}
	if filter.After != 0 {
		sb.WriteString(" AND timestamp > ?")
		args = append(args, filter.After)
	}
	sb.WriteString(" ORDER BY timestamp DESC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	var rows []pgRow
	if err := s.db.WithContext(ctx).Raw(sb.String(), args...).Scan(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStorage, "list records").WithCause(err)
	}

	out := make([]types.MemoryRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromPGRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// Close implements Backend.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// VectorLiteral renders a float slice as a pgvector input literal.
func VectorLiteral(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseVectorLiteral is the inverse of VectorLiteral.
func ParseVectorLiteral(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal %q", s)
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float64{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("malformed vector component %q: %w", p, err)
		}
		out[i] = f
	}
	return out, nil
}

var tsTermPattern = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// tsQuery joins sanitized terms with OR. Terms that sanitize to nothing
// are dropped.
func tsQuery(terms []string) string {
	clean := make([]string, 0, len(terms))
	seen := make(map[string]bool)
	for _, term := range terms {
		term = tsTermPattern.ReplaceAllString(strings.ToLower(term), "")
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		clean = append(clean, term)
	}
	return strings.Join(clean, " | ")
}

func toCandidates(rows []pgRow) ([]Candidate, error) {
	cands := make([]Candidate, 0, len(rows))
	for i := range rows {
		rec, err := fromPGRow(&rows[i])
		if err != nil {
			return nil, err
		}
		cands = append(cands, Candidate{Record: *rec, Score: rows[i].Score})
	}
	return cands, nil
}

func fromPGRow(row *pgRow) (*types.MemoryRecord, error) {
	rec := &types.MemoryRecord{
		ID:            row.ID,
		Content:       row.Content,
		Importance:    row.Importance,
		MemoryType:    types.MemoryType(row.MemoryType),
		Timestamp:     row.Timestamp,
		SurpriseScore: row.SurpriseScore,
		CreatedAt:     row.CreatedAt,
	}
	if row.Embedding != nil && *row.Embedding != "" {
		vec, err := ParseVectorLiteral(*row.Embedding)
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "decode embedding").WithCause(err)
		}
		rec.Embedding = vec
	}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &rec.Tags); err != nil {
			return nil, types.NewError(types.ErrStorage, "decode tags").WithCause(err)
		}
	}
	if len(row.ContextIDs) > 0 {
		if err := json.Unmarshal(row.ContextIDs, &rec.ContextIDs); err != nil {
			return nil, types.NewError(types.ErrStorage, "decode context ids").WithCause(err)
		}
	}
	return rec, nil
}
