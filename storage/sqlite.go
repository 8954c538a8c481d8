package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mnemo-ai/mnemo/types"
)

// recordRow is the SQLite persistence model. Embedding, tags and context
// ids are JSON-encoded; similarity is computed in process, which suits the
// embedded single-process deployment this backend targets.
type recordRow struct {
	ID            string `gorm:"primaryKey;size:36"`
	Content       string `gorm:"not null"`
	Embedding     *string
	Importance    float64
	MemoryType    string  `gorm:"index;size:16"`
	Timestamp     float64 `gorm:"index"`
	Tags          string
	ContextIDs    string
	SurpriseScore *float64
	CreatedAt     time.Time
}

// TableName keeps the table name stable across backends.
func (recordRow) TableName() string { return "memory_records" }

// SQLiteStore is the embedded reference backend: a single-file store with
// no external dependency (pure-Go driver).
type SQLiteStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (and migrates) the store at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	})
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "open sqlite store").WithCause(err)
	}
	if err := db.AutoMigrate(&recordRow{}); err != nil {
		return nil, types.NewError(types.ErrStorage, "migrate sqlite store").WithCause(err)
	}
	log.Info("sqlite store opened", zap.String("path", path))
	return &SQLiteStore{
		db:     db,
		logger: log.With(zap.String("component", "sqlite_store")),
	}, nil
}

// Store implements Backend.
func (s *SQLiteStore) Store(ctx context.Context, rec types.MemoryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	row, err := toRow(rec)
	if err != nil {
		return "", types.NewError(types.ErrStorage, "encode record").WithCause(err)
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
			return "", types.NewError(types.ErrStorage, "duplicate record id: "+rec.ID).WithCause(err)
		}
		return "", types.NewError(types.ErrStorage, "store record").WithCause(err)
	}
	s.logger.Debug("record stored", zap.String("id", rec.ID))
	return rec.ID, nil
}

// Fetch implements Backend.
func (s *SQLiteStore) Fetch(ctx context.Context, id string) (*types.MemoryRecord, error) {
	var row recordRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrStorage, "record not found: "+id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "fetch record").WithCause(err)
	}
	rec, err := fromRow(&row)
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "decode record").WithCause(err)
	}
	return rec, nil
}

// SimilarityCandidates implements Backend. Rows with embeddings are scored
// in process by cosine similarity.
func (s *SQLiteStore) SimilarityCandidates(ctx context.Context, vector []float64, k int) ([]Candidate, error) {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Where("embedding IS NOT NULL").Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStorage, "similarity scan").WithCause(err)
	}

	cands := make([]Candidate, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "decode record").WithCause(err)
		}
		cands = append(cands, Candidate{
			Record: *rec,
			Score:  CosineSimilarity(vector, rec.Embedding),
		})
	}
	sortCandidates(cands)
	if k < len(cands) {
		cands = cands[:k]
	}
	return cands, nil
}

// LexicalCandidates implements Backend. A LIKE prefilter narrows the scan;
// exact overlap scoring happens in process.
func (s *SQLiteStore) LexicalCandidates(ctx context.Context, terms []string, k int) ([]Candidate, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx)
	for i, term := range terms {
		pattern := "%" + strings.ToLower(term) + "%"
		if i == 0 {
			q = q.Where("lower(content) LIKE ?", pattern)
		} else {
			q = q.Or("lower(content) LIKE ?", pattern)
		}
	}

	var rows []recordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStorage, "lexical scan").WithCause(err)
	}

	cands := make([]Candidate, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "decode record").WithCause(err)
		}
		score := OverlapScore(terms, rec.Content)
		if score == 0 {
			continue
		}
		cands = append(cands, Candidate{Record: *rec, Score: score})
	}
	sortCandidates(cands)
	if k < len(cands) {
		cands = cands[:k]
	}
	return cands, nil
}

// Delete implements Backend. Missing ids are a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&recordRow{}, "id = ?", id).Error; err != nil {
		return types.NewError(types.ErrStorage, "delete record").WithCause(err)
	}
	return nil
}

// List implements Backend.
func (s *SQLiteStore) List(ctx context.Context, filter types.ListFilter) ([]types.MemoryRecord, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if filter.MemoryType != "" {
		q = q.Where("memory_type = ?", string(filter.MemoryType))
	}
	if filter.Before != 0 {
		q = q.Where("timestamp < ?", filter.Before)
	}
	if filter.After != 0 {
		q = q.Where("timestamp > ?", filter.After)
	}
	if filter.Limit > 0 && filter.Tag == "" {
		q = q.Limit(filter.Limit)
	}

	var rows []recordRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, types.NewError(types.ErrStorage, "list records").WithCause(err)
	}

	out := make([]types.MemoryRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			return nil, types.NewError(types.ErrStorage, "decode record").WithCause(err)
		}
		// Tag filtering happens post-decode; tags are a JSON column.
		if filter.Tag != "" && !matchesFilter(rec, filter) {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close implements Backend.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

func toRow(rec types.MemoryRecord) (*recordRow, error) {
	row := &recordRow{
		ID:            rec.ID,
		Content:       rec.Content,
		Importance:    rec.Importance,
		MemoryType:    string(rec.MemoryType),
		Timestamp:     rec.Timestamp,
		SurpriseScore: rec.SurpriseScore,
		CreatedAt:     rec.CreatedAt,
	}
	if rec.Embedding != nil {
		data, err := json.Marshal(rec.Embedding)
		if err != nil {
			return nil, err
		}
		enc := string(data)
		row.Embedding = &enc
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return nil, err
	}
	row.Tags = string(tags)
	ctxIDs, err := json.Marshal(rec.ContextIDs)
	if err != nil {
		return nil, err
	}
	row.ContextIDs = string(ctxIDs)
	return row, nil
}

func fromRow(row *recordRow) (*types.MemoryRecord, error) {
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
		if err := json.Unmarshal([]byte(*row.Embedding), &rec.Embedding); err != nil {
			return nil, err
		}
	}
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &rec.Tags); err != nil {
			return nil, err
		}
	}
	if row.ContextIDs != "" {
		if err := json.Unmarshal([]byte(row.ContextIDs), &rec.ContextIDs); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
