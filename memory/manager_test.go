package memory

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/retrieval"
	"github.com/mnemo-ai/mnemo/scanner"
	"github.com/mnemo-ai/mnemo/storage"
	mockemb "github.com/mnemo-ai/mnemo/testutil/mocks/embedding"
	"github.com/mnemo-ai/mnemo/types"
)

func ptr(v float64) *float64 { return &v }

type managerFixture struct {
	manager  *Manager
	store    *storage.MemoryStore
	embedder *mockemb.MockProvider
	recent   *RecentCache
}

func newFixture(t *testing.T, opts ...func(*Config)) *managerFixture {
	t.Helper()
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	store := storage.NewMemoryStore(zap.NewNop())
	embedder := mockemb.NewMockProvider(4)
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	recent := NewRecentCache(cfg.RecentCapacity)

	m := NewManager(cfg, store, embedder, scanner.New(nil, zap.NewNop()), retriever, recent, zap.NewNop())
	return &managerFixture{manager: m, store: store, embedder: embedder, recent: recent}
}

func TestManager_RememberAndGet(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.manager.Remember(context.Background(), "deploy failed on node 7", types.Metadata{
		Timestamp:  ptr(1700000000),
		Importance: 0.5,
		Tags:       []string{"deploy"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "deploy failed on node 7", rec.Content)
	assert.Equal(t, 0.5, rec.Importance)
	assert.Equal(t, types.MemoryTrace, rec.MemoryType)
	assert.NotNil(t, rec.Embedding)
}

func TestManager_NilTimestampRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.manager.Remember(context.Background(), "orphan event", types.Metadata{})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "Invalid timestamp format")
	assert.Equal(t, 0, f.store.Count())
}

func TestManager_NaNTimestampRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.manager.Remember(context.Background(), "x", types.Metadata{Timestamp: ptr(math.NaN())})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
	assert.Contains(t, err.Error(), "Invalid timestamp format")
}

func TestManager_SurpriseRaisesImportance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.manager.Remember(context.Background(), "unexpected rollback", types.Metadata{
		Timestamp:     ptr(1700000000),
		Importance:    0.3,
		SurpriseScore: ptr(0.8),
	})
	require.NoError(t, err)

	rec, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0.8, rec.Importance)
	require.NotNil(t, rec.SurpriseScore)
	assert.Equal(t, 0.8, *rec.SurpriseScore)
}

func TestManager_SurpriseBelowThresholdIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.manager.Remember(context.Background(), "routine event", types.Metadata{
		Timestamp:     ptr(1700000000),
		Importance:    0.3,
		SurpriseScore: ptr(0.6),
	})
	require.NoError(t, err)

	rec, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0.3, rec.Importance)
}

func TestManager_SurpriseNeverLowersImportance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.manager.Remember(context.Background(), "major incident", types.Metadata{
		Timestamp:     ptr(1700000000),
		Importance:    0.95,
		SurpriseScore: ptr(0.75),
	})
	require.NoError(t, err)

	rec, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0.95, rec.Importance)
}

func TestManager_ImportanceClamped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.manager.Remember(context.Background(), "x", types.Metadata{
		Timestamp:  ptr(1700000000),
		Importance: 3.5,
	})
	require.NoError(t, err)

	rec, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Importance)
}

func TestManager_RedactsBeforeStoreAndEmbed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	raw := "rotate key sk-abcdefghijklmnopqrstuvwx immediately"
	id, err := f.manager.Remember(context.Background(), raw, types.Metadata{Timestamp: ptr(1700000000)})
	require.NoError(t, err)

	rec, err := f.manager.Get(context.Background(), id)
	require.NoError(t, err)
	assert.NotContains(t, rec.Content, "sk-abcdefghijklmnopqrstuvwx")
	assert.Contains(t, rec.Content, "<REDACTED:api_key>")

	// The embedder must only ever see the redacted text.
	redactedVec, err := f.embedder.EmbedDocuments(context.Background(), []string{rec.Content})
	require.NoError(t, err)
	assert.Equal(t, redactedVec[0], rec.Embedding)
}

func TestManager_UnknownMemoryTypeRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.manager.Remember(context.Background(), "x", types.Metadata{
		Timestamp:  ptr(1700000000),
		MemoryType: "episodic",
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestManager_EmbedderDownStoresUnembedded(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	m := NewManager(DefaultConfig(), store, mockemb.NewFailingProvider(),
		scanner.New(nil, zap.NewNop()), retriever, nil, zap.NewNop())

	id, err := m.Remember(context.Background(), "survives embedder outage", types.Metadata{Timestamp: ptr(1700000000)})
	require.NoError(t, err)

	rec, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, rec.Embedding)
	assert.Equal(t, "survives embedder outage", rec.Content)
}

func TestManager_EmbedderDownFailsWhenUnembeddedDisallowed(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AllowUnembedded = false
	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	m := NewManager(cfg, store, mockemb.NewFailingProvider(),
		scanner.New(nil, zap.NewNop()), retriever, nil, zap.NewNop())

	_, err := m.Remember(context.Background(), "must fail", types.Metadata{Timestamp: ptr(1700000000)})
	require.Error(t, err)
	assert.Equal(t, types.ErrEmbedding, types.GetErrorCode(err))
	assert.Equal(t, 0, store.Count())
}

func TestManager_CanceledContextLeavesNoRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.Remember(ctx, "should not persist", types.Metadata{Timestamp: ptr(1700000000)})
	require.Error(t, err)
	assert.Equal(t, 0, f.store.Count())
	assert.Equal(t, 0, f.recent.Len())
}

func TestManager_RecallRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, content := range []string{
		"postgres connection pool exhausted",
		"kafka consumer lag spiked",
		"dns resolution flaked in staging",
	} {
		_, err := f.manager.Remember(ctx, content, types.Metadata{Timestamp: ptr(1700000000)})
		require.NoError(t, err)
	}

	results, err := f.manager.Recall(ctx, RecallRequest{
		QueryText: "postgres connection pool exhausted",
		Limit:     2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "postgres connection pool exhausted", results[0].Record.Content)
	assert.LessOrEqual(t, len(results), 2)
}

func TestManager_RecallDegradesToLexical(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	m := NewManager(DefaultConfig(), store, mockemb.NewFailingProvider(),
		scanner.New(nil, zap.NewNop()), retriever, nil, zap.NewNop())
	ctx := context.Background()

	// Embedder is down, so this lands without a vector; lexical still finds it.
	_, err := m.Remember(ctx, "error code E5521 observed", types.Metadata{Timestamp: ptr(1700000000)})
	require.NoError(t, err)

	results, err := m.Recall(ctx, RecallRequest{QueryText: "E5521", Limit: 3})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Record.Content, "E5521")
}

func TestManager_RecallVectorOnlyDeadEmbedderFails(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	m := NewManager(DefaultConfig(), store, mockemb.NewFailingProvider(),
		scanner.New(nil, zap.NewNop()), retriever, nil, zap.NewNop())

	_, err := m.Recall(context.Background(), RecallRequest{
		QueryText:  "semantic paraphrase only",
		VectorOnly: true,
		Limit:      3,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetrieval, types.GetErrorCode(err))
}

func TestManager_RecallExplicitVectorSkipsEmbedder(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	failing := mockemb.NewFailingProvider()
	m := NewManager(DefaultConfig(), store, failing,
		scanner.New(nil, zap.NewNop()), retriever, nil, zap.NewNop())
	ctx := context.Background()

	_, err := store.Store(ctx, types.MemoryRecord{
		Content:    "vectorized record",
		Embedding:  []float64{1, 0, 0, 0},
		MemoryType: types.MemoryTrace,
		Timestamp:  1700000000,
	})
	require.NoError(t, err)

	results, err := m.Recall(ctx, RecallRequest{
		QueryVector: []float64{1, 0, 0, 0},
		VectorOnly:  true,
		Limit:       1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0, failing.Calls())
}

func TestManager_RecallEmptyRequestRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.manager.Recall(context.Background(), RecallRequest{Limit: 3})
	require.Error(t, err)
	assert.Equal(t, types.ErrRetrieval, types.GetErrorCode(err))
}

func TestManager_ForgetIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.manager.Remember(ctx, "ephemeral", types.Metadata{Timestamp: ptr(1700000000)})
	require.NoError(t, err)

	require.NoError(t, f.manager.Forget(ctx, id))
	require.NoError(t, f.manager.Forget(ctx, id))
	require.NoError(t, f.manager.Forget(ctx, "never-existed"))

	_, err = f.manager.Get(ctx, id)
	require.Error(t, err)
	assert.Equal(t, types.ErrStorage, types.GetErrorCode(err))
}

func TestManager_Prune(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for i, ts := range []float64{100, 200, 300} {
		_, err := f.manager.Remember(ctx, strings.Repeat("x", i+1), types.Metadata{Timestamp: ptr(ts)})
		require.NoError(t, err)
	}

	deleted, err := f.manager.Prune(ctx, 250, "")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 1, f.store.Count())
}

func TestManager_RetentionSweep(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RetentionMaxAge = time.Hour
	cfg.PruneInterval = 10 * time.Millisecond
	f := newFixture(t, func(c *Config) { *c = cfg })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Timestamps far in the past, well beyond the retention window.
	_, err := f.manager.Remember(ctx, "ancient", types.Metadata{Timestamp: ptr(100)})
	require.NoError(t, err)
	fresh := float64(time.Now().Unix())
	_, err = f.manager.Remember(ctx, "fresh", types.Metadata{Timestamp: &fresh})
	require.NoError(t, err)

	go f.manager.RunRetention(ctx)

	require.Eventually(t, func() bool { return f.store.Count() == 1 },
		2*time.Second, 10*time.Millisecond)

	recs, err := f.manager.List(ctx, types.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "fresh", recs[0].Content)
}

func TestManager_RecentRing(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RecentCapacity = 2
	f := newFixture(t, func(c *Config) { *c = cfg })
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		_, err := f.manager.Remember(ctx, content, types.Metadata{Timestamp: ptr(1700000000)})
		require.NoError(t, err)
	}

	recent := f.manager.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Content)
	assert.Equal(t, "second", recent[1].Content)

	f.manager.EndSession()
	assert.Empty(t, f.manager.Recent(0))
	// Session teardown only clears the cache; the backend keeps everything.
	assert.Equal(t, 3, f.store.Count())
}

func TestManager_SessionsDoNotShareRecent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	embedder := mockemb.NewMockProvider(4)
	sc := scanner.New(nil, zap.NewNop())

	a := NewManager(DefaultConfig(), store, embedder, sc, retriever, NewRecentCache(8), zap.NewNop())
	b := NewManager(DefaultConfig(), store, embedder, sc, retriever, NewRecentCache(8), zap.NewNop())
	ctx := context.Background()

	_, err := a.Remember(ctx, "session a only", types.Metadata{Timestamp: ptr(1700000000)})
	require.NoError(t, err)

	assert.Len(t, a.Recent(0), 1)
	assert.Empty(t, b.Recent(0))
}

func TestManager_EmbeddingCacheShortCircuits(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore(zap.NewNop())
	retriever := retrieval.NewHybridRetriever(retrieval.DefaultConfig(), store, zap.NewNop())
	embedder := mockemb.NewMockProvider(4)
	cache := newMapCache()

	m := NewManager(DefaultConfig(), store, embedder,
		scanner.New(nil, zap.NewNop()), retriever, nil, zap.NewNop(),
		WithEmbeddingCache(cache))
	ctx := context.Background()

	_, err := m.Remember(ctx, "cached content", types.Metadata{Timestamp: ptr(1700000000)})
	require.NoError(t, err)
	callsAfterFirst := embedder.Calls()

	_, err = m.Remember(ctx, "cached content", types.Metadata{Timestamp: ptr(1700000001)})
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, embedder.Calls())
}

// mapCache is an in-process EmbeddingCache for tests.
type mapCache struct {
	mu sync.Mutex
	m  map[string][]float64
}

func newMapCache() *mapCache { return &mapCache{m: make(map[string][]float64)} }

func (c *mapCache) Get(ctx context.Context, text string) ([]float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.m[text]
	return vec, ok
}

func (c *mapCache) Put(ctx context.Context, text string, vector []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[text] = vector
}
