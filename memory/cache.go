package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EmbeddingCache memoizes text-to-vector lookups for the manager. Cache
// failures are soft: a broken cache degrades to a miss, never an error.
type EmbeddingCache interface {
	Get(ctx context.Context, text string) ([]float64, bool)
	Put(ctx context.Context, text string, vector []float64)
}

// NoopEmbeddingCache always misses.
type NoopEmbeddingCache struct{}

func (NoopEmbeddingCache) Get(ctx context.Context, text string) ([]float64, bool) { return nil, false }
func (NoopEmbeddingCache) Put(ctx context.Context, text string, vector []float64) {}

// RedisCacheConfig configures the redis-backed embedding cache.
type RedisCacheConfig struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
	PoolSize int           `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisCacheConfig returns the standard cache settings.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Addr:     "localhost:6379",
		TTL:      24 * time.Hour,
		PoolSize: 10,
	}
}

// RedisEmbeddingCache stores vectors keyed by a content hash so cached
// entries never contain the (already redacted) text itself.
type RedisEmbeddingCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisEmbeddingCache dials redis and verifies connectivity.
func NewRedisEmbeddingCache(cfg RedisCacheConfig, logger *zap.Logger) (*RedisEmbeddingCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRedisCacheConfig().TTL
	}

	logger.Info("embedding cache connected", zap.String("addr", cfg.Addr))
	return &RedisEmbeddingCache{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}, nil
}

// Get implements EmbeddingCache.
func (c *RedisEmbeddingCache) Get(ctx context.Context, text string) ([]float64, bool) {
	data, err := c.client.Get(ctx, cacheKey(text)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("embedding cache get failed", zap.Error(err))
		return nil, false
	}

	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn("embedding cache entry corrupt", zap.Error(err))
		return nil, false
	}
	return vec, true
}

// Put implements EmbeddingCache.
func (c *RedisEmbeddingCache) Put(ctx context.Context, text string, vector []float64) {
	data, err := json.Marshal(vector)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(text), data, c.ttl).Err(); err != nil {
		c.logger.Warn("embedding cache set failed", zap.Error(err))
	}
}

// Close releases the redis client.
func (c *RedisEmbeddingCache) Close() error { return c.client.Close() }

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "mnemo:emb:" + hex.EncodeToString(sum[:])
}
