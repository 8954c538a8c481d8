package config

import (
	"github.com/mnemo-ai/mnemo/embedding"
	"github.com/mnemo-ai/mnemo/internal/database"
	"github.com/mnemo-ai/mnemo/memory"
	"github.com/mnemo-ai/mnemo/retrieval"
	"github.com/mnemo-ai/mnemo/window"
)

// DefaultConfig returns the full default configuration: an in-process
// store, no redis cache, console logging off, telemetry off.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver: "memory",
			Pool:   database.DefaultPoolConfig(),
		},
		Embedding: EmbeddingConfig{
			OpenAI:    embedding.DefaultOpenAIConfig(),
			Resilient: embedding.DefaultResilientConfig(),
		},
		Retrieval: retrieval.DefaultConfig(),
		Memory:    memory.DefaultConfig(),
		Context:   window.DefaultConfig(),
		Cache: CacheConfig{
			Redis: memory.DefaultRedisCacheConfig(),
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "mnemo",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
	}
}
