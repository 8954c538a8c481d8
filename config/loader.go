// Package config loads engine configuration with the precedence
// defaults, then YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mnemo-ai/mnemo/embedding"
	"github.com/mnemo-ai/mnemo/internal/database"
	"github.com/mnemo-ai/mnemo/memory"
	"github.com/mnemo-ai/mnemo/retrieval"
	"github.com/mnemo-ai/mnemo/window"
)

// Config is the full engine configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage" env:"STORAGE"`
	Embedding EmbeddingConfig  `yaml:"embedding" env:"EMBEDDING"`
	Retrieval retrieval.Config `yaml:"retrieval" env:"RETRIEVAL"`
	Memory    memory.Config    `yaml:"memory" env:"MEMORY"`
	Context   window.Config    `yaml:"context" env:"CONTEXT"`
	Scanner   ScannerConfig    `yaml:"scanner" env:"SCANNER"`
	Cache     CacheConfig      `yaml:"cache" env:"CACHE"`
	Log       LogConfig        `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
	Metrics   MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

// StorageConfig selects and tunes the durable store.
type StorageConfig struct {
	// Driver is one of memory, sqlite, postgres.
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is the driver connection string; for sqlite it is the file path.
	DSN string `yaml:"dsn" env:"DSN"`
	// Migrate runs pending schema migrations at startup (postgres only).
	Migrate bool `yaml:"migrate" env:"MIGRATE"`

	Pool database.PoolConfig `yaml:"pool" env:"POOL"`
}

// EmbeddingConfig tunes the provider and its resilience wrapper.
type EmbeddingConfig struct {
	OpenAI    embedding.OpenAIConfig    `yaml:"openai" env:"OPENAI"`
	Resilient embedding.ResilientConfig `yaml:"resilient" env:"RESILIENT"`
}

// ScannerConfig points at the redaction pattern set.
type ScannerConfig struct {
	// PatternsPath is an optional YAML pattern file; empty uses the
	// built-in defaults.
	PatternsPath string `yaml:"patterns_path" env:"PATTERNS_PATH"`
	// ReloadInterval enables hot reload of the pattern file when positive.
	ReloadInterval time.Duration `yaml:"reload_interval" env:"RELOAD_INTERVAL"`
}

// CacheConfig tunes the optional redis embedding cache.
type CacheConfig struct {
	// Enabled switches the redis cache on; off means every embed call
	// reaches the provider.
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	Redis memory.RedisCacheConfig `yaml:"redis" env:"REDIS"`
}

// LogConfig tunes the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink URLs; stdout and stderr are accepted.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig tunes OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

// Loader loads configuration, builder style.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the MNEMO env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "MNEMO"}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// loadFromFile merges the YAML file into cfg. A missing file is not an
// error; defaults stand.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and overrides fields whose env tag
// resolves to a set environment variable.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := envTagFor(fieldType)
		if envTag == "" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

// envTagFor resolves a field's env segment, falling back to its yaml tag
// uppercased so embedded package configs stay overridable.
func envTagFor(field reflect.StructField) string {
	if tag := field.Tag.Get("env"); tag != "" {
		if tag == "-" {
			return ""
		}
		return tag
	}
	tag := field.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	if idx := strings.Index(tag, ","); idx >= 0 {
		tag = tag[:idx]
	}
	return strings.ToUpper(tag)
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the loaded configuration for internal consistency.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		errs = append(errs, "storage dsn is required for "+c.Storage.Driver)
	}
	if err := c.Storage.Pool.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Retrieval.VectorWeight < 0 || c.Retrieval.LexicalWeight < 0 {
		errs = append(errs, "retrieval weights must be non-negative")
	}
	if c.Retrieval.VectorWeight == 0 && c.Retrieval.LexicalWeight == 0 {
		errs = append(errs, "at least one retrieval weight must be positive")
	}

	if c.Memory.SurpriseThreshold < 0 || c.Memory.SurpriseThreshold > 1 {
		errs = append(errs, "memory surprise_threshold must be in [0,1]")
	}

	if c.Context.TokenBudget <= 0 {
		errs = append(errs, "context token_budget must be positive")
	}
	if c.Context.ReservedForResponse < 0 || c.Context.ReservedForResponse >= c.Context.TokenBudget {
		errs = append(errs, "context reserved_for_response must be in [0, token_budget)")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "invalid metrics port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
