package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mnemo-ai/mnemo/retry"
	"github.com/mnemo-ai/mnemo/types"
)

// ResilientConfig tunes the wrapper around a provider.
type ResilientConfig struct {
	// MaxRetries bounds attempts per request beyond the first.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// MaxDelay caps a single backoff sleep.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// MaxConcurrent bounds in-flight provider requests.
	MaxConcurrent int64 `yaml:"max_concurrent" json:"max_concurrent"`
	// RequestsPerSecond throttles outbound requests; zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
}

// DefaultResilientConfig returns conservative defaults.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		MaxRetries:    3,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		MaxConcurrent: 4,
	}
}

// ResilientProvider wraps a Provider with bounded retry, a concurrency
// semaphore and optional rate limiting. Transient failures (429, 5xx,
// connection errors) are retried with exponential backoff; permanent
// failures surface immediately.
type ResilientProvider struct {
	inner   Provider
	retryer retry.Retryer
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger

	onRetry func()
}

// NewResilientProvider wraps inner with the given config.
func NewResilientProvider(inner Provider, cfg ResilientConfig, logger *zap.Logger) *ResilientProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "resilient_embedder"))

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	rp := &ResilientProvider{
		inner:   inner,
		sem:     semaphore.NewWeighted(maxConcurrent),
		limiter: limiter,
		logger:  logger,
	}

	policy := retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      types.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			if rp.onRetry != nil {
				rp.onRetry()
			}
			logger.Warn("embedding request retry",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultResilientConfig().MaxRetries
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultResilientConfig().InitialDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultResilientConfig().MaxDelay
	}
	rp.retryer = retry.NewBackoffRetryer(&policy, logger)
	return rp
}

// OnRetry registers a hook invoked once per retry attempt.
func (p *ResilientProvider) OnRetry(fn func()) { p.onRetry = fn }

func (p *ResilientProvider) Name() string      { return p.inner.Name() }
func (p *ResilientProvider) Dimensions() int   { return p.inner.Dimensions() }
func (p *ResilientProvider) MaxBatchSize() int { return p.inner.MaxBatchSize() }

// Embed implements Provider with retry and admission control.
func (p *ResilientProvider) Embed(ctx context.Context, req *Request) (*Response, error) {
	var resp *Response
	err := p.guarded(ctx, func() error {
		var embedErr error
		resp, embedErr = p.inner.Embed(ctx, req)
		return embedErr
	})
	if err != nil {
		return nil, wrapTerminal(err)
	}
	return resp, nil
}

// EmbedQuery implements Provider.
func (p *ResilientProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	var vec []float64
	err := p.guarded(ctx, func() error {
		var embedErr error
		vec, embedErr = p.inner.EmbedQuery(ctx, query)
		return embedErr
	})
	if err != nil {
		return nil, wrapTerminal(err)
	}
	return vec, nil
}

// EmbedDocuments implements Provider. Duplicate inputs within the batch
// are embedded once; the batch is split at the provider's MaxBatchSize.
// Output order always matches input order.
func (p *ResilientProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	unique := make([]string, 0, len(documents))
	index := make(map[string]int, len(documents))
	for _, doc := range documents {
		if _, ok := index[doc]; !ok {
			index[doc] = len(unique)
			unique = append(unique, doc)
		}
	}

	vectors := make([][]float64, len(unique))
	batchSize := p.inner.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = len(unique)
	}

	for start := 0; start < len(unique); start += batchSize {
		end := start + batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch := unique[start:end]

		var batchVecs [][]float64
		err := p.guarded(ctx, func() error {
			var embedErr error
			batchVecs, embedErr = p.inner.EmbedDocuments(ctx, batch)
			return embedErr
		})
		if err != nil {
			return nil, wrapTerminal(err)
		}
		if len(batchVecs) != len(batch) {
			return nil, types.NewError(types.ErrEmbedding,
				fmt.Sprintf("provider returned %d vectors for %d inputs", len(batchVecs), len(batch)))
		}
		copy(vectors[start:end], batchVecs)
	}

	out := make([][]float64, len(documents))
	for i, doc := range documents {
		out[i] = vectors[index[doc]]
	}
	return out, nil
}

// guarded runs fn under the rate limiter, semaphore and retryer.
func (p *ResilientProvider) guarded(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrEmbedding, "acquire embedding slot").WithCause(err)
	}
	defer p.sem.Release(1)

	return p.retryer.Do(ctx, func() error {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return types.NewError(types.ErrEmbedding, "rate limit wait").WithCause(err)
			}
		}
		return fn()
	})
}

// wrapTerminal guarantees the caller sees an embedding-coded error even
// when the provider returned something untyped.
func wrapTerminal(err error) error {
	if types.GetErrorCode(err) != "" {
		return err
	}
	return types.NewError(types.ErrEmbedding, "embedding failed").WithCause(err)
}
