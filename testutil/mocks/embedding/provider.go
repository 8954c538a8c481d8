// Package embedding provides deterministic embedding providers for tests.
package embedding

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	emb "github.com/mnemo-ai/mnemo/embedding"
	"github.com/mnemo-ai/mnemo/types"
)

// MockProvider embeds text deterministically: the same input always maps
// to the same vector, distinct inputs almost always differ.
type MockProvider struct {
	mu    sync.Mutex
	dims  int
	calls int

	// Vectors overrides the derived vector for specific inputs.
	Vectors map[string][]float64
}

// NewMockProvider returns a provider emitting dims-wide vectors.
func NewMockProvider(dims int) *MockProvider {
	if dims <= 0 {
		dims = 4
	}
	return &MockProvider{dims: dims, Vectors: make(map[string][]float64)}
}

// Calls returns how many Embed invocations the provider has served.
func (p *MockProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProvider) vectorFor(text string) []float64 {
	if vec, ok := p.Vectors[text]; ok {
		return append([]float64(nil), vec...)
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float64, p.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(seed%1000) / 1000.0
	}
	return vec
}

// Embed implements emb.Provider.
func (p *MockProvider) Embed(ctx context.Context, req *emb.Request) (*emb.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrEmbedding, "context canceled").WithCause(err)
	}
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	resp := &emb.Response{
		Provider:   p.Name(),
		Model:      "mock",
		Embeddings: make([]emb.Data, len(req.Input)),
		CreatedAt:  time.Now(),
	}
	for i, text := range req.Input {
		resp.Embeddings[i] = emb.Data{Index: i, Embedding: p.vectorFor(text)}
	}
	return resp, nil
}

// EmbedQuery implements emb.Provider.
func (p *MockProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := p.Embed(ctx, &emb.Request{Input: []string{query}, InputType: emb.InputTypeQuery})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0].Embedding, nil
}

// EmbedDocuments implements emb.Provider.
func (p *MockProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &emb.Request{Input: documents, InputType: emb.InputTypeDocument})
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(documents))
	for _, d := range resp.Embeddings {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func (p *MockProvider) Name() string      { return "mock" }
func (p *MockProvider) Dimensions() int   { return p.dims }
func (p *MockProvider) MaxBatchSize() int { return 100 }

// FailingProvider fails every call with a terminal embedding error, as a
// provider does once its retries are exhausted.
type FailingProvider struct {
	mu    sync.Mutex
	calls int
}

// NewFailingProvider returns a provider whose every call fails.
func NewFailingProvider() *FailingProvider { return &FailingProvider{} }

// Calls returns how many invocations have failed.
func (p *FailingProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *FailingProvider) fail() error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return types.NewError(types.ErrEmbedding, "provider unavailable").WithRetryable(false)
}

func (p *FailingProvider) Embed(ctx context.Context, req *emb.Request) (*emb.Response, error) {
	return nil, p.fail()
}

func (p *FailingProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	return nil, p.fail()
}

func (p *FailingProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	return nil, p.fail()
}

func (p *FailingProvider) Name() string      { return "failing" }
func (p *FailingProvider) Dimensions() int   { return 4 }
func (p *FailingProvider) MaxBatchSize() int { return 100 }
