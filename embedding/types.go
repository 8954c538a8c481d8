// Package embedding turns text into vectors through a pluggable provider
// interface. The resilient wrapper adds retry, concurrency bounds and rate
// limiting on top of any provider.
package embedding

import (
	"context"
	"time"
)

// Request is a batch embedding request.
type Request struct {
	Input      []string  `json:"input"`
	Model      string    `json:"model,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
	InputType  InputType `json:"input_type,omitempty"`
}

// InputType hints whether the text is a search query or indexed content.
type InputType string

const (
	InputTypeQuery    InputType = "query"
	InputTypeDocument InputType = "document"
)

// Response carries the embeddings in input order.
type Response struct {
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Embeddings []Data    `json:"embeddings"`
	Usage      Usage     `json:"usage"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Data is one embedding result.
type Data struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// Usage is the token accounting for one request.
type Usage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Provider is the unified embedding interface.
type Provider interface {
	// Embed generates embeddings for the given inputs, preserving input
	// order in the response.
	Embed(ctx context.Context, req *Request) (*Response, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// EmbedDocuments embeds multiple documents, output index i matching
	// input index i.
	EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the default embedding width.
	Dimensions() int

	// MaxBatchSize returns the largest accepted batch.
	MaxBatchSize() int
}
