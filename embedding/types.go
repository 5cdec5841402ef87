// Package embedding provides the embedding provider interface and
// implementations.
package embedding

import (
	"context"
	"strings"
)

// InputType specifies what the embedding is optimized for. It doubles as the
// purpose tag in cache keys.
type InputType string

const (
	InputTypeQuery    InputType = "query"    // search queries
	InputTypeDocument InputType = "document" // documents to be indexed
)

// EmbedRequest is a request to generate embeddings.
type EmbedRequest struct {
	Input     []string  `json:"input"`
	Model     string    `json:"model,omitempty"`
	InputType InputType `json:"input_type,omitempty"`
}

// EmbedResponse is the result of an embedding request. Vectors are positional
// with the request inputs.
type EmbedResponse struct {
	Provider string      `json:"provider"`
	Model    string      `json:"model"`
	Vectors  [][]float64 `json:"vectors"`
}

// Provider is the unified embedding adapter interface. For a fixed model
// version, Embed is deterministic: identical text yields an identical vector.
type Provider interface {
	// Embed generates embeddings for the given inputs.
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, query string) ([]float64, error)

	// EmbedDocuments embeds multiple document chunks.
	EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error)

	// Name returns the provider name.
	Name() string

	// Dimensions returns the embedding dimensionality.
	Dimensions() int
}

// Normalize canonicalizes text before embedding and cache keying: trims
// surrounding whitespace and collapses internal runs to single spaces.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
