// Package llm defines the inference provider contract and its wire types.
package llm

import (
	"context"
	"time"

	"github.com/javis-ai/javis/types"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a generation request.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Stop        []string          `json:"stop,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ChatUsage reports token accounting for a response.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// ChatResponse is a complete generation result.
type ChatResponse struct {
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Usage     ChatUsage `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// StreamChunk is one fragment of a streamed generation. The channel closes
// after the final chunk; a chunk with Err set terminates the stream.
type StreamChunk struct {
	Provider string       `json:"provider,omitempty"`
	Model    string       `json:"model,omitempty"`
	Delta    string       `json:"delta"`
	Done     bool         `json:"done,omitempty"`
	Usage    *ChatUsage   `json:"usage,omitempty"`
	Err      *types.Error `json:"error,omitempty"`
}

// HealthStatus reports the result of a provider health check.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Provider is the unified inference adapter interface. Implementations wrap
// one backend; test doubles substitute for real servers without touching
// callers.
type Provider interface {
	// Completion issues a synchronous generation request.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream issues a streaming generation request. The returned channel is
	// lazy, finite, and non-restartable; cancelling ctx stops upstream token
	// production and releases the connection.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a lightweight liveness probe.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name returns the provider's identifier.
	Name() string
}
