// Package ollama implements the inference provider for a local Ollama server.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/llm"
	"github.com/javis-ai/javis/types"
)

// Config configures the Ollama provider.
type Config struct {
	// BaseURL of the local server, e.g. "http://localhost:11434".
	BaseURL string `json:"base_url"`
	// Default model used when the request does not name one.
	Model string `json:"model"`
	// HTTP client timeout. Streaming requests ignore it and rely on ctx.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Provider implements llm.Provider against Ollama's native chat API.
type Provider struct {
	cfg    Config
	client *http.Client
	// streamClient has no timeout so long generations are bounded by ctx only.
	streamClient *http.Client
	logger       *zap.Logger
}

// New creates an Ollama provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		logger:       logger.With(zap.String("component", "ollama_provider")),
	}
}

func (p *Provider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

func (p *Provider) buildBody(req *llm.ChatRequest, stream bool) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if len(req.Stop) > 0 {
		options["stop"] = req.Stop
	}

	return ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options:  options,
	}
}

func (p *Provider) post(ctx context.Context, client *http.Client, body ollamaChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrProviderUnavailable, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithComponent(p.Name())
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, mapHTTPError(resp.StatusCode, string(raw), p.Name())
	}
	return resp, nil
}

// Completion implements llm.Provider.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.post(ctx, p.client, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode response: "+err.Error()).
			WithRetryable(true).
			WithComponent(p.Name())
	}
	if out.Error != "" {
		return nil, types.NewError(types.ErrUpstreamError, out.Error).WithComponent(p.Name())
	}

	return &llm.ChatResponse{
		Provider: p.Name(),
		Model:    out.Model,
		Content:  out.Message.Content,
		Usage: llm.ChatUsage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
		CreatedAt: time.Now(),
	}, nil
}

// Stream implements llm.Provider. Ollama streams newline-delimited JSON
// objects; the reader goroutine exits on ctx cancellation and always closes
// the response body.
func (p *Provider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	resp, err := p.post(ctx, p.streamClient, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var out ollamaChatResponse
			if err := json.Unmarshal([]byte(line), &out); err != nil {
				p.sendChunk(ctx, ch, llm.StreamChunk{
					Provider: p.Name(),
					Err: types.NewError(types.ErrUpstreamError, "decode stream chunk: "+err.Error()).
						WithComponent(p.Name()),
				})
				return
			}
			if out.Error != "" {
				p.sendChunk(ctx, ch, llm.StreamChunk{
					Provider: p.Name(),
					Err:      types.NewError(types.ErrUpstreamError, out.Error).WithComponent(p.Name()),
				})
				return
			}

			chunk := llm.StreamChunk{
				Provider: p.Name(),
				Model:    out.Model,
				Delta:    out.Message.Content,
				Done:     out.Done,
			}
			if out.Done {
				chunk.Usage = &llm.ChatUsage{
					PromptTokens:     out.PromptEvalCount,
					CompletionTokens: out.EvalCount,
					TotalTokens:      out.PromptEvalCount + out.EvalCount,
				}
			}
			if !p.sendChunk(ctx, ch, chunk) {
				return
			}
			if out.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			p.sendChunk(ctx, ch, llm.StreamChunk{
				Provider: p.Name(),
				Err: types.NewError(types.ErrUpstreamError, err.Error()).
					WithRetryable(true).
					WithComponent(p.Name()),
			})
		}
	}()

	return ch, nil
}

// sendChunk delivers a chunk unless the consumer cancelled. Returns false
// when the stream should stop.
func (p *Provider) sendChunk(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

// HealthCheck implements llm.Provider using the lightweight tags endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: time.Since(start)}, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return &llm.HealthStatus{
		Healthy: resp.StatusCode < 400,
		Latency: time.Since(start),
	}, nil
}

// mapHTTPError maps an HTTP status to a typed error.
func mapHTTPError(status int, msg, component string) *types.Error {
	code := types.ErrUpstreamError
	retryable := status >= 500

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = types.ErrUnauthorized
	case http.StatusTooManyRequests:
		code = types.ErrRateLimited
		retryable = true
	case http.StatusBadRequest, http.StatusNotFound:
		code = types.ErrInvalidRequest
	case http.StatusGatewayTimeout:
		code = types.ErrUpstreamTimeout
		retryable = true
	case http.StatusServiceUnavailable:
		code = types.ErrProviderUnavailable
		retryable = true
	}

	return types.NewError(code, msg).
		WithHTTPStatus(status).
		WithRetryable(retryable).
		WithComponent(component)
}
