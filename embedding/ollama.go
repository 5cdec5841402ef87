package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/types"
)

// OllamaConfig configures the Ollama embedding provider.
type OllamaConfig struct {
	// BaseURL of the local model server.
	BaseURL string `json:"base_url"`
	// Model name, e.g. "nomic-embed-text".
	Model string `json:"model"`
	// Dimensions is the expected vector dimensionality. A backend returning a
	// different length indicates a model/collection version mismatch.
	Dimensions int `json:"dimensions"`
	// Timeout per request.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// OllamaProvider implements Provider against Ollama's embed API.
type OllamaProvider struct {
	cfg    OllamaConfig
	client *http.Client
	logger *zap.Logger
}

// NewOllamaProvider creates an Ollama embedding provider.
func NewOllamaProvider(cfg OllamaConfig, logger *zap.Logger) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "ollama_embedding")),
	}
}

func (p *OllamaProvider) Name() string    { return "ollama-embedding" }
func (p *OllamaProvider) Dimensions() int { return p.cfg.Dimensions }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed generates embeddings for the given inputs. Inputs are normalized
// first; an input that is empty after normalization is a validation error.
func (p *OllamaProvider) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	if len(req.Input) == 0 {
		return nil, types.NewError(types.ErrValidation, "embedding input is empty").
			WithComponent(p.Name())
	}

	normalized := make([]string, len(req.Input))
	for i, text := range req.Input {
		normalized[i] = Normalize(text)
		if normalized[i] == "" {
			return nil, types.Errorf(types.ErrValidation, "embedding input[%d] is empty after normalization", i).
				WithComponent(p.Name())
		}
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	respBody, err := p.doRequest(ctx, ollamaEmbedRequest{Model: model, Input: normalized})
	if err != nil {
		return nil, err
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "decode embed response: "+err.Error()).
			WithRetryable(true).
			WithComponent(p.Name())
	}
	if out.Error != "" {
		return nil, types.NewError(types.ErrUpstreamError, out.Error).WithComponent(p.Name())
	}
	if len(out.Embeddings) != len(normalized) {
		return nil, types.Errorf(types.ErrUpstreamError, "expected %d embeddings, got %d",
			len(normalized), len(out.Embeddings)).WithComponent(p.Name())
	}
	for i, vec := range out.Embeddings {
		if len(vec) != p.cfg.Dimensions {
			return nil, types.Errorf(types.ErrModelVersionMismatch,
				"embedding[%d] has %d dimensions, configured model expects %d",
				i, len(vec), p.cfg.Dimensions).WithComponent(p.Name())
		}
	}

	return &EmbedResponse{
		Provider: p.Name(),
		Model:    out.Model,
		Vectors:  out.Embeddings,
	}, nil
}

// EmbedQuery embeds a single query.
func (p *OllamaProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := p.Embed(ctx, &EmbedRequest{Input: []string{query}, InputType: InputTypeQuery})
	if err != nil {
		return nil, err
	}
	return resp.Vectors[0], nil
}

// EmbedDocuments embeds multiple documents.
func (p *OllamaProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &EmbedRequest{Input: documents, InputType: InputTypeDocument})
	if err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

func (p *OllamaProvider) doRequest(ctx context.Context, body ollamaEmbedRequest) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/embed", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrProviderUnavailable, err.Error()).
			WithHTTPStatus(http.StatusBadGateway).
			WithRetryable(true).
			WithComponent(p.Name())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "read embed response: "+err.Error()).
			WithRetryable(true).
			WithComponent(p.Name())
	}

	if resp.StatusCode >= 400 {
		code := types.ErrUpstreamError
		retryable := resp.StatusCode >= 500
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			code = types.ErrRateLimited
			retryable = true
		case http.StatusBadRequest, http.StatusNotFound:
			code = types.ErrInvalidRequest
		case http.StatusServiceUnavailable:
			code = types.ErrProviderUnavailable
			retryable = true
		}
		return nil, types.NewError(code, string(respBody)).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(retryable).
			WithComponent(p.Name())
	}

	return respBody, nil
}
