package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/javis-ai/javis/llm"
	"github.com/javis-ai/javis/types"
)

var _ llm.Provider = (*Provider)(nil)

func chatRequest() *llm.ChatRequest {
	return &llm.ChatRequest{
		Model: "llama3.1",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "answer briefly"},
			{Role: llm.RoleUser, Content: "why is the sky blue"},
		},
		MaxTokens:   64,
		Temperature: 0.2,
	}
}

func TestCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.1", req.Model)
		assert.False(t, req.Stream)
		assert.Len(t, req.Messages, 2)
		assert.EqualValues(t, 64, req.Options["num_predict"])

		_ = json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           req.Model,
			Message:         ollamaMessage{Role: "assistant", Content: "Rayleigh scattering."},
			Done:            true,
			PromptEvalCount: 20,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	resp, err := p.Completion(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "Rayleigh scattering.", resp.Content)
	assert.Equal(t, "ollama", resp.Provider)
	assert.Equal(t, 25, resp.Usage.TotalTokens)
}

func TestCompletionBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ollamaChatResponse{Error: "model not loaded"})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	_, err := p.Completion(context.Background(), chatRequest())
	assert.True(t, types.IsCode(err, types.ErrUpstreamError))
}

func TestCompletionHTTPErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		code      types.ErrorCode
		retryable bool
	}{
		{http.StatusTooManyRequests, types.ErrRateLimited, true},
		{http.StatusServiceUnavailable, types.ErrProviderUnavailable, true},
		{http.StatusGatewayTimeout, types.ErrUpstreamTimeout, true},
		{http.StatusBadRequest, types.ErrInvalidRequest, false},
		{http.StatusNotFound, types.ErrInvalidRequest, false},
		{http.StatusUnauthorized, types.ErrUnauthorized, false},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p := New(Config{BaseURL: srv.URL}, zap.NewNop())
			_, err := p.Completion(context.Background(), chatRequest())
			assert.True(t, types.IsCode(err, tc.code))
			assert.Equal(t, tc.retryable, types.IsRetryable(err))
		})
	}
}

func TestCompletionConnectionRefused(t *testing.T) {
	p := New(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	_, err := p.Completion(context.Background(), chatRequest())
	assert.True(t, types.IsCode(err, types.ErrProviderUnavailable))
	assert.True(t, types.IsRetryable(err))
}

func TestStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		enc := json.NewEncoder(w)
		for _, delta := range []string{"Ray", "leigh", " scattering"} {
			_ = enc.Encode(ollamaChatResponse{
				Model:   req.Model,
				Message: ollamaMessage{Role: "assistant", Content: delta},
			})
		}
		_ = enc.Encode(ollamaChatResponse{
			Model:           req.Model,
			Done:            true,
			PromptEvalCount: 20,
			EvalCount:       3,
		})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	ch, err := p.Stream(context.Background(), chatRequest())
	require.NoError(t, err)

	var content string
	var final *llm.StreamChunk
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta
		if chunk.Done {
			c := chunk
			final = &c
		}
	}

	assert.Equal(t, "Rayleigh scattering", content)
	require.NotNil(t, final)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 23, final.Usage.TotalTokens)
}

func TestStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaChatResponse{Message: ollamaMessage{Content: "partial"}})
		flusher.Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	ch, err := p.Stream(ctx, chatRequest())
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, "partial", first.Delta)

	cancel()

	// The channel closes without further fragments.
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}

func TestStreamBackendErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		_ = enc.Encode(ollamaChatResponse{Message: ollamaMessage{Content: "ok so far"}})
		_ = enc.Encode(ollamaChatResponse{Error: "model crashed"})
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	ch, err := p.Stream(context.Background(), chatRequest())
	require.NoError(t, err)

	var sawErr bool
	for chunk := range ch {
		if chunk.Err != nil {
			sawErr = true
			assert.Equal(t, types.ErrUpstreamError, chunk.Err.Code)
		}
	}
	assert.True(t, sawErr)
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL}, zap.NewNop())
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}

func TestHealthCheckDown(t *testing.T) {
	p := New(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	status, err := p.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, status.Healthy)
}
