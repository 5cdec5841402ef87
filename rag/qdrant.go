package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/javis-ai/javis/types"
)

// QdrantConfig configures the Qdrant VectorStore implementation.
//
// Qdrant point IDs are UUIDs; a stable UUID is derived from the chunk ID so
// upserts replace rather than duplicate. Chunk fields travel in the payload.
type QdrantConfig struct {
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	BaseURL    string        `json:"base_url,omitempty"`
	APIKey     string        `json:"api_key,omitempty"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout,omitempty"`

	// AutoCreateCollection creates the collection on first upsert.
	AutoCreateCollection bool `json:"auto_create_collection,omitempty"`
	// Distance metric, fixed per collection: Cosine (default) or Dot.
	Distance Distance `json:"distance,omitempty"`
	// VectorSize fixes the collection dimensionality. Zero adopts the first
	// upserted vector's length.
	VectorSize int `json:"vector_size,omitempty"`
}

// QdrantStore implements VectorStore using Qdrant's REST API.
type QdrantStore struct {
	cfg QdrantConfig

	baseURL string
	client  *http.Client
	logger  *zap.Logger

	ensureMu sync.Mutex
	ensured  bool

	dimsMu sync.Mutex
	dims   int
}

// NewQdrantStore creates a Qdrant-backed VectorStore.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) *QdrantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Distance == "" {
		cfg.Distance = DistanceCosine
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantStore{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger.With(zap.String("component", "qdrant_store")),
		dims:    cfg.VectorSize,
	}
}

var qdrantNamespace = uuid.MustParse("d9bde6d4-4f3a-4e6b-8f7a-5d8d2f3b4c1a")

func qdrantPointID(chunkID string) string {
	// Stable UUID derived from the chunk ID (supports any string input).
	return uuid.NewSHA1(qdrantNamespace, []byte(chunkID)).String()
}

func (s *QdrantStore) collectionPath(suffix string) string {
	return fmt.Sprintf("/collections/%s%s", url.PathEscape(s.cfg.Collection), suffix)
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.cfg.APIKey) != "" {
		// Qdrant convention.
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in any, out any) error {
	endpoint := s.baseURL + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithRetryable(true).
			WithComponent("qdrant_store")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Errorf(types.ErrUpstreamError,
			"qdrant request failed: method=%s path=%s status=%d body=%s",
			method, path, resp.StatusCode, string(raw)).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500).
			WithComponent("qdrant_store")
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if !s.cfg.AutoCreateCollection {
		return nil
	}
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if vectorSize <= 0 {
		return fmt.Errorf("qdrant vector size must be > 0")
	}

	// Only success latches; a failed creation attempt is retried on the next
	// call so a transient error (cancellation, network blip) does not wedge
	// every later upsert.
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": string(s.cfg.Distance),
		},
	}

	endpoint := s.baseURL + s.collectionPath("")
	reqBody, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return types.NewError(types.ErrUpstreamError, err.Error()).
			WithRetryable(true).
			WithComponent("qdrant_store")
	}
	defer resp.Body.Close()

	// Qdrant returns 409 if the collection already exists.
	if resp.StatusCode == http.StatusConflict {
		s.ensured = true
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.Errorf(types.ErrUpstreamError,
			"qdrant create collection failed: status=%d body=%s",
			resp.StatusCode, string(raw)).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500).
			WithComponent("qdrant_store")
	}

	s.ensured = true
	return nil
}

// knownDims returns the collection dimensionality, fetching it from Qdrant
// the first time it is needed.
func (s *QdrantStore) knownDims(ctx context.Context) (int, error) {
	s.dimsMu.Lock()
	defer s.dimsMu.Unlock()

	if s.dims != 0 {
		return s.dims, nil
	}

	var resp struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodGet, s.collectionPath(""), nil, &resp); err != nil {
		return 0, err
	}
	s.dims = resp.Result.Config.Params.Vectors.Size
	return s.dims, nil
}

func (s *QdrantStore) rememberDims(n int) {
	s.dimsMu.Lock()
	if s.dims == 0 {
		s.dims = n
	}
	s.dimsMu.Unlock()
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

func chunkPayload(chunk Chunk) map[string]any {
	return map[string]any{
		"chunk_id":    chunk.ID,
		"doc_id":      chunk.DocumentID,
		"ordinal":     chunk.Ordinal,
		"content":     chunk.Content,
		"token_count": chunk.TokenCount,
		"metadata":    chunk.Metadata,
	}
}

// Upsert implements VectorStore.
func (s *QdrantStore) Upsert(ctx context.Context, chunk Chunk, embedding []float64) error {
	return s.UpsertBatch(ctx, []Chunk{chunk}, [][]float64{embedding})
}

// UpsertBatch implements VectorStore. Idempotent by chunk ID: the derived
// point UUID is stable, so a repeated upsert replaces the stored vector.
func (s *QdrantStore) UpsertBatch(ctx context.Context, chunks []Chunk, embeddings [][]float64) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(embeddings) {
		return types.Errorf(types.ErrValidation, "got %d chunks but %d embeddings",
			len(chunks), len(embeddings)).WithComponent("qdrant_store")
	}
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}

	vectorSize := s.cfg.VectorSize
	for i, chunk := range chunks {
		if chunk.ID == "" {
			return types.Errorf(types.ErrValidation, "chunk[%d] has empty id", i).
				WithComponent("qdrant_store")
		}
		if len(embeddings[i]) == 0 {
			return types.Errorf(types.ErrValidation, "chunk[%d] has no embedding", i).
				WithComponent("qdrant_store")
		}
		if vectorSize == 0 {
			vectorSize = len(embeddings[i])
		}
		if len(embeddings[i]) != vectorSize {
			return types.Errorf(types.ErrDimensionMismatch,
				"chunk[%d] embedding has %d dimensions, collection expects %d",
				i, len(embeddings[i]), vectorSize).WithComponent("qdrant_store")
		}
	}

	if err := s.ensureCollection(ctx, vectorSize); err != nil {
		return err
	}
	s.rememberDims(vectorSize)

	points := make([]qdrantPoint, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, qdrantPoint{
			ID:      qdrantPointID(chunk.ID),
			Vector:  embeddings[i],
			Payload: chunkPayload(chunk),
		})
	}

	req := struct {
		Points []qdrantPoint `json:"points"`
	}{Points: points}

	var resp any
	if err := s.doJSON(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), req, &resp); err != nil {
		return err
	}

	s.logger.Debug("qdrant upsert completed", zap.Int("count", len(chunks)))
	return nil
}

// Search implements VectorStore.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float64, k int, filter *SearchFilter) ([]SearchResult, error) {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if k <= 0 {
		return []SearchResult{}, nil
	}
	if len(queryEmbedding) == 0 {
		return nil, types.NewError(types.ErrValidation, "query embedding is required").
			WithComponent("qdrant_store")
	}

	if dims, err := s.knownDims(ctx); err == nil && dims != 0 && dims != len(queryEmbedding) {
		return nil, types.Errorf(types.ErrDimensionMismatch,
			"query vector has %d dimensions, collection expects %d",
			len(queryEmbedding), dims).WithComponent("qdrant_store")
	}

	req := map[string]any{
		"vector":       queryEmbedding,
		"limit":        k,
		"with_payload": true,
		"with_vector":  false,
	}
	if filter != nil && len(filter.DocumentIDs) > 0 {
		req["filter"] = map[string]any{
			"must": []map[string]any{
				{"key": "doc_id", "match": map[string]any{"any": filter.DocumentIDs}},
			},
		}
	}

	type qdrantHit struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantHit `json:"result"`
		Status string      `json:"status"`
	}

	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		chunk := chunkFromPayload(r.Payload)
		if chunk.ID == "" {
			// Fallback to the point ID if the payload is missing chunk_id.
			chunk.ID = fmt.Sprint(r.ID)
		}
		out = append(out, SearchResult{Chunk: chunk, Score: r.Score})
	}

	// Qdrant orders by score but does not define a tie order; re-sort with
	// the ascending-chunk-ID tie-break for determinism.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})

	return out, nil
}

func chunkFromPayload(payload map[string]any) Chunk {
	chunk := Chunk{}
	if payload == nil {
		return chunk
	}
	if v, ok := payload["chunk_id"].(string); ok {
		chunk.ID = v
	}
	if v, ok := payload["doc_id"].(string); ok {
		chunk.DocumentID = v
	}
	if v, ok := payload["ordinal"].(float64); ok {
		chunk.Ordinal = int(v)
	}
	if v, ok := payload["content"].(string); ok {
		chunk.Content = v
	}
	if v, ok := payload["token_count"].(float64); ok {
		chunk.TokenCount = int(v)
	}
	if v, ok := payload["metadata"].(map[string]any); ok {
		chunk.Metadata = v
	}
	return chunk
}

// DeleteDocument implements VectorStore using a payload filter delete, so
// the cascade covers every chunk of the document.
func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return fmt.Errorf("qdrant collection is required")
	}
	if strings.TrimSpace(documentID) == "" {
		return nil
	}

	req := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "doc_id", "match": map[string]any{"value": documentID}},
			},
		},
	}

	var resp any
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), req, &resp); err != nil {
		return err
	}
	s.logger.Debug("qdrant document deleted", zap.String("doc_id", documentID))
	return nil
}

// Count implements VectorStore.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	if strings.TrimSpace(s.cfg.Collection) == "" {
		return 0, fmt.Errorf("qdrant collection is required")
	}

	req := struct {
		Exact bool `json:"exact"`
	}{Exact: true}

	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.doJSON(ctx, http.MethodPost, s.collectionPath("/points/count"), req, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

// Dimensions implements VectorStore.
func (s *QdrantStore) Dimensions(ctx context.Context) (int, error) {
	return s.knownDims(ctx)
}
