package rag

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/types"
)

// Distance is the similarity metric of a collection. It is fixed per store
// instance; mixing metrics within a collection is never allowed.
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
)

// VectorStore is the vector database contract. Scores are similarities:
// higher is closer, regardless of metric.
type VectorStore interface {
	// Upsert stores a chunk with its embedding, replacing any prior
	// embedding stored under the same chunk ID.
	Upsert(ctx context.Context, chunk Chunk, embedding []float64) error

	// UpsertBatch upserts several chunk/embedding pairs. Positional.
	UpsertBatch(ctx context.Context, chunks []Chunk, embeddings [][]float64) error

	// Search returns up to k chunks ordered by descending similarity, ties
	// broken by ascending chunk ID. A query vector whose dimensionality
	// differs from the collection's fails with DIMENSION_MISMATCH.
	Search(ctx context.Context, queryEmbedding []float64, k int, filter *SearchFilter) ([]SearchResult, error)

	// DeleteDocument removes all chunks and embeddings of the document.
	DeleteDocument(ctx context.Context, documentID string) error

	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Dimensions returns the collection dimensionality, or 0 when the
	// collection is still empty.
	Dimensions(ctx context.Context) (int, error)
}

// MemoryStore is an in-memory VectorStore for tests and small deployments.
// Reads issued after a completed write observe that write.
type MemoryStore struct {
	metric Distance
	dims   int

	mu      sync.RWMutex
	entries map[string]memoryEntry
	logger  *zap.Logger
}

type memoryEntry struct {
	chunk     Chunk
	embedding []float64
}

// NewMemoryStore creates an in-memory store. dims fixes the collection
// dimensionality up front; pass 0 to adopt the first upserted vector's.
func NewMemoryStore(metric Distance, dims int, logger *zap.Logger) *MemoryStore {
	if metric == "" {
		metric = DistanceCosine
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		metric:  metric,
		dims:    dims,
		entries: make(map[string]memoryEntry),
		logger:  logger.With(zap.String("component", "memory_store")),
	}
}

func (s *MemoryStore) checkDims(n int) error {
	if s.dims == 0 {
		s.dims = n
		return nil
	}
	if n != s.dims {
		return types.Errorf(types.ErrDimensionMismatch,
			"vector has %d dimensions, collection expects %d", n, s.dims).
			WithComponent("memory_store")
	}
	return nil
}

// Upsert implements VectorStore. Idempotent by chunk ID.
func (s *MemoryStore) Upsert(ctx context.Context, chunk Chunk, embedding []float64) error {
	if chunk.ID == "" {
		return types.NewError(types.ErrValidation, "chunk id is empty").WithComponent("memory_store")
	}
	if len(embedding) == 0 {
		return types.NewError(types.ErrValidation, "chunk has no embedding").WithComponent("memory_store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDims(len(embedding)); err != nil {
		return err
	}

	vec := make([]float64, len(embedding))
	copy(vec, embedding)
	s.entries[chunk.ID] = memoryEntry{chunk: chunk, embedding: vec}
	return nil
}

// UpsertBatch implements VectorStore.
func (s *MemoryStore) UpsertBatch(ctx context.Context, chunks []Chunk, embeddings [][]float64) error {
	if len(chunks) != len(embeddings) {
		return types.Errorf(types.ErrValidation, "got %d chunks but %d embeddings",
			len(chunks), len(embeddings)).WithComponent("memory_store")
	}
	for i := range chunks {
		if err := s.Upsert(ctx, chunks[i], embeddings[i]); err != nil {
			return err
		}
	}
	return nil
}

// Search implements VectorStore.
func (s *MemoryStore) Search(ctx context.Context, queryEmbedding []float64, k int, filter *SearchFilter) ([]SearchResult, error) {
	if k <= 0 {
		return []SearchResult{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dims != 0 && len(queryEmbedding) != s.dims {
		return nil, types.Errorf(types.ErrDimensionMismatch,
			"query vector has %d dimensions, collection expects %d",
			len(queryEmbedding), s.dims).WithComponent("memory_store")
	}

	results := make([]SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.Matches(e.chunk.DocumentID) {
			continue
		}
		results = append(results, SearchResult{
			Chunk: e.chunk,
			Score: similarity(queryEmbedding, e.embedding, s.metric),
		})
	}

	// Descending score; ascending chunk ID on ties for determinism.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// DeleteDocument implements VectorStore, cascading to all of the document's
// chunks.
func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if e.chunk.DocumentID == documentID {
			delete(s.entries, id)
		}
	}
	return nil
}

// Count implements VectorStore.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Dimensions implements VectorStore.
func (s *MemoryStore) Dimensions(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims, nil
}

// similarity computes the configured similarity score. Cosine degenerates to
// 0 for zero vectors.
func similarity(a, b []float64, metric Distance) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if metric == DistanceDot {
		return dot
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
