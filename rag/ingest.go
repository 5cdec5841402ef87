package rag

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/embedding"
	"github.com/javis-ai/javis/types"
)

// IngestRequest describes one document to ingest.
type IngestRequest struct {
	// SourceRef identifies the document across ingestions; re-ingesting the
	// same reference supersedes the prior version.
	SourceRef string         `json:"source_ref"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// IngestResult summarizes a completed ingestion.
type IngestResult struct {
	Document   Document `json:"document"`
	ChunkCount int      `json:"chunk_count"`
	Superseded bool     `json:"superseded"`
}

// Ingestor runs the document pipeline: chunk, embed, store. Embeddings go
// through the caching provider, so re-ingesting unchanged content skips the
// embedding backend.
type Ingestor struct {
	chunker  *Chunker
	embedder embedding.Provider
	store    VectorStore
	logger   *zap.Logger
}

// NewIngestor creates the ingestion pipeline.
func NewIngestor(chunker *Chunker, embedder embedding.Provider, store VectorStore, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		logger:   logger.With(zap.String("component", "ingestor")),
	}
}

// Ingest chunks, embeds, and stores one document. Any prior document under
// the same source reference is deleted before the new chunks are written.
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	sourceRef := strings.TrimSpace(req.SourceRef)
	if sourceRef == "" {
		return nil, types.NewError(types.ErrValidation, "source ref is empty").
			WithComponent("ingestor")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, types.NewError(types.ErrValidation, "document content is empty").
			WithComponent("ingestor")
	}

	doc := Document{
		ID:         DocumentIDFor(sourceRef),
		SourceRef:  sourceRef,
		Content:    req.Content,
		Metadata:   req.Metadata,
		IngestedAt: time.Now(),
	}

	chunks, err := in.chunker.Split(doc)
	if err != nil {
		return nil, err
	}

	contents := make([]string, len(chunks))
	for i, c := range chunks {
		contents[i] = c.Content
	}
	vectors, err := in.embedder.EmbedDocuments(ctx, contents)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, types.Errorf(types.ErrGenerationFailed,
			"embedding backend returned %d vectors for %d chunks",
			len(vectors), len(chunks)).WithComponent("ingestor")
	}

	// Supersede: drop every chunk of the prior version before writing, so a
	// shorter re-ingestion leaves no orphans.
	before, err := in.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	if err := in.store.DeleteDocument(ctx, doc.ID); err != nil {
		return nil, err
	}
	after, err := in.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	if err := in.store.UpsertBatch(ctx, chunks, vectors); err != nil {
		return nil, err
	}

	in.logger.Info("document ingested",
		zap.String("doc_id", doc.ID),
		zap.String("source_ref", sourceRef),
		zap.Int("chunks", len(chunks)))

	return &IngestResult{
		Document:   doc,
		ChunkCount: len(chunks),
		Superseded: after < before,
	}, nil
}

// Delete removes a document and its chunks by source reference.
func (in *Ingestor) Delete(ctx context.Context, sourceRef string) error {
	sourceRef = strings.TrimSpace(sourceRef)
	if sourceRef == "" {
		return types.NewError(types.ErrValidation, "source ref is empty").
			WithComponent("ingestor")
	}
	return in.store.DeleteDocument(ctx, DocumentIDFor(sourceRef))
}
