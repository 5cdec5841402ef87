package rag

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document is an external unit of knowledge. A document is immutable once
// ingested; re-ingesting under the same source reference supersedes it.
type Document struct {
	ID         string         `json:"id"`
	SourceRef  string         `json:"source_ref"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IngestedAt time.Time      `json:"ingested_at"`
}

// Chunk is a bounded-length slice of a document's text, the unit of
// retrieval. Chunks are owned by their document and deleted with it.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Ordinal    int            `json:"ordinal"`
	Content    string         `json:"content"`
	TokenCount int            `json:"token_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SearchResult pairs a retrieved chunk with its similarity score.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// SearchFilter restricts a similarity search to a subset of documents.
// A nil filter matches everything.
type SearchFilter struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
}

// Matches reports whether the given document ID passes the filter.
func (f *SearchFilter) Matches(documentID string) bool {
	if f == nil || len(f.DocumentIDs) == 0 {
		return true
	}
	for _, id := range f.DocumentIDs {
		if id == documentID {
			return true
		}
	}
	return false
}

var javisNamespace = uuid.MustParse("7c9e6e61-2f4b-4d3a-9b8e-1a5c3d7f9b2e")

// DocumentIDFor derives the stable document ID for a source reference, so
// re-ingestion under the same reference supersedes the prior document.
func DocumentIDFor(sourceRef string) string {
	return uuid.NewSHA1(javisNamespace, []byte("doc:"+sourceRef)).String()
}

// ChunkIDFor derives the stable chunk ID for a document and ordinal.
func ChunkIDFor(documentID string, ordinal int) string {
	return uuid.NewSHA1(javisNamespace, fmt.Appendf(nil, "chunk:%s:%d", documentID, ordinal)).String()
}
