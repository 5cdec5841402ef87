package rag

import (
	"strings"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/tokenizer"
	"github.com/javis-ai/javis/types"
)

// ChunkerConfig controls how documents are split. Sizes are in tokens.
type ChunkerConfig struct {
	ChunkSize    int `json:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap"`
}

// DefaultChunkerConfig returns production defaults: 512-token chunks with
// 64 tokens of overlap.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    512,
		ChunkOverlap: 64,
	}
}

// Chunker splits document text into token-bounded chunks on natural
// boundaries. Splitting is recursive: paragraph breaks first, then sentence
// ends, then single spaces, falling back to runes for indivisible text.
type Chunker struct {
	cfg       ChunkerConfig
	tokenizer tokenizer.Tokenizer
	logger    *zap.Logger
}

// Separator priority: paragraphs, lines, sentence ends (CJK included), words.
var chunkSeparators = []string{"\n\n", "\n", ". ", "。", "! ", "！", "? ", "？", " "}

// NewChunker creates a chunker. The tokenizer drives all size accounting.
func NewChunker(cfg ChunkerConfig, tok tokenizer.Tokenizer, logger *zap.Logger) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, types.NewError(types.ErrValidation, "chunk size must be > 0").
			WithComponent("chunker")
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, types.NewError(types.ErrValidation, "chunk overlap must be in [0, chunk size)").
			WithComponent("chunker")
	}
	if tok == nil {
		return nil, types.NewError(types.ErrValidation, "tokenizer is required").
			WithComponent("chunker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		cfg:       cfg,
		tokenizer: tok,
		logger:    logger.With(zap.String("component", "chunker")),
	}, nil
}

// Split chunks the document's content. Chunk IDs and ordinals are stable for
// a given document ID, so re-splitting the same content is idempotent.
func (c *Chunker) Split(doc Document) ([]Chunk, error) {
	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return nil, types.NewError(types.ErrValidation, "document content is empty").
			WithComponent("chunker")
	}

	segments, err := c.recursiveSplit(content, chunkSeparators)
	if err != nil {
		return nil, err
	}
	merged, err := c.merge(segments)
	if err != nil {
		return nil, err
	}

	chunks := make([]Chunk, 0, len(merged))
	var prev string
	for i, text := range merged {
		if c.cfg.ChunkOverlap > 0 && prev != "" {
			tail, err := c.tailTokens(prev, c.cfg.ChunkOverlap)
			if err != nil {
				return nil, err
			}
			if tail != "" {
				text = tail + " " + text
			}
		}

		count, err := c.tokenizer.CountTokens(text)
		if err != nil {
			return nil, err
		}

		chunks = append(chunks, Chunk{
			ID:         ChunkIDFor(doc.ID, i),
			DocumentID: doc.ID,
			Ordinal:    i,
			Content:    text,
			TokenCount: count,
			Metadata:   doc.Metadata,
		})
		prev = merged[i]
	}

	c.logger.Debug("document chunked",
		zap.String("doc_id", doc.ID),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.cfg.ChunkSize),
		zap.Int("overlap", c.cfg.ChunkOverlap))

	return chunks, nil
}

// recursiveSplit breaks text into segments that each fit the chunk size,
// trying coarser separators before finer ones.
func (c *Chunker) recursiveSplit(text string, separators []string) ([]string, error) {
	count, err := c.tokenizer.CountTokens(text)
	if err != nil {
		return nil, err
	}
	if count <= c.cfg.ChunkSize {
		return []string{text}, nil
	}

	if len(separators) == 0 {
		return c.splitRunes(text)
	}

	sep := separators[0]
	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		// Separator absent; try the next finer one.
		return c.recursiveSplit(text, separators[1:])
	}

	var segments []string
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		sub, err := c.recursiveSplit(part, separators[1:])
		if err != nil {
			return nil, err
		}
		segments = append(segments, sub...)
	}
	return segments, nil
}

// splitRunes is the last resort for text with no usable separator.
func (c *Chunker) splitRunes(text string) ([]string, error) {
	runes := []rune(text)
	var segments []string

	start := 0
	for start < len(runes) {
		end := len(runes)
		for end > start+1 {
			count, err := c.tokenizer.CountTokens(string(runes[start:end]))
			if err != nil {
				return nil, err
			}
			if count <= c.cfg.ChunkSize {
				break
			}
			// Halve towards the start until the piece fits.
			end = start + (end-start+1)/2
		}
		segments = append(segments, string(runes[start:end]))
		start = end
	}
	return segments, nil
}

// merge greedily packs adjacent segments into chunks up to the chunk size.
// The candidate concatenation is recounted each time, so packed chunks stay
// within the size as the tokenizer measures them.
func (c *Chunker) merge(segments []string) ([]string, error) {
	var out []string
	current := ""

	for _, seg := range segments {
		candidate := current + seg
		candidateTokens, err := c.tokenizer.CountTokens(candidate)
		if err != nil {
			return nil, err
		}

		if current != "" && candidateTokens > c.cfg.ChunkSize {
			out = append(out, strings.TrimSpace(current))
			current = seg
			continue
		}
		current = candidate
	}
	if strings.TrimSpace(current) != "" {
		out = append(out, strings.TrimSpace(current))
	}
	return out, nil
}

// tailTokens returns the trailing portion of text holding roughly n tokens,
// cut on word boundaries.
func (c *Chunker) tailTokens(text string, n int) (string, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "", nil
	}

	start := len(words)
	for start > 0 {
		candidate := strings.Join(words[start-1:], " ")
		count, err := c.tokenizer.CountTokens(candidate)
		if err != nil {
			return "", err
		}
		if count > n {
			break
		}
		start--
	}
	if start == len(words) {
		return "", nil
	}
	return strings.Join(words[start:], " "), nil
}
