package rag

import (
	"go.uber.org/zap"

	"github.com/javis-ai/javis/tokenizer"
	"github.com/javis-ai/javis/types"
)

// AssembledContext is the outcome of packing retrieved chunks into a token
// budget. Chunks keep their retrieval order (descending score).
type AssembledContext struct {
	Chunks      []Chunk `json:"chunks"`
	TotalTokens int     `json:"total_tokens"`
	// Truncated reports whether at least one retrieved chunk was dropped
	// for budget reasons.
	Truncated bool `json:"truncated"`
}

// ChunkIDs returns the included chunk IDs in context order.
func (a *AssembledContext) ChunkIDs() []string {
	ids := make([]string, len(a.Chunks))
	for i, c := range a.Chunks {
		ids[i] = c.ID
	}
	return ids
}

// Assembler packs search results into a bounded context. Packing is greedy in
// score order and stops before the first chunk that would overflow; it never
// splits a chunk and never reorders past a skip.
type Assembler struct {
	tokenizer tokenizer.Tokenizer
	logger    *zap.Logger
}

// NewAssembler creates a context assembler.
func NewAssembler(tok tokenizer.Tokenizer, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		tokenizer: tok,
		logger:    logger.With(zap.String("component", "assembler")),
	}
}

// Assemble packs results into tokenBudget. The total token count of the
// returned context never exceeds the budget; if even the first chunk is too
// large the context is empty.
func (a *Assembler) Assemble(results []SearchResult, tokenBudget int) (*AssembledContext, error) {
	if tokenBudget < 0 {
		return nil, types.NewError(types.ErrValidation, "token budget must be >= 0").
			WithComponent("assembler")
	}

	ctx := &AssembledContext{Chunks: []Chunk{}}
	for _, r := range results {
		count := r.Chunk.TokenCount
		if count == 0 {
			n, err := a.tokenizer.CountTokens(r.Chunk.Content)
			if err != nil {
				return nil, err
			}
			count = n
		}

		if ctx.TotalTokens+count > tokenBudget {
			ctx.Truncated = true
			break
		}

		chunk := r.Chunk
		chunk.TokenCount = count
		ctx.Chunks = append(ctx.Chunks, chunk)
		ctx.TotalTokens += count
	}

	if ctx.Truncated {
		a.logger.Debug("context truncated by token budget",
			zap.Int("budget", tokenBudget),
			zap.Int("included", len(ctx.Chunks)),
			zap.Int("retrieved", len(results)))
	}
	return ctx, nil
}
