package rag

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/javis-ai/javis/cache"
	"github.com/javis-ai/javis/embedding"
	"github.com/javis-ai/javis/internal/metrics"
	"github.com/javis-ai/javis/llm"
	"github.com/javis-ai/javis/tokenizer"
	"github.com/javis-ai/javis/types"
)

// hashEmbedder is a deterministic bag-of-words embedder: texts sharing words
// land near each other, so retrieval behaves like a tiny real model.
type hashEmbedder struct {
	dims  int
	mu    sync.Mutex
	calls int
}

func newHashEmbedder(dims int) *hashEmbedder {
	return &hashEmbedder{dims: dims}
}

var _ embedding.Provider = (*hashEmbedder)(nil)

func (h *hashEmbedder) Name() string    { return "hash" }
func (h *hashEmbedder) Dimensions() int { return h.dims }

func (h *hashEmbedder) embed(text string) []float64 {
	vec := make([]float64, h.dims)
	for _, word := range strings.Fields(strings.ToLower(embedding.Normalize(text))) {
		sum := sha256.Sum256([]byte(word))
		idx := int(binary.BigEndian.Uint32(sum[:4])) % h.dims
		if idx < 0 {
			idx += h.dims
		}
		vec[idx]++
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func (h *hashEmbedder) Embed(ctx context.Context, req *embedding.EmbedRequest) (*embedding.EmbedResponse, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	vectors := make([][]float64, len(req.Input))
	for i, text := range req.Input {
		vectors[i] = h.embed(text)
	}
	return &embedding.EmbedResponse{Provider: h.Name(), Vectors: vectors}, nil
}

func (h *hashEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := h.Embed(ctx, &embedding.EmbedRequest{Input: []string{query}, InputType: embedding.InputTypeQuery})
	if err != nil {
		return nil, err
	}
	return resp.Vectors[0], nil
}

func (h *hashEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := h.Embed(ctx, &embedding.EmbedRequest{Input: documents, InputType: embedding.InputTypeDocument})
	if err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

func (h *hashEmbedder) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// echoGenerator produces a deterministic answer from the prompt, so cache
// presence can never change the result.
type echoGenerator struct {
	mu    sync.Mutex
	calls int
	fail  error
	// onGenerate runs inside Generate before returning, for cancellation
	// injection.
	onGenerate func()
}

var _ Generator = (*echoGenerator)(nil)

func (g *echoGenerator) Name() string { return "echo" }

func (g *echoGenerator) Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	if g.onGenerate != nil {
		g.onGenerate()
	}
	if g.fail != nil {
		return nil, g.fail
	}

	sum := sha256.New()
	for _, m := range req.Messages {
		sum.Write([]byte(m.Role))
		sum.Write([]byte{0})
		sum.Write([]byte(m.Content))
		sum.Write([]byte{0})
	}
	answer := "answer [1] " + hex.EncodeToString(sum.Sum(nil)[:8])
	return &llm.ChatResponse{Provider: g.Name(), Content: answer, CreatedAt: time.Now()}, nil
}

func (g *echoGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// recordingCache counts writes by key prefix on top of an inner cache.
type recordingCache struct {
	cache.Cache
	mu   sync.Mutex
	sets []string
}

func (r *recordingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	r.sets = append(r.sets, key)
	r.mu.Unlock()
	return r.Cache.Set(ctx, key, value, ttl)
}

func (r *recordingCache) totalWrites() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

type orchestratorFixture struct {
	orch      *Orchestrator
	store     *MemoryStore
	sessions  *MemorySessionStore
	embedder  *hashEmbedder
	generator *echoGenerator
	cache     *recordingCache
}

type fixtureOpt func(*OrchestratorConfig)

func newOrchestratorFixture(t *testing.T, inner cache.Cache, opts ...fixtureOpt) *orchestratorFixture {
	t.Helper()

	cfg := OrchestratorConfig{
		Model:           "test-model",
		MaxTokens:       128,
		TopK:            3,
		TokenBudget:     1024,
		AllowUngrounded: true,
		HistoryTurns:    4,
		CacheTTL:        time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if inner == nil {
		inner = newMapCache()
	}
	rec := &recordingCache{Cache: inner}

	f := &orchestratorFixture{
		store:     NewMemoryStore(DistanceCosine, 0, zap.NewNop()),
		sessions:  NewMemorySessionStore(SessionLimits{MaxTurns: 20}, zap.NewNop()),
		embedder:  newHashEmbedder(64),
		generator: &echoGenerator{},
		cache:     rec,
	}

	orch, err := NewOrchestrator(cfg, f.embedder, f.store, f.sessions, f.generator, rec,
		tokenizer.NewEstimatorTokenizer("test", 0), metrics.NewCollector(prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	f.orch = orch
	return f
}

// mapCache is a minimal in-process cache for orchestrator tests.
type mapCache struct {
	mu sync.Mutex
	m  map[string]string
}

func newMapCache() *mapCache { return &mapCache{m: map[string]string{}} }

func (c *mapCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	if !ok {
		return "", cache.ErrCacheMiss
	}
	return v, nil
}

func (c *mapCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = value
	return nil
}

func (c *mapCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.m, k)
	}
	return nil
}

func (c *mapCache) Close() error { return nil }

func (f *orchestratorFixture) seedKnowledge(t *testing.T) (skyChunk Chunk) {
	t.Helper()
	ctx := context.Background()

	facts := []struct {
		ref     string
		content string
	}{
		{"kb/sky.md", "the sky is blue because sunlight scatters off air molecules"},
		{"kb/banana.md", "bananas are yellow fruit rich in potassium"},
		{"kb/ocean.md", "the ocean covers most of the planet surface"},
	}
	for _, fact := range facts {
		docID := DocumentIDFor(fact.ref)
		chunk := Chunk{
			ID:         ChunkIDFor(docID, 0),
			DocumentID: docID,
			Ordinal:    0,
			Content:    fact.content,
			TokenCount: 15,
		}
		require.NoError(t, f.store.Upsert(ctx, chunk, f.embedder.embed(fact.content)))
		if fact.ref == "kb/sky.md" {
			skyChunk = chunk
		}
	}
	return skyChunk
}

func TestQueryRetrievesAndCitesRelevantChunk(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	skyChunk := f.seedKnowledge(t)
	ctx := context.Background()

	res, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Answer)
	require.NotEmpty(t, res.CitedChunkIDs)
	assert.Equal(t, skyChunk.ID, res.CitedChunkIDs[0])
	assert.False(t, res.Ungrounded)
	assert.Positive(t, res.ContextTokens)

	// The committed turn matches the result.
	sess, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.Turns, 1)
	assert.Equal(t, "why is the sky blue", sess.Turns[0].Query)
	assert.Equal(t, res.Answer, sess.Turns[0].Answer)
	assert.Equal(t, res.CitedChunkIDs, sess.Turns[0].ChunkIDs)
}

func TestQueryValidation(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "  \n "})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	_, err = f.orch.Query(ctx, QueryRequest{SessionID: "", Query: "hello"})
	assert.True(t, types.IsCode(err, types.ErrValidation))

	// Nothing committed.
	sess, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestQueryEmptyStoreUngroundedGeneration(t *testing.T) {
	f := newOrchestratorFixture(t, nil)

	res, err := f.orch.Query(context.Background(), QueryRequest{SessionID: "s1", Query: "hello"})
	require.NoError(t, err)
	assert.True(t, res.Ungrounded)
	assert.Empty(t, res.CitedChunkIDs)
	assert.NotEmpty(t, res.Answer)
}

func TestQueryEmptyStoreFailsClosedWhenUngroundedDisabled(t *testing.T) {
	f := newOrchestratorFixture(t, nil, func(c *OrchestratorConfig) { c.AllowUngrounded = false })

	_, err := f.orch.Query(context.Background(), QueryRequest{SessionID: "s1", Query: "hello"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrGenerationFailed))
	assert.Equal(t, 0, f.generator.callCount())
}

func TestQueryDocumentFilter(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)

	bananaDoc := DocumentIDFor("kb/banana.md")
	res, err := f.orch.Query(context.Background(), QueryRequest{
		SessionID:      "s1",
		Query:          "why is the sky blue",
		DocumentFilter: &SearchFilter{DocumentIDs: []string{bananaDoc}},
	})
	require.NoError(t, err)
	for _, id := range res.CitedChunkIDs {
		assert.Equal(t, ChunkIDFor(bananaDoc, 0), id)
	}
}

func TestQueryEmbeddingCacheHitOnRepeat(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)
	ctx := context.Background()

	first, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.False(t, first.EmbeddingCacheHit)

	second, err := f.orch.Query(ctx, QueryRequest{SessionID: "s2", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.True(t, second.EmbeddingCacheHit)
	assert.Equal(t, 1, f.embedder.callCount())
}

func TestQueryAnswerCacheHitSkipsGeneration(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)
	ctx := context.Background()

	first, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.False(t, first.AnswerCacheHit)

	// Same prompt in a fresh session: identical context, no history.
	second, err := f.orch.Query(ctx, QueryRequest{SessionID: "s2", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.True(t, second.AnswerCacheHit)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, 1, f.generator.callCount())
}

func TestQueryHistoryChangesAnswerKey(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)
	ctx := context.Background()

	first, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)

	// Same session: the prior turn is now in the prompt, so this is a new
	// generation, not a cache hit.
	second, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.False(t, second.AnswerCacheHit)
	assert.NotEqual(t, first.Answer, second.Answer)
}

func TestQueryAnswersIdenticalWithAndWithoutCache(t *testing.T) {
	withCache := newOrchestratorFixture(t, nil)
	withoutCache := newOrchestratorFixture(t, cache.NewNopCache())
	withCache.seedKnowledge(t)
	withoutCache.seedKnowledge(t)
	ctx := context.Background()

	for _, query := range []string{"why is the sky blue", "tell me about bananas"} {
		a, err := withCache.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: query})
		require.NoError(t, err)
		b, err := withoutCache.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: query})
		require.NoError(t, err)
		assert.Equal(t, a.Answer, b.Answer)
		assert.Equal(t, a.CitedChunkIDs, b.CitedChunkIDs)
	}
}

func TestQueryGenerationFailureCommitsNothing(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)
	f.generator.fail = types.NewError(types.ErrGenerationFailed, "generation failed after retries")
	ctx := context.Background()

	_, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrGenerationFailed))

	// No turn and no cache write of any kind, including the query-embedding
	// memo: all writes are deferred until the pipeline succeeds.
	sess, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Zero(t, f.cache.totalWrites())
}

func TestQueryCancellationBeforeCommit(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.generator.onGenerate = cancel

	_, err := f.orch.Query(ctx, QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	sess, err := f.sessions.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Zero(t, f.cache.totalWrites())
}

func TestQuerySessionLimitEvictsOldest(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.sessions = NewMemorySessionStore(SessionLimits{MaxTurns: 5}, zap.NewNop())
	orch, err := NewOrchestrator(OrchestratorConfig{
		Model:           "test-model",
		MaxTokens:       128,
		TopK:            3,
		TokenBudget:     1024,
		AllowUngrounded: true,
		HistoryTurns:    2,
		CacheTTL:        time.Hour,
	}, f.embedder, f.store, f.sessions, f.generator, f.cache,
		tokenizer.NewEstimatorTokenizer("test", 0), nil, zap.NewNop())
	require.NoError(t, err)
	f.seedKnowledge(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := orch.Query(ctx, QueryRequest{
			SessionID: "s1",
			Query:     fmt.Sprintf("question number %d about the sky", i),
		})
		require.NoError(t, err)
	}

	sess, err := f.sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 5)
	assert.Contains(t, sess.Turns[0].Query, "number 1")
	assert.Contains(t, sess.Turns[4].Query, "number 5")
}

func TestQueryLatencyBreakdownPopulated(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.seedKnowledge(t)

	res, err := f.orch.Query(context.Background(), QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.Positive(t, res.Latency.Total)
	assert.GreaterOrEqual(t, res.Latency.Total,
		res.Latency.Embed+res.Latency.Retrieve+res.Latency.Assemble+res.Latency.Generate)
}

func TestQueryTokenBudgetLimitsContext(t *testing.T) {
	// Budget barely above the answer reservation: nothing fits, the query
	// still completes ungrounded.
	f := newOrchestratorFixture(t, nil, func(c *OrchestratorConfig) {
		c.TokenBudget = 140
		c.MaxTokens = 128
	})
	f.seedKnowledge(t)

	res, err := f.orch.Query(context.Background(), QueryRequest{SessionID: "s1", Query: "why is the sky blue"})
	require.NoError(t, err)
	assert.Empty(t, res.CitedChunkIDs)
	assert.True(t, res.Ungrounded)
	assert.Zero(t, res.ContextTokens)
}

func TestQueryStateMachineRejectsIllegalTransitions(t *testing.T) {
	exec := &queryExecution{state: StateReceived}

	require.NoError(t, exec.advance(StateEmbedding))
	err := exec.advance(StateGenerating)
	assert.True(t, types.IsCode(err, types.ErrInternalError))

	require.NoError(t, exec.advance(StateRetrieving))
	require.NoError(t, exec.advance(StateAssembling))
	require.NoError(t, exec.advance(StateGenerating))
	require.NoError(t, exec.advance(StateCompleted))

	// Terminal states admit nothing further.
	assert.Error(t, exec.advance(StateErrored))
	assert.Error(t, exec.advance(StateEmbedding))
}
