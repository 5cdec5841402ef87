package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/cache"
	"github.com/javis-ai/javis/internal/metrics"
	"github.com/javis-ai/javis/llm"
	"github.com/javis-ai/javis/tokenizer"
	"github.com/javis-ai/javis/types"
)

// QueryState is the lifecycle state of one query execution.
type QueryState string

const (
	StateReceived   QueryState = "received"
	StateEmbedding  QueryState = "embedding"
	StateRetrieving QueryState = "retrieving"
	StateAssembling QueryState = "assembling"
	StateGenerating QueryState = "generating"
	StateCompleted  QueryState = "completed"
	StateErrored    QueryState = "errored"
)

// legalTransitions is the forward path; errored is reachable from any
// non-terminal state.
var legalTransitions = map[QueryState]QueryState{
	StateReceived:   StateEmbedding,
	StateEmbedding:  StateRetrieving,
	StateRetrieving: StateAssembling,
	StateAssembling: StateGenerating,
	StateGenerating: StateCompleted,
}

type queryExecution struct {
	state QueryState
}

func (e *queryExecution) advance(next QueryState) error {
	if next == StateErrored {
		if e.state == StateCompleted || e.state == StateErrored {
			return types.Errorf(types.ErrInternalError,
				"illegal state transition %s -> errored", e.state)
		}
		e.state = StateErrored
		return nil
	}
	if legalTransitions[e.state] != next {
		return types.Errorf(types.ErrInternalError,
			"illegal state transition %s -> %s", e.state, next)
	}
	e.state = next
	return nil
}

// Generator is the inference surface the orchestrator needs; *llm.Gateway
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	Name() string
}

// QueryEmbedder is the embedding surface the orchestrator needs; any
// embedding.Provider satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float64, error)
	Name() string
	Dimensions() int
}

// QueryRequest is one user question against the knowledge base.
type QueryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	// DocumentFilter restricts retrieval to the given documents.
	DocumentFilter *SearchFilter `json:"document_filter,omitempty"`
}

// LatencyBreakdown reports per-stage wall time for one query.
type LatencyBreakdown struct {
	Embed    time.Duration `json:"embed"`
	Retrieve time.Duration `json:"retrieve"`
	Assemble time.Duration `json:"assemble"`
	Generate time.Duration `json:"generate"`
	Total    time.Duration `json:"total"`
}

// QueryResult is the committed outcome of a completed query.
type QueryResult struct {
	SessionID     string           `json:"session_id"`
	Query         string           `json:"query"`
	Answer        string           `json:"answer"`
	CitedChunkIDs []string         `json:"cited_chunk_ids,omitempty"`
	ContextTokens int              `json:"context_tokens"`
	Ungrounded    bool             `json:"ungrounded,omitempty"`
	Latency       LatencyBreakdown `json:"latency"`

	EmbeddingCacheHit bool `json:"embedding_cache_hit"`
	AnswerCacheHit    bool `json:"answer_cache_hit"`
}

// OrchestratorConfig carries the retrieval, session, and model knobs the
// orchestrator needs.
type OrchestratorConfig struct {
	Model           string
	MaxTokens       int
	Temperature     float32
	Stop            []string
	TopK            int
	TokenBudget     int
	ScoreThreshold  float64
	AllowUngrounded bool
	HistoryTurns    int
	CacheTTL        time.Duration
}

// Orchestrator runs the query pipeline: embed, retrieve, assemble, generate,
// commit. A turn is recorded and the answer cached only when the whole
// pipeline succeeds; an error or cancellation at any stage leaves the session
// and cache untouched.
type Orchestrator struct {
	cfg       OrchestratorConfig
	embedder  QueryEmbedder
	store     VectorStore
	assembler *Assembler
	sessions  SessionStore
	generator Generator
	cache     cache.Cache
	tokenizer tokenizer.Tokenizer
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewOrchestrator wires the pipeline. cache may be a NopCache; metrics may be
// nil to disable instrumentation.
func NewOrchestrator(
	cfg OrchestratorConfig,
	embedder QueryEmbedder,
	store VectorStore,
	sessions SessionStore,
	generator Generator,
	c cache.Cache,
	tok tokenizer.Tokenizer,
	collector *metrics.Collector,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if cfg.TopK <= 0 {
		return nil, types.NewError(types.ErrValidation, "top_k must be > 0").
			WithComponent("orchestrator")
	}
	if cfg.TokenBudget <= 0 {
		return nil, types.NewError(types.ErrValidation, "token budget must be > 0").
			WithComponent("orchestrator")
	}
	if cfg.MaxTokens >= cfg.TokenBudget {
		return nil, types.NewError(types.ErrValidation,
			"max_tokens must be smaller than the token budget").
			WithComponent("orchestrator")
	}
	if embedder == nil || store == nil || sessions == nil || generator == nil || tok == nil {
		return nil, types.NewError(types.ErrValidation, "orchestrator dependency missing").
			WithComponent("orchestrator")
	}
	if c == nil {
		c = cache.NewNopCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		embedder:  embedder,
		store:     store,
		assembler: NewAssembler(tok, logger),
		sessions:  sessions,
		generator: generator,
		cache:     c,
		tokenizer: tok,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "orchestrator")),
	}, nil
}

const groundedSystemPrompt = "You are a helpful assistant. Answer the question using only the numbered context passages below. Cite passages by their number. If the context does not contain the answer, say so."

const ungroundedSystemPrompt = "You are a helpful assistant. No reference passages are available for this question; answer from general knowledge and say when you are unsure."

// Query executes one question end to end.
func (o *Orchestrator) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	started := time.Now()
	exec := &queryExecution{state: StateReceived}

	result, err := o.run(ctx, exec, req, started)
	if err != nil {
		_ = exec.advance(StateErrored)
		if o.metrics != nil {
			o.metrics.QueryErrored(string(types.GetErrorCode(err)))
		}
		o.logger.Warn("query failed",
			zap.String("session_id", req.SessionID),
			zap.String("state", string(exec.state)),
			zap.Error(err))
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.QueryCompleted()
		o.metrics.ObserveStage(metrics.StageTotal, result.Latency.Total)
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, exec *queryExecution, req QueryRequest, started time.Time) (*QueryResult, error) {
	query := strings.Join(strings.Fields(req.Query), " ")
	if query == "" {
		return nil, types.NewError(types.ErrValidation, "query is empty").
			WithComponent("orchestrator")
	}
	if req.SessionID == "" {
		return nil, types.NewError(types.ErrValidation, "session id is empty").
			WithComponent("orchestrator")
	}

	result := &QueryResult{SessionID: req.SessionID, Query: query}

	// Embed.
	if err := exec.advance(StateEmbedding); err != nil {
		return nil, err
	}
	embedStart := time.Now()
	vector, embedHit, embedKey, err := o.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	result.EmbeddingCacheHit = embedHit
	result.Latency.Embed = time.Since(embedStart)
	o.observeStage(metrics.StageEmbed, result.Latency.Embed)
	if o.metrics != nil {
		o.metrics.CacheLookup("embedding", embedHit)
	}

	// Retrieve.
	if err := exec.advance(StateRetrieving); err != nil {
		return nil, err
	}
	retrieveStart := time.Now()
	results, err := o.store.Search(ctx, vector, o.cfg.TopK, req.DocumentFilter)
	if err != nil {
		return nil, err
	}
	if o.cfg.ScoreThreshold > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Score >= o.cfg.ScoreThreshold {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	result.Latency.Retrieve = time.Since(retrieveStart)
	o.observeStage(metrics.StageRetrieve, result.Latency.Retrieve)

	if len(results) == 0 && !o.cfg.AllowUngrounded {
		return nil, types.NewError(types.ErrGenerationFailed,
			"no relevant context retrieved and ungrounded answers are disabled").
			WithComponent("orchestrator")
	}

	// Assemble.
	if err := exec.advance(StateAssembling); err != nil {
		return nil, err
	}
	assembleStart := time.Now()
	history, err := o.sessions.History(ctx, req.SessionID, o.cfg.HistoryTurns)
	if err != nil {
		return nil, err
	}
	assembled, err := o.assembleContext(query, history, results)
	if err != nil {
		return nil, err
	}
	result.CitedChunkIDs = assembled.ChunkIDs()
	result.ContextTokens = assembled.TotalTokens
	result.Ungrounded = len(assembled.Chunks) == 0
	result.Latency.Assemble = time.Since(assembleStart)
	o.observeStage(metrics.StageAssemble, result.Latency.Assemble)
	if o.metrics != nil {
		o.metrics.ObserveRetrieval(len(results), assembled.TotalTokens)
	}

	messages := o.buildMessages(query, history, assembled)

	// Generate, consulting the answer cache first.
	if err := exec.advance(StateGenerating); err != nil {
		return nil, err
	}
	generateStart := time.Now()
	answerKey := o.answerKey(messages)
	answer, answerHit := o.cachedAnswer(ctx, answerKey)
	if o.metrics != nil {
		o.metrics.CacheLookup("answer", answerHit)
	}
	if !answerHit {
		resp, err := o.generator.Generate(ctx, &llm.ChatRequest{
			Model:       o.cfg.Model,
			Messages:    messages,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: o.cfg.Temperature,
			Stop:        o.cfg.Stop,
		})
		if err != nil {
			return nil, err
		}
		answer = resp.Content
	}
	result.Answer = answer
	result.AnswerCacheHit = answerHit
	result.Latency.Generate = time.Since(generateStart)
	o.observeStage(metrics.StageGenerate, result.Latency.Generate)

	// Commit. A cancelled caller gets no turn and no cache write; completed
	// is only entered once the turn is durable.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.commit(ctx, commitInput{
		sessionID: req.SessionID,
		query:     query,
		assembled: assembled,
		answer:    answer,
		answerKey: answerKey,
		answerHit: answerHit,
		embedKey:  embedKey,
		embedVec:  vector,
		embedHit:  embedHit,
	}); err != nil {
		return nil, err
	}
	if err := exec.advance(StateCompleted); err != nil {
		return nil, err
	}

	result.Latency.Total = time.Since(started)
	return result, nil
}

// embedQuery resolves the query vector, consulting the cache before the
// embedding backend. Cache failures are logged and bypassed. The memo for a
// fresh embedding is written at commit, so a query that fails later leaves
// the cache untouched.
func (o *Orchestrator) embedQuery(ctx context.Context, query string) ([]float64, bool, string, error) {
	key := cache.Key(query, "query-embed",
		o.embedder.Name()+"/d"+strconv.Itoa(o.embedder.Dimensions()))

	if raw, err := o.cache.Get(ctx, key); err == nil {
		vec, ok := decodeVector(raw, o.embedder.Dimensions())
		if ok {
			return vec, true, key, nil
		}
	} else if !cache.IsCacheMiss(err) {
		o.logger.Warn("embedding cache read failed, bypassing", zap.Error(err))
	}

	vec, err := o.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, false, "", err
	}
	return vec, false, key, nil
}

// assembleContext packs retrieved chunks into what remains of the token
// budget after the scaffolding, history, query, and answer reservation.
func (o *Orchestrator) assembleContext(query string, history []ConversationTurn, results []SearchResult) (*AssembledContext, error) {
	overhead, err := o.tokenizer.CountTokens(groundedSystemPrompt)
	if err != nil {
		return nil, err
	}
	queryTokens, err := o.tokenizer.CountTokens(query)
	if err != nil {
		return nil, err
	}
	historyTokens := 0
	for _, t := range history {
		historyTokens += t.TokenCount
	}

	remaining := o.cfg.TokenBudget - o.cfg.MaxTokens - overhead - historyTokens - queryTokens
	if remaining < 0 {
		remaining = 0
	}
	return o.assembler.Assemble(results, remaining)
}

// buildMessages constructs the chat prompt: system scaffolding with numbered
// context passages, recent history, then the question.
func (o *Orchestrator) buildMessages(query string, history []ConversationTurn, assembled *AssembledContext) []llm.Message {
	var system strings.Builder
	if len(assembled.Chunks) > 0 {
		system.WriteString(groundedSystemPrompt)
		system.WriteString("\n\nContext:\n")
		for i, chunk := range assembled.Chunks {
			fmt.Fprintf(&system, "[%d] %s\n", i+1, chunk.Content)
		}
	} else {
		system.WriteString(ungroundedSystemPrompt)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system.String()}}
	for _, turn := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.Query},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Answer},
		)
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: query})
}

// answerKey derives the cache key from the full canonical prompt, so any
// change in context, history, query, or model produces a different key.
func (o *Orchestrator) answerKey(messages []llm.Message) string {
	var canonical strings.Builder
	for _, m := range messages {
		canonical.WriteString(string(m.Role))
		canonical.WriteByte(0)
		canonical.WriteString(m.Content)
		canonical.WriteByte(0)
	}
	return cache.Key(canonical.String(), "answer", o.generator.Name()+"/"+o.cfg.Model)
}

func (o *Orchestrator) cachedAnswer(ctx context.Context, key string) (string, bool) {
	raw, err := o.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsCacheMiss(err) {
			o.logger.Warn("answer cache read failed, bypassing", zap.Error(err))
		}
		return "", false
	}
	return raw, true
}

// commitInput carries everything commit needs: the turn to record plus the
// cache writes deferred until the pipeline is known good.
type commitInput struct {
	sessionID string
	query     string
	assembled *AssembledContext
	answer    string

	answerKey string
	answerHit bool
	embedKey  string
	embedVec  []float64
	embedHit  bool
}

// commit records the turn and writes the deferred cache entries. Runs only
// after the whole pipeline succeeded; a failed query therefore touches
// neither the session store nor the cache.
func (o *Orchestrator) commit(ctx context.Context, in commitInput) error {
	answerTokens, err := o.tokenizer.CountTokens(in.answer)
	if err != nil {
		return err
	}
	queryTokens, err := o.tokenizer.CountTokens(in.query)
	if err != nil {
		return err
	}

	turn := ConversationTurn{
		Query:      in.query,
		ChunkIDs:   in.assembled.ChunkIDs(),
		Context:    contextText(in.assembled),
		Answer:     in.answer,
		TokenCount: queryTokens + answerTokens,
		CreatedAt:  time.Now(),
	}
	if err := o.sessions.AppendTurn(ctx, in.sessionID, turn); err != nil {
		return err
	}

	if !in.embedHit {
		if err := o.cache.Set(ctx, in.embedKey, encodeVector(in.embedVec), o.cfg.CacheTTL); err != nil {
			o.logger.Warn("embedding cache write failed", zap.Error(err))
		}
	}
	if !in.answerHit {
		if err := o.cache.Set(ctx, in.answerKey, in.answer, o.cfg.CacheTTL); err != nil {
			o.logger.Warn("answer cache write failed", zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, d)
	}
}

func contextText(assembled *AssembledContext) string {
	if len(assembled.Chunks) == 0 {
		return ""
	}
	parts := make([]string, len(assembled.Chunks))
	for i, c := range assembled.Chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n\n")
}

func encodeVector(vec []float64) string {
	data, _ := json.Marshal(vec)
	return string(data)
}

// decodeVector rejects corrupt entries and stale entries whose
// dimensionality no longer matches the active model.
func decodeVector(raw string, wantDims int) ([]float64, bool) {
	var vec []float64
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, false
	}
	if len(vec) != wantDims {
		return nil, false
	}
	return vec, true
}
