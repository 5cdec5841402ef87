// Package javis is the composition root of the retrieval-augmented query
// engine: it wires the embedding provider, vector store, cache, session
// store, and inference gateway into a ready-to-use engine.
package javis

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/javis-ai/javis/cache"
	"github.com/javis-ai/javis/config"
	"github.com/javis-ai/javis/embedding"
	"github.com/javis-ai/javis/internal/metrics"
	"github.com/javis-ai/javis/llm"
	"github.com/javis-ai/javis/llm/ollama"
	"github.com/javis-ai/javis/rag"
	"github.com/javis-ai/javis/tokenizer"
)

// Engine bundles the query orchestrator and the ingestion pipeline over a
// shared store, cache, and session state.
type Engine struct {
	Orchestrator *rag.Orchestrator
	Ingestor     *rag.Ingestor
	Store        rag.VectorStore
	Sessions     rag.SessionStore

	cache  cache.Cache
	logger *zap.Logger
}

// Options tune engine construction beyond the configuration file.
type Options struct {
	// Registerer receives the engine's Prometheus instruments. Nil uses the
	// default registerer; metrics can not be disabled, only redirected.
	Registerer prometheus.Registerer

	// Store overrides the Qdrant-backed vector store, e.g. with
	// rag.NewMemoryStore for embedded deployments.
	Store rag.VectorStore
}

// New builds the engine from configuration. The cache is best-effort: an
// unreachable Redis degrades to a pass-through cache instead of failing
// construction.
func New(cfg *config.Config, logger *zap.Logger, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l, err := NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	var c cache.Cache = cache.NewNopCache()
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cache.Config{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			DefaultTTL: cfg.Redis.CacheTTL,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without cache", zap.Error(err))
		} else {
			c = rc
		}
	}

	embedder := embedding.NewOllamaProvider(embedding.OllamaConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
	}, logger)

	store := opts.Store
	if store == nil {
		store = rag.NewQdrantStore(rag.QdrantConfig{
			Host:                 cfg.Qdrant.Host,
			Port:                 cfg.Qdrant.Port,
			APIKey:               cfg.Qdrant.APIKey,
			Collection:           cfg.Qdrant.Collection,
			Timeout:              cfg.Qdrant.Timeout,
			AutoCreateCollection: cfg.Qdrant.AutoCreate,
			Distance:             rag.Distance(cfg.Qdrant.Distance),
			VectorSize:           cfg.Embedding.Dimensions,
		}, logger)
	}

	limits := rag.SessionLimits{
		MaxTurns:  cfg.Session.MaxTurns,
		MaxTokens: cfg.Session.MaxTokens,
	}
	var sessions rag.SessionStore
	if cfg.Redis.Enabled {
		rs, err := rag.NewRedisSessionStore(rag.RedisSessionStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Session.TTL,
		}, limits, logger)
		if err != nil {
			logger.Warn("redis unavailable, using in-memory sessions", zap.Error(err))
			sessions = rag.NewMemorySessionStore(limits, logger)
		} else {
			sessions = rs
		}
	} else {
		sessions = rag.NewMemorySessionStore(limits, logger)
	}

	provider := ollama.New(ollama.Config{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.RequestTimeout,
	}, logger)
	gateway := llm.NewGateway(provider, llm.GatewayConfig{
		RequestTimeout: cfg.LLM.RequestTimeout,
		MaxRetries:     cfg.LLM.MaxRetries,
		RatePerSecond:  cfg.LLM.RatePerSecond,
	}, logger)

	tok := tokenizer.ForModel(cfg.LLM.Model)

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collector := metrics.NewCollector(reg)

	orchestrator, err := rag.NewOrchestrator(rag.OrchestratorConfig{
		Model:           cfg.LLM.Model,
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		Stop:            cfg.LLM.Stop,
		TopK:            cfg.Retrieval.TopK,
		TokenBudget:     cfg.Retrieval.TokenBudget,
		ScoreThreshold:  cfg.Retrieval.ScoreThreshold,
		AllowUngrounded: cfg.Retrieval.AllowUngrounded,
		HistoryTurns:    cfg.Session.HistoryTurns,
		CacheTTL:        cfg.Redis.CacheTTL,
	}, embedder, store, sessions, gateway, c, tok, collector, logger)
	if err != nil {
		return nil, err
	}

	chunker, err := rag.NewChunker(rag.ChunkerConfig{
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
	}, tok, logger)
	if err != nil {
		return nil, err
	}

	// Ingestion embeds through the memoizing wrapper so re-ingesting
	// unchanged content never re-hits the embedding backend.
	cachedEmbedder := embedding.NewCachedProvider(embedder, c, cfg.Redis.CacheTTL, logger)
	ingestor := rag.NewIngestor(chunker, cachedEmbedder, store, logger)

	return &Engine{
		Orchestrator: orchestrator,
		Ingestor:     ingestor,
		Store:        store,
		Sessions:     sessions,
		cache:        c,
		logger:       logger,
	}, nil
}

// Close releases the engine's connections.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.cache.Close(); err != nil {
		firstErr = err
	}
	if closer, ok := e.Sessions.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewLogger builds a zap logger from the log configuration.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
