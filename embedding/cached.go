package embedding

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/javis-ai/javis/cache"
)

// CachedProvider memoizes embeddings by content hash in the cache layer and
// collapses concurrent identical requests with singleflight. Cache failures
// are logged and bypassed; the wrapper never changes results, only latency.
type CachedProvider struct {
	inner  Provider
	cache  cache.Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedProvider wraps an embedding provider with cache memoization.
func NewCachedProvider(inner Provider, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedProvider{
		inner:  inner,
		cache:  c,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

func (p *CachedProvider) Name() string    { return p.inner.Name() }
func (p *CachedProvider) Dimensions() int { return p.inner.Dimensions() }

// Embed delegates to the inner provider, caching each input individually.
func (p *CachedProvider) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	purpose := string(req.InputType)
	if purpose == "" {
		purpose = string(InputTypeDocument)
	}

	vectors := make([][]float64, len(req.Input))
	var missing []int
	for i, text := range req.Input {
		if vec, ok := p.lookup(ctx, text, purpose); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return &EmbedResponse{Provider: p.Name(), Model: req.Model, Vectors: vectors}, nil
	}

	inputs := make([]string, len(missing))
	for i, idx := range missing {
		inputs[i] = req.Input[idx]
	}

	resp, err := p.inner.Embed(ctx, &EmbedRequest{
		Input:     inputs,
		Model:     req.Model,
		InputType: req.InputType,
	})
	if err != nil {
		return nil, err
	}

	for i, idx := range missing {
		vectors[idx] = resp.Vectors[i]
		p.store(ctx, req.Input[idx], purpose, resp.Vectors[i])
	}

	return &EmbedResponse{Provider: resp.Provider, Model: resp.Model, Vectors: vectors}, nil
}

// EmbedQuery embeds a single query with cache lookup and singleflight on the
// content hash, so concurrent identical queries hit the backend once.
func (p *CachedProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	purpose := string(InputTypeQuery)
	if vec, ok := p.lookup(ctx, query, purpose); ok {
		return vec, nil
	}

	key := p.key(query, purpose)
	v, err, _ := p.group.Do(key, func() (any, error) {
		vec, err := p.inner.EmbedQuery(ctx, query)
		if err != nil {
			return nil, err
		}
		p.store(ctx, query, purpose, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

// EmbedDocuments embeds multiple documents through the per-input cache.
func (p *CachedProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &EmbedRequest{Input: documents, InputType: InputTypeDocument})
	if err != nil {
		return nil, err
	}
	return resp.Vectors, nil
}

func (p *CachedProvider) key(text, purpose string) string {
	return cache.Key(Normalize(text), purpose+"-embed", p.inner.Name()+"/"+modelTag(p.inner))
}

func (p *CachedProvider) lookup(ctx context.Context, text, purpose string) ([]float64, bool) {
	raw, err := p.cache.Get(ctx, p.key(text, purpose))
	if err != nil {
		if !cache.IsCacheMiss(err) {
			p.logger.Warn("embedding cache read failed, bypassing", zap.Error(err))
		}
		return nil, false
	}

	var vec []float64
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		p.logger.Warn("embedding cache entry corrupt, bypassing", zap.Error(err))
		return nil, false
	}
	if len(vec) != p.inner.Dimensions() {
		// Stale entry from a previous model version; ignore it.
		return nil, false
	}
	return vec, true
}

func (p *CachedProvider) store(ctx context.Context, text, purpose string, vec []float64) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, p.key(text, purpose), string(data), p.ttl); err != nil {
		p.logger.Warn("embedding cache write failed", zap.Error(err))
	}
}

// modelTag extracts a version tag for cache keys from the provider's
// dimensionality, which changes whenever the collection model changes.
func modelTag(p Provider) string {
	return "d" + strconv.Itoa(p.Dimensions())
}
