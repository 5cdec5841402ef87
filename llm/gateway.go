package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/javis-ai/javis/llm/retry"
	"github.com/javis-ai/javis/types"
)

// GatewayConfig configures the resilient inference gateway.
type GatewayConfig struct {
	// RequestTimeout bounds each individual attempt, not the whole call.
	RequestTimeout time.Duration `json:"request_timeout"`
	// MaxRetries is the bounded retry count after the first attempt.
	MaxRetries int `json:"max_retries"`
	// RatePerSecond is a client-side request rate limit. Zero disables it.
	RatePerSecond float64 `json:"rate_per_second"`
}

// Gateway wraps a Provider with per-attempt timeouts, bounded retries with
// exponential backoff, and an optional client-side rate limit. After retry
// exhaustion it surfaces GENERATION_FAILED carrying the last underlying
// error.
type Gateway struct {
	provider Provider
	cfg      GatewayConfig
	retryer  retry.Retryer
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewGateway creates a gateway around the given provider.
func NewGateway(provider Provider, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Gateway{
		provider: provider,
		cfg:      cfg,
		retryer:  retry.NewBackoffRetryer(policy, logger),
		limiter:  limiter,
		logger:   logger.With(zap.String("component", "inference_gateway")),
	}
}

// Name returns the wrapped provider name.
func (g *Gateway) Name() string { return g.provider.Name() }

func (g *Gateway) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// Generate issues a synchronous generation request. Each attempt runs under
// its own timeout; timeouts and transport failures are retried up to the
// configured bound.
func (g *Gateway) Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = g.cfg.RequestTimeout
	}

	var resp *ChatResponse
	err := g.retryer.Do(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		r, err := g.provider.Completion(attemptCtx, req)
		if err != nil {
			// An attempt timeout is transient unless the caller itself is done.
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return types.NewError(types.ErrUpstreamTimeout, "inference request timed out").
					WithRetryable(true).
					WithCause(err).
					WithComponent(g.provider.Name())
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if types.IsCode(err, types.ErrValidation) || types.IsCode(err, types.ErrInvalidRequest) {
			return nil, err
		}
		g.logger.Error("generation failed after retries",
			zap.Int("max_retries", g.cfg.MaxRetries),
			zap.Error(err),
		)
		return nil, types.NewError(types.ErrGenerationFailed, "generation failed after retries").
			WithCause(err).
			WithComponent(g.provider.Name())
	}
	return resp, nil
}

// GenerateStream opens a streaming generation. Connection establishment is
// retried; once the stream is open, fragments flow without retry and
// cancellation propagates to the provider.
func (g *Gateway) GenerateStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	var ch <-chan StreamChunk
	err := g.retryer.Do(ctx, func() error {
		c, err := g.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrGenerationFailed, "stream open failed after retries").
			WithCause(err).
			WithComponent(g.provider.Name())
	}
	return ch, nil
}

// HealthCheck probes the wrapped provider.
func (g *Gateway) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return g.provider.HealthCheck(ctx)
}
