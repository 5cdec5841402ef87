// Package cache provides the memoization layer for embeddings and generation
// results. The cache is an optimization only: every caller must produce
// correct results when all lookups miss.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Cache is the key-value contract consumed by the engine. Implementations
// never return an entry past its TTL.
type Cache interface {
	// Get returns the value for key, or ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl applies the implementation
	// default; entries expire lazily.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error

	// Delete removes the given keys.
	Delete(ctx context.Context, keys ...string) error

	// Close releases the backing connection.
	Close() error
}

// Key derives a stable cache key from the normalized input text, a purpose
// tag, and a model/version tag. Identical inputs always map to the same key;
// any change to text, purpose, or model produces a different key.
func Key(text, purpose, modelTag string) string {
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte{0})
	h.Write([]byte(modelTag))
	h.Write([]byte{0})
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return "javis:" + purpose + ":" + hex.EncodeToString(sum[:16])
}

// NopCache is the disabled cache: every lookup misses and writes are
// discarded. Used when the cache backend is absent or unreachable.
type NopCache struct{}

// NewNopCache creates a no-op cache.
func NewNopCache() *NopCache { return &NopCache{} }

func (*NopCache) Get(context.Context, string) (string, error) { return "", ErrCacheMiss }

func (*NopCache) Set(context.Context, string, string, time.Duration) error { return nil }

func (*NopCache) Delete(context.Context, ...string) error { return nil }

func (*NopCache) Close() error { return nil }
