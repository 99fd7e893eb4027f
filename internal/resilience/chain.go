package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Source names the path that produced a Result.
type Source string

// Result sources.
const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

// Result is a value tagged with the path that produced it.
type Result[T any] struct {
	Value    T      `json:"value"`
	Source   Source `json:"source"`
	Degraded bool   `json:"degraded"`
	Cached   bool   `json:"cached"`
}

// Key identifies a cached operation and its parameters.
type Key struct {
	Operation string
	Params    []string
}

func (k Key) hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(k.Operation)
	for _, p := range k.Params {
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(p)
	}
	return d.Sum64()
}

func (k Key) equal(o Key) bool {
	return k.Operation == o.Operation && slices.Equal(k.Params, o.Params)
}

type cacheEntry[T any] struct {
	key    Key
	result Result[T]
}

// ChainConfig configures the result cache of a Chain.
type ChainConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Chain calls a primary source through a CircuitBreaker and falls back to a
// degraded secondary source on any primary failure.
type Chain[T any] struct {
	breaker *CircuitBreaker
	cache   *expirable.LRU[uint64, cacheEntry[T]]
	logger  *slog.Logger
}

// NewChain creates a Chain guarded by breaker.
func NewChain[T any](breaker *CircuitBreaker, cfg ChainConfig, logger *slog.Logger) *Chain[T] {
	size := cfg.CacheSize
	if size <= 0 {
		size = 128
	}
	return &Chain[T]{
		breaker: breaker,
		cache:   expirable.NewLRU[uint64, cacheEntry[T]](size, nil, cfg.CacheTTL),
		logger:  logger.With("component", "fallback_chain", "breaker", breaker.Name()),
	}
}

// Breaker returns the breaker guarding the primary source.
func (c *Chain[T]) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do returns the cached result for key, or calls primary and then fallback.
//
// When both fail Do returns a zero Result tagged SourceNone and degraded,
// together with an error wrapping ErrAllSourcesFailed.
func (c *Chain[T]) Do(
	ctx context.Context,
	key Key,
	primary func(ctx context.Context) (T, error),
	fallback func(ctx context.Context) (T, error),
) (Result[T], error) {
	h := key.hash()
	if entry, ok := c.cache.Get(h); ok && entry.key.equal(key) {
		cached := entry.result
		cached.Cached = true
		return cached, nil
	}

	value, primaryErr := Execute(ctx, c.breaker, primary)
	if primaryErr == nil {
		result := Result[T]{Value: value, Source: SourcePrimary}
		c.cache.Add(h, cacheEntry[T]{key: key, result: result})
		return result, nil
	}

	c.logger.Warn("primary source failed, using fallback",
		"operation", key.Operation,
		"circuit_open", errors.Is(primaryErr, ErrCircuitOpen),
		"error", primaryErr)

	if fallback == nil {
		return Result[T]{Source: SourceNone, Degraded: true},
			fmt.Errorf("%w: primary: %w", ErrAllSourcesFailed, primaryErr)
	}

	value, fallbackErr := fallback(ctx)
	if fallbackErr == nil {
		result := Result[T]{Value: value, Source: SourceFallback, Degraded: true}
		c.cache.Add(h, cacheEntry[T]{key: key, result: result})
		return result, nil
	}

	c.logger.Error("fallback source failed",
		"operation", key.Operation,
		"error", fallbackErr)

	return Result[T]{Source: SourceNone, Degraded: true},
		fmt.Errorf("%w: primary: %w; fallback: %w", ErrAllSourcesFailed, primaryErr, fallbackErr)
}

// Invalidate drops the cached result for key.
func (c *Chain[T]) Invalidate(key Key) {
	h := key.hash()
	if entry, ok := c.cache.Peek(h); ok && entry.key.equal(key) {
		c.cache.Remove(h)
	}
}

// Purge empties the cache.
func (c *Chain[T]) Purge() {
	c.cache.Purge()
}
