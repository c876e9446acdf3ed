// Package cache provides the read-side cache used in front of the
// submission store.
package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// NullCacheValue is a sentinel representing the cached absence of data.
// Caching misses prevents repeated store lookups for unknown tokens.
const NullCacheValue = "$NULL$"

// Cache is the minimal key-value contract the engine needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	MGet(ctx context.Context, keys ...string) ([]string, error)
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// JitterTTL spreads expirations by up to 10% to avoid synchronized misses.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	max := int64(ttl) / 10
	if max <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return ttl
	}
	return ttl + time.Duration(n.Int64())
}

// GetWithCached implements the cache-aside pattern with null-value caching.
// On a miss it calls fn, stores the result (or the null sentinel) and
// returns it.
func GetWithCached[T any](
	ctx context.Context,
	c Cache,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	isEmpty func(T) bool,
	marshal func(T) string,
	unmarshal func(string) (T, error),
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	if cached, err := c.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, nil
		}
		if result, err := unmarshal(cached); err == nil {
			return result, nil
		}
	}

	result, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	if isEmpty(result) {
		_ = c.Set(ctx, key, NullCacheValue, emptyTTL)
		return zero, nil
	}
	if payload := marshal(result); payload != "" {
		_ = c.Set(ctx, key, payload, ttl)
	}
	return result, nil
}
