package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"runbox/internal/cache"
	appErr "runbox/pkg/errors"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCache(cache.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("init redis cache: %v", err)
	}
	t.Cleanup(func() { _ = redisCache.Close() })
	inner := NewMemoryStore()
	return NewCachedStore(inner, redisCache, time.Minute, time.Second), inner, mr
}

func TestCachedStoreServesTerminalFromCache(t *testing.T) {
	ctx := context.Background()
	cached, inner, mr := newCachedStore(t)

	sub := newTestSubmission("id-1", "tok-1")
	if err := inner.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	code := 0
	if _, err := cached.MarkTerminal(ctx, "id-1", TerminalResult{
		Status:   StatusAccepted,
		Stdout:   []byte("ok\n"),
		ExitCode: &code,
	}); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	// The terminal write primed the cache for both id and token.
	if !mr.Exists(cacheKeyPrefix + "tok-1") {
		t.Fatalf("token cache entry missing")
	}
	if !mr.Exists(cacheKeyPrefix + "id-1") {
		t.Fatalf("id cache entry missing")
	}

	got, err := cached.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAccepted || string(got.Stdout) != "ok\n" {
		t.Fatalf("cached record mismatch: %+v", got)
	}
}

func TestCachedStoreDoesNotCacheNonTerminal(t *testing.T) {
	ctx := context.Background()
	cached, inner, mr := newCachedStore(t)

	if err := inner.Create(ctx, newTestSubmission("id-1", "tok-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := cached.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if mr.Exists(cacheKeyPrefix + "tok-1") {
		t.Fatalf("non-terminal record must not be cached")
	}
}

func TestCachedStoreCachesMisses(t *testing.T) {
	ctx := context.Background()
	cached, _, mr := newCachedStore(t)

	if _, err := cached.Get(ctx, "ghost"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
	val, err := mr.Get(cacheKeyPrefix + "ghost")
	if err != nil {
		t.Fatalf("miss sentinel not cached: %v", err)
	}
	if val != cache.NullCacheValue {
		t.Fatalf("expected null sentinel, got %q", val)
	}

	// The sentinel keeps answering not-found without a store hit.
	if _, err := cached.Get(ctx, "ghost"); !appErr.Is(err, appErr.SubmissionNotFound) {
		t.Fatalf("expected SubmissionNotFound on second read, got %v", err)
	}
}
