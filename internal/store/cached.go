package store

import (
	"context"
	"encoding/json"
	"time"

	"runbox/internal/cache"
	appErr "runbox/pkg/errors"
)

const cacheKeyPrefix = "runbox:submission:"

const (
	defaultCacheTTL      = 30 * time.Minute
	defaultCacheEmptyTTL = 5 * time.Minute
)

// CachedStore decorates a Store with a read-through cache. Only terminal
// records are cached: they are immutable, so a hit can never serve a stale
// status. Unknown tokens are cached as a null sentinel.
type CachedStore struct {
	Store
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewCachedStore wraps inner with the given cache.
func NewCachedStore(inner Store, c cache.Cache, ttl, emptyTTL time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultCacheEmptyTTL
	}
	return &CachedStore{Store: inner, cache: c, ttl: ttl, emptyTTL: emptyTTL}
}

func (s *CachedStore) Get(ctx context.Context, idOrToken string) (*Submission, error) {
	sub, err := cache.GetWithCached(
		ctx,
		s.cache,
		cacheKeyPrefix+idOrToken,
		cache.JitterTTL(s.ttl),
		cache.JitterTTL(s.emptyTTL),
		func(sub *Submission) bool { return sub == nil },
		marshalSubmission,
		unmarshalSubmission,
		func(ctx context.Context) (*Submission, error) {
			sub, err := s.Store.Get(ctx, idOrToken)
			if err != nil {
				if appErr.Is(err, appErr.SubmissionNotFound) {
					return nil, nil
				}
				return nil, err
			}
			// Non-terminal records go straight through; caching them
			// would let observers see status regressions.
			if !sub.Status.IsTerminal() {
				return sub, errSkipCache
			}
			return sub, nil
		},
	)
	if err == errSkipCache {
		return s.Store.Get(ctx, idOrToken)
	}
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, appErr.New(appErr.SubmissionNotFound)
	}
	return sub, nil
}

// MarkTerminal writes through to the store, then primes the cache with the
// final record under both the id and the token.
func (s *CachedStore) MarkTerminal(ctx context.Context, id string, res TerminalResult) (*Submission, error) {
	sub, err := s.Store.MarkTerminal(ctx, id, res)
	if err != nil {
		return sub, err
	}
	if payload := marshalSubmission(sub); payload != "" {
		_ = s.cache.Set(ctx, cacheKeyPrefix+sub.ID, payload, cache.JitterTTL(s.ttl))
		if sub.Token != "" {
			_ = s.cache.Set(ctx, cacheKeyPrefix+sub.Token, payload, cache.JitterTTL(s.ttl))
		}
	}
	return sub, nil
}

var errSkipCache = appErr.New(appErr.CacheError).WithMessage("skip caching non-terminal record")

func marshalSubmission(sub *Submission) string {
	if sub == nil {
		return ""
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalSubmission(data string) (*Submission, error) {
	var sub Submission
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
