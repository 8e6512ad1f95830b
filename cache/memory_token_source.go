package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
)

// MemoryTokenSource implements TokenSource using ttlcache, keyed by provider
// name. A per-provider mutex serializes refreshes so that concurrent callers
// missing the cache collapse onto one authenticate call.
type MemoryTokenSource struct {
	cache  *ttlcache.Cache[string, Token]
	margin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryTokenSource creates an in-memory token source. margin is
// subtracted from each token's lifetime so a credential is refreshed shortly
// before the provider would reject it.
func NewMemoryTokenSource(margin time.Duration) *MemoryTokenSource {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, Token](),
	)
	go cache.Start()

	return &MemoryTokenSource{
		cache:  cache,
		margin: margin,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryTokenSource) providerLock(provider string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[provider]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[provider] = lock
	}
	return lock
}

func (s *MemoryTokenSource) cached(provider string) (string, bool) {
	item := s.cache.Get(provider)
	if item == nil {
		return "", false
	}
	token := item.Value()
	if time.Now().After(token.ExpiresAt) {
		return "", false
	}
	return token.Value, true
}

// Token implements TokenSource.Token. Expiry is lazy: nothing refreshes a
// token until the first use after it expired.
func (s *MemoryTokenSource) Token(ctx context.Context, provider string, authenticate AuthenticateFunc) (string, error) {
	if value, ok := s.cached(provider); ok {
		return value, nil
	}

	lock := s.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if value, ok := s.cached(provider); ok {
		return value, nil
	}

	token, err := authenticate(ctx)
	if err != nil {
		return "", err
	}

	ttl := time.Until(token.ExpiresAt) - s.margin
	if ttl <= 0 {
		// Short-lived credential, still usable for this call but not
		// worth caching.
		log.Ctx(ctx).Warn().
			Str("provider", provider).
			Time("expires_at", token.ExpiresAt).
			Msg("provider token expires within safety margin, not caching")
		return token.Value, nil
	}

	s.cache.Set(provider, token, ttl)
	log.Ctx(ctx).Debug().
		Str("provider", provider).
		Time("expires_at", token.ExpiresAt).
		Msg("provider token cached")

	return token.Value, nil
}

// Invalidate implements TokenSource.Invalidate.
func (s *MemoryTokenSource) Invalidate(_ context.Context, provider string) {
	s.cache.Delete(provider)
}

// Close stops the cache's expiry loop.
func (s *MemoryTokenSource) Close() {
	s.cache.Stop()
}
