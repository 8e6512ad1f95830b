package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/selfwork/taxgate/cache"
)

// TokenSource implements cache.TokenSource backed by Redis, so that several
// engine instances can share one credential per provider. Refreshes are still
// serialized per provider within a process; cross-process duplicate
// authentications are tolerated (the last write wins).
type TokenSource struct {
	client *redis.Client
	prefix string
	margin time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTokenSource creates a Redis-backed token source.
func NewTokenSource(client *redis.Client, prefix string, margin time.Duration) *TokenSource {
	return &TokenSource{
		client: client,
		prefix: prefix,
		margin: margin,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *TokenSource) redisKey(provider string) string {
	return fmt.Sprintf("%s:provider-token:%s", s.prefix, provider)
}

func (s *TokenSource) providerLock(provider string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[provider]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[provider] = lock
	}
	return lock
}

func (s *TokenSource) cached(ctx context.Context, provider string) (string, bool) {
	value, err := s.client.Get(ctx, s.redisKey(provider)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("provider", provider).
				Msg("failed to read provider token from redis")
		}
		return "", false
	}
	return value, true
}

// Token implements cache.TokenSource.Token.
func (s *TokenSource) Token(ctx context.Context, provider string, authenticate cache.AuthenticateFunc) (string, error) {
	if value, ok := s.cached(ctx, provider); ok {
		return value, nil
	}

	lock := s.providerLock(provider)
	lock.Lock()
	defer lock.Unlock()

	if value, ok := s.cached(ctx, provider); ok {
		return value, nil
	}

	token, err := authenticate(ctx)
	if err != nil {
		return "", err
	}

	ttl := time.Until(token.ExpiresAt) - s.margin
	if ttl <= 0 {
		return token.Value, nil
	}

	if err := s.client.Set(ctx, s.redisKey(provider), token.Value, ttl).Err(); err != nil {
		// The credential is valid even if caching failed.
		log.Ctx(ctx).Warn().Err(err).
			Str("provider", provider).
			Msg("failed to cache provider token in redis")
	}

	return token.Value, nil
}

// Invalidate implements cache.TokenSource.Invalidate.
func (s *TokenSource) Invalidate(ctx context.Context, provider string) {
	if err := s.client.Del(ctx, s.redisKey(provider)).Err(); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("provider", provider).
			Msg("failed to invalidate provider token in redis")
	}
}
