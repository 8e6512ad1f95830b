package cache

import (
	"context"
	"time"
)

// Token is a provider-level access credential with its absolute expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// AuthenticateFunc performs one raw authentication call against a provider.
type AuthenticateFunc func(ctx context.Context) (Token, error)

// TokenSource hands out provider access credentials, caching them per
// provider and collapsing concurrent refreshes for the same provider onto a
// single authenticate call.
type TokenSource interface {
	// Token returns a cached, unexpired credential for the provider, or
	// performs exactly one authenticate call to obtain a fresh one.
	Token(ctx context.Context, provider string, authenticate AuthenticateFunc) (string, error)
	// Invalidate drops the cached credential for a provider, forcing the
	// next Token call to re-authenticate.
	Invalidate(ctx context.Context, provider string)
}
