// Package tokens issues and consumes one-time device registration tokens.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 24 * time.Hour

const tokenBytes = 32

// Authority issues and consumes registration tokens.
type Authority struct {
	store interfaces.TokenStore
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

func NewAuthority(store interfaces.TokenStore, log *slog.Logger, opts ...Option) *Authority {
	a := &Authority{
		store: store,
		ttl:   DefaultTTL,
		now:   time.Now,
		log:   log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue creates a fresh unused token attributed to issuer.
func (a *Authority) Issue(ctx context.Context, issuer string) (*interfaces.AuthorizationToken, error) {
	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := a.now().UTC()
	token := &interfaces.AuthorizationToken{
		Token:     hex.EncodeToString(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
		IssuedBy:  issuer,
	}
	if err := a.store.CreateToken(ctx, token); err != nil {
		return nil, err
	}

	a.log.Info("issued registration token", "token", Redact(token.Token), "issuedBy", issuer, "expiresAt", token.ExpiresAt)
	return token, nil
}

// Consume atomically validates the token and marks it used.
func (a *Authority) Consume(ctx context.Context, token string) (*interfaces.AuthorizationToken, error) {
	if token == "" {
		return nil, interfaces.ErrInvalidToken
	}
	consumed, err := a.store.ConsumeToken(ctx, token, a.now().UTC())
	if err != nil {
		a.log.Debug("token rejected", "token", Redact(token), "err", err)
		return nil, err
	}
	return consumed, nil
}

// ListActive returns unused, unexpired tokens, newest first.
func (a *Authority) ListActive(ctx context.Context) ([]interfaces.AuthorizationToken, error) {
	return a.store.ListActiveTokens(ctx, a.now().UTC())
}

// Now returns the authority's clock reading.
func (a *Authority) Now() time.Time {
	return a.now()
}

// Redact shortens a token for logging.
func Redact(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
