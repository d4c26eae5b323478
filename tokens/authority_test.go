package tokens

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/device-relay-backend/datastore"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupAuthority(t *testing.T, opts ...Option) (*Authority, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append(opts, WithClock(clock.Now))
	return NewAuthority(datastore.NewMemoryStore(), logger, opts...), clock
}

func TestIssue(t *testing.T) {
	authority, clock := setupAuthority(t)

	token, err := authority.Issue(context.Background(), "admin")
	require.NoError(t, err)
	assert.Len(t, token.Token, 64)
	assert.False(t, token.Used)
	assert.Equal(t, "admin", token.IssuedBy)
	assert.Equal(t, clock.Now().Add(DefaultTTL), token.ExpiresAt)

	other, err := authority.Issue(context.Background(), "admin")
	require.NoError(t, err)
	assert.NotEqual(t, token.Token, other.Token)
}

func TestConsume(t *testing.T) {
	authority, clock := setupAuthority(t, WithTTL(time.Hour))
	ctx := context.Background()

	token, err := authority.Issue(ctx, "admin")
	require.NoError(t, err)

	consumed, err := authority.Consume(ctx, token.Token)
	require.NoError(t, err)
	assert.True(t, consumed.Used)

	_, err = authority.Consume(ctx, token.Token)
	assert.ErrorIs(t, err, interfaces.ErrTokenAlreadyUsed)

	_, err = authority.Consume(ctx, "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)

	_, err = authority.Consume(ctx, "unknown")
	assert.ErrorIs(t, err, interfaces.ErrInvalidToken)

	expiring, err := authority.Issue(ctx, "admin")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = authority.Consume(ctx, expiring.Token)
	assert.ErrorIs(t, err, interfaces.ErrExpiredToken)
}

func TestListActive(t *testing.T) {
	authority, clock := setupAuthority(t, WithTTL(time.Hour))
	ctx := context.Background()

	first, err := authority.Issue(ctx, "admin")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := authority.Issue(ctx, "ops")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	used, err := authority.Issue(ctx, "admin")
	require.NoError(t, err)
	_, err = authority.Consume(ctx, used.Token)
	require.NoError(t, err)

	active, err := authority.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, second.Token, active[0].Token)
	assert.Equal(t, first.Token, active[1].Token)

	clock.Advance(58*time.Minute + 30*time.Second)
	active, err = authority.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.Token, active[0].Token)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "abcdefgh...", Redact("abcdefghijklmnop"))
	assert.Equal(t, "short", Redact("short"))
}
