package datastore

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/device-relay-backend/interfaces"
)

const (
	redisTokenPrefix = "relay:token:"
	redisTokenIndex  = "relay:tokens"

	// Expired tokens are kept this long so consumption reports ErrExpiredToken
	// instead of ErrInvalidToken.
	redisTokenRetention = 24 * time.Hour
)

// consumeScript checks and flips the used flag in one server-side step.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 'invalid'
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
  return 'used'
end
if tonumber(redis.call('HGET', KEYS[1], 'expiresAt')) <= tonumber(ARGV[1]) then
  return 'expired'
end
redis.call('HSET', KEYS[1], 'used', '1')
return 'ok'
`)

// ConnectRedis initializes a Redis client from URL or host:port input.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisTokenStore is an interfaces.TokenStore backed by Redis hashes.
type RedisTokenStore struct {
	client redis.UniversalClient
}

func NewRedisTokenStore(client redis.UniversalClient) *RedisTokenStore {
	return &RedisTokenStore{client: client}
}

func tokenKey(token string) string {
	return redisTokenPrefix + token
}

func (s *RedisTokenStore) CreateToken(ctx context.Context, token *interfaces.AuthorizationToken) error {
	key := tokenKey(token.Token)
	ttl := time.Until(token.ExpiresAt) + redisTokenRetention
	if ttl <= 0 {
		ttl = redisTokenRetention
	}

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]any{
			"createdAt": token.CreatedAt.UnixMilli(),
			"expiresAt": token.ExpiresAt.UnixMilli(),
			"used":      boolFlag(token.Used),
			"issuedBy":  token.IssuedBy,
		})
		p.Expire(ctx, key, ttl)
		p.ZAdd(ctx, redisTokenIndex, redis.Z{Score: float64(token.CreatedAt.UnixMilli()), Member: token.Token})
		return nil
	})
	return storeErr("create token", err)
}

func (s *RedisTokenStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*interfaces.AuthorizationToken, error) {
	if token == "" {
		return nil, interfaces.ErrInvalidToken
	}

	outcome, err := consumeScript.Run(ctx, s.client, []string{tokenKey(token)}, now.UnixMilli()).Text()
	if err != nil {
		return nil, storeErr("consume token", err)
	}

	switch outcome {
	case "ok":
	case "used":
		return nil, interfaces.ErrTokenAlreadyUsed
	case "expired":
		return nil, interfaces.ErrExpiredToken
	default:
		return nil, interfaces.ErrInvalidToken
	}

	fields, err := s.client.HGetAll(ctx, tokenKey(token)).Result()
	if err != nil {
		return nil, storeErr("read token", err)
	}
	return tokenFromHash(token, fields), nil
}

func (s *RedisTokenStore) ListActiveTokens(ctx context.Context, now time.Time) ([]interfaces.AuthorizationToken, error) {
	members, err := s.client.ZRevRange(ctx, redisTokenIndex, 0, -1).Result()
	if err != nil {
		return nil, storeErr("list tokens", err)
	}
	if len(members) == 0 {
		return []interfaces.AuthorizationToken{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, member := range members {
			cmds[i] = p.HGetAll(ctx, tokenKey(member))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list tokens", err)
	}

	tokens := []interfaces.AuthorizationToken{}
	var gone []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			gone = append(gone, members[i])
			continue
		}
		t := tokenFromHash(members[i], fields)
		if t.IsValid(now) {
			tokens = append(tokens, *t)
		}
	}

	if len(gone) > 0 {
		// Hashes expired by Redis leave index members behind.
		_ = s.client.ZRem(ctx, redisTokenIndex, gone...).Err()
	}
	return tokens, nil
}

// Close closes the underlying client.
func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}

func tokenFromHash(token string, fields map[string]string) *interfaces.AuthorizationToken {
	createdAt, _ := strconv.ParseInt(fields["createdAt"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["expiresAt"], 10, 64)
	return &interfaces.AuthorizationToken{
		Token:     token,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		ExpiresAt: time.UnixMilli(expiresAt).UTC(),
		Used:      fields["used"] == "1",
		IssuedBy:  fields["issuedBy"],
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// tokenOverride routes token operations to a dedicated TokenStore.
type tokenOverride struct {
	interfaces.Store
	tokens interfaces.TokenStore
}

// WithTokenStore returns a store that keeps tokens in tokens and everything
// else in store.
func WithTokenStore(store interfaces.Store, tokens interfaces.TokenStore) interfaces.Store {
	return &tokenOverride{Store: store, tokens: tokens}
}

func (s *tokenOverride) CreateToken(ctx context.Context, token *interfaces.AuthorizationToken) error {
	return s.tokens.CreateToken(ctx, token)
}

func (s *tokenOverride) ConsumeToken(ctx context.Context, token string, now time.Time) (*interfaces.AuthorizationToken, error) {
	return s.tokens.ConsumeToken(ctx, token, now)
}

func (s *tokenOverride) ListActiveTokens(ctx context.Context, now time.Time) ([]interfaces.AuthorizationToken, error) {
	return s.tokens.ListActiveTokens(ctx, now)
}

func (s *tokenOverride) Close() error {
	err := s.Store.Close()
	if closer, ok := s.tokens.(io.Closer); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
