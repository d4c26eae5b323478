package datastore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// Options selects and configures the store implementation.
type Options struct {
	// DatabaseURL is memory://, postgres://, postgresql:// or mysql://.
	DatabaseURL string
	// RedisURL, when set, moves registration tokens to Redis.
	RedisURL string
	MaxConns int
}

// Open builds the configured store.
func Open(ctx context.Context, opts Options, log *slog.Logger) (interfaces.Store, error) {
	var store interfaces.Store
	switch schemeOf(opts.DatabaseURL) {
	case "", "memory":
		log.Warn("using in-memory store, state is lost on restart")
		store = NewMemoryStore()
	case "postgres", "postgresql", "mysql":
		sqlStore, err := ConnectSQL(ctx, opts.DatabaseURL, opts.MaxConns, log)
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("unsupported database url scheme: %q", schemeOf(opts.DatabaseURL))
	}

	if opts.RedisURL == "" {
		return store, nil
	}

	client, err := ConnectRedis(ctx, opts.RedisURL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("registration tokens stored in redis")
	return WithTokenStore(store, NewRedisTokenStore(client)), nil
}
