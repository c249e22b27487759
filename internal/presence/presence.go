// Package presence mirrors the connection registry's online set into a store
// that other processes can read.
package presence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrInvalidConfig    = errors.New("invalid presence configuration")
	ErrInvalidStoreType = errors.New("invalid presence store type")
)

type Store interface {
	MarkOnline(ctx context.Context, identity string, since time.Time) error
	MarkOffline(ctx context.Context, identity string) error
	// Touch extends the lifetime of an online record.
	Touch(ctx context.Context, identity string) error
	Online(ctx context.Context) ([]string, error)
	Close() error
}

type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

type storeConfig struct {
	redisClient *redis.Client
	ttl         time.Duration
	keyPrefix   string
}

type StoreOption func(*storeConfig)

func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithTTL bounds how long a record survives without Touch. Redis only.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

func WithKeyPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.keyPrefix = prefix
	}
}

// NewStore creates the store named by storeType. Redis requires WithRedisClient.
func NewStore(storeType StoreType, opts ...StoreOption) (Store, error) {
	cfg := &storeConfig{ttl: 2 * time.Minute, keyPrefix: "presence:"}
	for _, opt := range opts {
		opt(cfg)
	}

	switch storeType {
	case StoreTypeMemory:
		return newMemoryStore(), nil
	case StoreTypeRedis:
		if cfg.redisClient == nil || cfg.ttl <= 0 {
			return nil, ErrInvalidConfig
		}
		return &redisStore{client: cfg.redisClient, ttl: cfg.ttl, prefix: cfg.keyPrefix}, nil
	default:
		return nil, ErrInvalidStoreType
	}
}
