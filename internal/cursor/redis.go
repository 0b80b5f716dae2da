package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps cursors in Redis as RFC3339Nano strings under
// "<prefix>:<key>", so several pollers can share them.
type RedisStore struct {
	client *redis.Client
	prefix string
	owned  bool
	closed atomic.Bool
}

// RedisConfig configures a RedisStore
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewRedisStoreWithClient(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. Close leaves the
// client open.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "eventpoller:cursor"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get returns the cursor for key
func (s *RedisStore) Get(ctx context.Context, key string) (time.Time, bool, error) {
	if s.closed.Load() {
		return time.Time{}, false, ErrStoreClosed
	}

	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get cursor: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cursor %q: %w", val, err)
	}
	return t.UTC(), true, nil
}

// Set stores the cursor for key
func (s *RedisStore) Set(ctx context.Context, key string, t time.Time) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	if err := s.client.Set(ctx, s.key(key), t.UTC().Format(time.RFC3339Nano), 0).Err(); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// Close closes the client if the store created it
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Name returns the store name
func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}
