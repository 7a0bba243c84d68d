// redis.go -- go-redis KV backend.
//
// Every key is namespaced under KeyPrefix so the database can be shared with
// the mail queue (see internal/mail/queue.go) and anything else on the instance.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces all KV entries written by RedisStore.
const KeyPrefix = "pennywise:kv:"

// RedisStore wraps a Redis client for KV operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and returns a ready-to-use store.
// It pings Redis to verify connectivity before returning.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying connection for other Redis consumers (mail queue).
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.rdb.Get(ctx, KeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", key, err)
	}
	return raw, nil
}

// Set stores value with no expiry; KV entries live until removed.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, KeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("storing %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, KeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis client and releases all resources.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
