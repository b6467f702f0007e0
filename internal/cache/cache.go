// Package cache provides the read-through TTL cache used for hot list
// endpoints. The backend is Redis; when it is unreachable every operation
// degrades to "cache disabled" without failing the caller.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key is absent or the backend is
// unavailable. Callers treat both the same way: compute directly.
var ErrMiss = errors.New("cache miss")

// Cache is the capability injected into the service. Nop stands in when
// caching is disabled.
type Cache interface {
	Get(ctx context.Context, key string, target any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Invalidate(ctx context.Context, keys ...string)
	InvalidatePrefix(ctx context.Context, prefix string)
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "cache:"}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "cache:"}
}

func (c *RedisCache) key(key string) string {
	return c.prefix + key
}

func (c *RedisCache) Get(ctx context.Context, key string, target any) error {
	raw, err := c.client.Get(ctx, c.key(key)).Result()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		// Backend trouble is a miss, not a failure.
		return ErrMiss
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return ErrMiss
	}
	return nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Printf("cache: marshal %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		log.Printf("cache: set %s: %v", key, err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.key(key)
	}
	if err := c.client.Del(ctx, prefixed...).Err(); err != nil {
		log.Printf("cache: invalidate: %v", err)
	}
}

func (c *RedisCache) InvalidatePrefix(ctx context.Context, prefix string) {
	iter := c.client.Scan(ctx, 0, c.key(prefix)+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		log.Printf("cache: scan prefix %s: %v", prefix, err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		log.Printf("cache: invalidate prefix %s: %v", prefix, err)
	}
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Nop is the disabled-cache implementation.
type Nop struct{}

func (Nop) Get(context.Context, string, any) error          { return ErrMiss }
func (Nop) Set(context.Context, string, any, time.Duration) {}
func (Nop) Invalidate(context.Context, ...string)           {}
func (Nop) InvalidatePrefix(context.Context, string)        {}

// Cached is the read-through helper: hit returns the cached value, miss
// computes and stores it, and a broken backend means compute-only.
func Cached[T any](ctx context.Context, c Cache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var cached T
	if err := c.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}
	value, err := compute(ctx)
	if err != nil {
		return value, err
	}
	c.Set(ctx, key, value, ttl)
	return value, nil
}
