// Package ratelimit implements a fixed-window request counter backed by
// Redis. Each (identifier, action) pair gets its own window; the first
// hit in a window sets the expiry and later hits only increment.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers "is this request allowed". Nop stands in when rate
// limiting is disabled.
type Limiter interface {
	Allow(ctx context.Context, identifier, action string) (bool, error)
}

type RedisLimiter struct {
	client    *redis.Client
	window    time.Duration
	threshold int
}

func NewRedisLimiter(client *redis.Client, window time.Duration, threshold int) *RedisLimiter {
	return &RedisLimiter{client: client, window: window, threshold: threshold}
}

// Allow counts the request against the current window and reports whether
// it fits under the threshold. A broken Redis backend fails open: letting
// traffic through beats refusing all of it.
func (l *RedisLimiter) Allow(ctx context.Context, identifier, action string) (bool, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", identifier, action)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("ratelimit: incr %s: %v", key, err)
		return true, nil
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			log.Printf("ratelimit: expire %s: %v", key, err)
		}
	}
	return count <= int64(l.threshold), nil
}

// Nop allows everything.
type Nop struct{}

func (Nop) Allow(context.Context, string, string) (bool, error) { return true, nil }
