// Package lock provides cross-instance coordination: one-shot execution
// claims and a mutex for exclusive background runs.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryClaims grants each key once per TTL within a single process.
type MemoryClaims struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{expires: map[string]time.Time{}, now: time.Now}
}

func (c *MemoryClaims) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.expires[key] = now.Add(ttl)

	for k, exp := range c.expires {
		if !now.Before(exp) {
			delete(c.expires, k)
		}
	}
	return true, nil
}

// RedisClaims grants each key once per TTL across every instance sharing the
// Redis server.
type RedisClaims struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisClaims(client redis.UniversalClient, prefix string) *RedisClaims {
	return &RedisClaims{client: client, prefix: prefix}
}

func (c *RedisClaims) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}
