package override

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
)

// DenialCounter counts access denials per key inside a sliding-from-first
// window: the window starts at the first denial and the count resets when it
// lapses.
type DenialCounter interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

type memoryEntry struct {
	count   int64
	expires time.Time
}

// MemoryCounter keeps counts in process. Counts are lost on restart.
// Expired keys are swept at most once per window.
type MemoryCounter struct {
	mu        sync.Mutex
	clock     clock.Clock
	entries   map[string]memoryEntry
	nextSweep time.Time
}

func NewMemoryCounter(clk clock.Clock) *MemoryCounter {
	return &MemoryCounter{clock: clk, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
		c.nextSweep = now.Add(window)
	}
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expires) {
		e = memoryEntry{expires: now.Add(window)}
	}
	e.count++
	c.entries[key] = e
	return e.count, nil
}

func (c *MemoryCounter) sweep(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// RedisCounter shares counts across API replicas.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "fortress:denials:"}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := c.prefix + key
	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", k, err)
	}
	if n == 1 {
		if err := c.client.Expire(ctx, k, window).Err(); err != nil {
			return 0, fmt.Errorf("redis expire %s: %w", k, err)
		}
	}
	return n, nil
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
