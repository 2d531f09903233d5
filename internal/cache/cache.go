// Package cache provides TTL-bounded memoization of EPG query results and
// current-program lookups, backed by Redis: a small get/set/del/keys
// contract over one client rather than ad-hoc per-caller cache fields.
package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	rdb *redis.Client
}

func New(addr string) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewFromClient wraps an already-constructed client (tests use this with a
// miniredis-backed client so no real Redis server is required).
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func (c *Cache) Close() error { return c.rdb.Close() }

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// Keys returns all keys matching a glob pattern (e.g. "epg:*"); the EPG
// ingester uses it to invalidate everything under epg:* after a refresh.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

// DelPattern deletes every key matching pattern in one round trip per batch.
func (c *Cache) DelPattern(ctx context.Context, pattern string) error {
	keys, err := c.Keys(ctx, pattern)
	if err != nil {
		return err
	}
	return c.Del(ctx, keys...)
}

// Key joins cache key segments. The package stays deliberately thin (raw
// bytes in, raw bytes out) since the TTL semantics are the entire
// contract; callers own their own encodings.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
