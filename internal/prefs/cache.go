package prefs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prediktapp/notify/internal/config"
)

// Cached flag values. Absence of an explicit preference row is cached too,
// otherwise default-on categories would hit Postgres for every send.
const (
	flagOn     = "1"
	flagOff    = "0"
	flagAbsent = "x"
)

// Cache fronts explicit preference flags with Redis. A nil *Cache is valid
// and means caching is disabled; every method degrades to a miss or no-op.
// Cache errors are never surfaced: a broken cache loses the fast path, not
// correctness.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache connects to Redis when REDIS_URL is configured and returns nil
// otherwise.
func NewCache(cfg *config.Config) (*Cache, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opt), ttl: cfg.PrefCacheTTL}, nil
}

// GetFlags looks up cached flags for one category. It returns explicit flags,
// the set of users known to have no explicit row, and the users the cache
// could not answer for.
func (c *Cache) GetFlags(ctx context.Context, category string, userIDs []string) (flags map[string]bool, absent map[string]bool, miss []string) {
	if c == nil || len(userIDs) == 0 {
		return nil, nil, userIDs
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = flagKey(category, id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, userIDs
	}

	flags = make(map[string]bool)
	absent = make(map[string]bool)
	for i, v := range vals {
		id := userIDs[i]
		switch v {
		case flagOn:
			flags[id] = true
		case flagOff:
			flags[id] = false
		case flagAbsent:
			absent[id] = true
		default:
			miss = append(miss, id)
		}
	}
	return flags, absent, miss
}

// SetFlags caches freshly loaded flags plus the users confirmed to have no
// explicit row.
func (c *Cache) SetFlags(ctx context.Context, category string, flags map[string]bool, noRow []string) {
	if c == nil || (len(flags) == 0 && len(noRow) == 0) {
		return
	}

	pipe := c.rdb.Pipeline()
	for id, enabled := range flags {
		v := flagOff
		if enabled {
			v = flagOn
		}
		pipe.Set(ctx, flagKey(category, id), v, c.ttl)
	}
	for _, id := range noRow {
		pipe.Set(ctx, flagKey(category, id), flagAbsent, c.ttl)
	}
	_, _ = pipe.Exec(ctx)
}

// Invalidate drops the cached flag for one (user, category) pair. Called on
// preference writes so the next dispatch sees the new setting immediately.
func (c *Cache) Invalidate(ctx context.Context, userID, category string) {
	if c == nil {
		return
	}
	_ = c.rdb.Del(ctx, flagKey(category, userID)).Err()
}

// Ping reports cache reachability for the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

func flagKey(category, userID string) string {
	return "prefs:" + category + ":" + userID
}
