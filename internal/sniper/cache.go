package sniper

import (
	"context"
	"fmt"
	"time"

	"github.com/nexus-trading/trenchwatch/internal/store"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a fired address stays suppressed.
const DefaultTTL = 24 * time.Hour

// Cache records fired addresses so each fires at most once per TTL.
type Cache interface {
	// Claim marks address as fired at now. It returns false when a claim
	// younger than the TTL already exists.
	Claim(ctx context.Context, address string, now time.Time) (bool, error)
}

// ---------------------------------------------------------------------------
// StoreCache: claims persisted alongside coins
// ---------------------------------------------------------------------------

type StoreCache struct {
	store store.SnipeStore
	ttl   time.Duration
}

func NewStoreCache(s store.SnipeStore, ttl time.Duration) *StoreCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &StoreCache{store: s, ttl: ttl}
}

func (c *StoreCache) Claim(ctx context.Context, address string, now time.Time) (bool, error) {
	return c.store.ClaimSnipe(ctx, address, now, c.ttl)
}

// Prune drops claims older than the TTL.
func (c *StoreCache) Prune(ctx context.Context, now time.Time) (int, error) {
	return c.store.PruneSnipes(ctx, now.Add(-c.ttl))
}

// ---------------------------------------------------------------------------
// RedisCache: SET NX with expiry, shared across instances
// ---------------------------------------------------------------------------

type RedisCache struct {
	Client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(opt *redis.Options, prefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{Client: redis.NewClient(opt), prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Claim(ctx context.Context, address string, now time.Time) (bool, error) {
	ok, err := c.Client.SetNX(ctx, c.prefix+address, now.UnixMilli(), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", address, err)
	}
	return ok, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}
