package rates

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache stores BTC prices keyed by currency.
type Cache interface {
	Get(ctx context.Context, currency string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, currency string, rate decimal.Decimal, ttl time.Duration) error
}

type memoryEntry struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, currency string) (decimal.Decimal, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[currency]
	if !ok {
		return decimal.Zero, false, nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, currency)
		return decimal.Zero, false, nil
	}
	return e.rate, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, currency string, rate decimal.Decimal, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[currency] = memoryEntry{rate: rate, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisCache shares prices between instances through Redis.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache creates a cache storing keys as "<prefix><currency>".
func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "invoicewatch:rate:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, currency string) (decimal.Decimal, bool, error) {
	val, err := c.rdb.Get(ctx, c.prefix+currency).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	rate, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, err
	}
	return rate, true, nil
}

func (c *RedisCache) Set(ctx context.Context, currency string, rate decimal.Decimal, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.prefix+currency, rate.String(), ttl).Err()
}
