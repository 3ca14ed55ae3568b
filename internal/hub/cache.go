package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// BalanceCache fronts balance reads. Misses and failures fall through
// to the store; the cache is never the source of truth.
type BalanceCache interface {
	Get(ctx context.Context, user, asset wire.Address) (decimal.Decimal, bool)
	Set(ctx context.Context, user, asset wire.Address, balance decimal.Decimal)
	Invalidate(ctx context.Context, user, asset wire.Address)
}

// RedisCache caches balances in Redis with a short TTL. Entries are
// invalidated on every credit and debit, the TTL only bounds staleness
// if an invalidation is lost.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
	}
}

func balanceKey(user, asset wire.Address) string {
	return fmt.Sprintf("bridge:balance:%s:%s", user, asset)
}

func (c *RedisCache) Get(ctx context.Context, user, asset wire.Address) (decimal.Decimal, bool) {
	val, err := c.rdb.Get(ctx, balanceKey(user, asset)).Result()
	if err != nil {
		return decimal.Zero, false
	}
	bal, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false
	}
	return bal, true
}

func (c *RedisCache) Set(ctx context.Context, user, asset wire.Address, balance decimal.Decimal) {
	c.rdb.Set(ctx, balanceKey(user, asset), balance.String(), c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, user, asset wire.Address) {
	c.rdb.Del(ctx, balanceKey(user, asset))
}

func (c *RedisCache) Close() error { return c.rdb.Close() }
