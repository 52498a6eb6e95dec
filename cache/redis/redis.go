// Package redis implements ledger.BalanceCache on top of go-redis.
//
// Entries hold the decimal string of an account's current balance under
// payday:balance:<accountID> and expire after the configured TTL. The
// reconciler overwrites the entry after every commit; read misses fill it
// with SET NX so they cannot replace a newer value.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/homepayday/payday/ledger"
	"github.com/shopspring/decimal"
)

const keyPrefix = "payday:balance:"

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects and pings. A failed ping returns the error; callers decide
// whether to run without a cache.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

type BalanceCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewBalanceCache(client redis.Cmdable, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func Key(id ledger.AccountID) string {
	return keyPrefix + string(id)
}

func (c *BalanceCache) Get(ctx context.Context, id ledger.AccountID) (decimal.Decimal, bool, error) {
	val, err := c.client.Get(ctx, Key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	amount, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("corrupt cached balance for %s: %w", id, err)
	}
	return amount, true, nil
}

// Fill stores amount only when no entry exists.
func (c *BalanceCache) Fill(ctx context.Context, id ledger.AccountID, amount decimal.Decimal) error {
	return c.client.SetNX(ctx, Key(id), amount.String(), c.ttl).Err()
}

func (c *BalanceCache) Set(ctx context.Context, id ledger.AccountID, amount decimal.Decimal) error {
	return c.client.Set(ctx, Key(id), amount.String(), c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, id ledger.AccountID) error {
	return c.client.Del(ctx, Key(id)).Err()
}

var _ ledger.BalanceCache = (*BalanceCache)(nil)
