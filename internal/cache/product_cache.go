// Package cache invalidates catalog entries cached by the catalog service after
// checkout changes stock.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	productDetailKey   = "products:detail:%d"
	productListPattern = "products:list:*"
	scanBatch          = 100
)

// ProductCache drops cached product views
type ProductCache interface {
	Invalidate(ctx context.Context, productIDs ...int64) error
}

// NoopProductCache is used when no cache is configured
type NoopProductCache struct{}

// Invalidate does nothing
func (NoopProductCache) Invalidate(context.Context, ...int64) error { return nil }

// RedisProductCache invalidates keys in the Redis instance the catalog reads from
type RedisProductCache struct {
	rdb    redis.UniversalClient
	logger *zap.Logger
}

// NewRedisProductCache wraps a Redis client
func NewRedisProductCache(rdb redis.UniversalClient, logger *zap.Logger) *RedisProductCache {
	return &RedisProductCache{rdb: rdb, logger: logger}
}

// Connect dials Redis and verifies the connection
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// Invalidate deletes the detail entry of each product and every cached list page,
// since list pages embed stock levels.
func (c *RedisProductCache) Invalidate(ctx context.Context, productIDs ...int64) error {
	keys := make([]string, len(productIDs))
	for i, id := range productIDs {
		keys[i] = fmt.Sprintf(productDetailKey, id)
	}
	if err := c.del(ctx, keys); err != nil {
		return fmt.Errorf("failed to delete product keys: %w", err)
	}

	var cursor uint64
	deleted := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, productListPattern, scanBatch).Result()
		if err != nil {
			return fmt.Errorf("failed to scan product list keys: %w", err)
		}
		if err := c.del(ctx, keys); err != nil {
			return fmt.Errorf("failed to delete product list keys: %w", err)
		}
		deleted += len(keys)
		if next == 0 {
			break
		}
		cursor = next
	}

	c.logger.Debug("product cache invalidated",
		zap.Int64s("product_ids", productIDs),
		zap.Int("list_keys", deleted),
	)
	return nil
}

// del sends one DEL per key in a single pipeline. Keys of different products
// may hash to different cluster slots, which a multi-key DEL rejects.
func (c *RedisProductCache) del(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		return nil
	})
	return err
}
