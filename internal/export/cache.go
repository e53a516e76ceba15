package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no rendered export is cached.
var ErrCacheMiss = errors.New("export: cache miss")

// Cache stores rendered exports in Redis so repeated downloads of the same
// phenotype do not rebuild the bundle. Invalidated whenever the phenotype's
// selections or consensus change.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCache connects a cache to the Redis at redisURL.
func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCacheWithClient(client, ttl), nil
}

// NewCacheWithClient wraps an existing Redis client.
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, prefix: "export:", ttl: ttl}
}

func (c *Cache) key(phenotypeID string, format Format, withHeader bool) string {
	return fmt.Sprintf("%s%s:%s:%t", c.prefix, phenotypeID, format, withHeader)
}

// Get returns the cached rendering, or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, phenotypeID string, format Format, withHeader bool) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key(phenotypeID, format, withHeader)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cached export: %w", err)
	}
	return data, nil
}

// Put stores a rendering with the cache TTL.
func (c *Cache) Put(ctx context.Context, phenotypeID string, format Format, withHeader bool, data []byte) error {
	if err := c.client.Set(ctx, c.key(phenotypeID, format, withHeader), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache export: %w", err)
	}
	return nil
}

// Invalidate drops every cached rendering for the phenotype.
func (c *Cache) Invalidate(ctx context.Context, phenotypeID string) error {
	pattern := c.prefix + phenotypeID + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cached exports: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate cached exports: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
