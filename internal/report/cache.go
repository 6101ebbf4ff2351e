package report

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const cachePrefix = "tk103:report:"

// Cache keeps analyzed days of past dates in redis. Past dates no longer
// receive samples, today is never cached.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

func cacheKey(serial uint64, date string) string {
	return cachePrefix + strconv.FormatUint(serial, 10) + ":" + date
}

// Get returns nil on a cache miss.
func (c *Cache) Get(ctx context.Context, serial uint64, date string) (*Day, error) {
	data, err := c.rdb.Get(ctx, cacheKey(serial, date)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d := &Day{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (c *Cache) Set(ctx context.Context, serial uint64, date string, d *Day) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey(serial, date), data, c.ttl).Err()
}

func (c *Cache) Invalidate(ctx context.Context, serial uint64, date string) error {
	return c.rdb.Del(ctx, cacheKey(serial, date)).Err()
}
