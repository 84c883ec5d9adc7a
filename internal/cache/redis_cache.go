package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

var (
	_ Markers  = (*RedisCache)(nil)
	_ Receipts = (*RedisCache)(nil)
)

// NewRedisCache namespaces every key under prefix, normally the tenant id.
func NewRedisCache(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *RedisCache) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key("mark", key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (c *RedisCache) Marked(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key("mark", key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) StoreSent(ctx context.Context, internalID int64, remoteMessageID string, sentAt time.Time) error {
	val := Receipt{
		RemoteMessageID: remoteMessageID,
		SentAt:          sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, c.key("msg", fmt.Sprint(internalID)), b, c.ttl).Err()
}

func (c *RedisCache) Sent(ctx context.Context, internalID int64) (Receipt, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key("msg", fmt.Sprint(internalID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, err
	}

	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt %d: %w", internalID, err)
	}
	return r, true, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
