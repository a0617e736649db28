package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps metadata documents in Redis as JSON.
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "crowdfund:meta:"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, uri string) (*Document, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+uri).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, err
	}
	return &doc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, uri string, doc Document, ttl time.Duration) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+uri, raw, ttl).Err()
}
