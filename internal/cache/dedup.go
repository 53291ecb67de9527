// Package cache keeps confirmed sends in Redis so a retried correlation id
// resolves to the same durable message across nodes and restarts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johndosdos/huddle/internal/model"
)

const DefaultPrefix = "huddle:dedup:"

// RedisDedup implements chat.DedupCache.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

func NewRedisDedup(client *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisDedup{client: client, prefix: prefix}
}

// Get reports a miss, not an error, when the key is absent or expired.
func (d *RedisDedup) Get(ctx context.Context, key string) (model.Message, bool, error) {
	data, err := d.client.Get(ctx, d.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.Message{}, false, nil
		}
		return model.Message{}, false, fmt.Errorf("internal/cache: get %s: %w", key, err)
	}

	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return model.Message{}, false, fmt.Errorf("internal/cache: decode %s: %w", key, err)
	}
	return msg, true, nil
}

func (d *RedisDedup) Put(ctx context.Context, key string, msg model.Message, ttl time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("internal/cache: encode %s: %w", key, err)
	}
	if err := d.client.Set(ctx, d.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("internal/cache: set %s: %w", key, err)
	}
	return nil
}

func (d *RedisDedup) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}
