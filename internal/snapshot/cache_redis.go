package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"verity/internal/observation/models"
	"verity/pkg/platform/sentinel"
)

// RedisCache shares snapshots across instances. One hash per subject, one
// field per schema pair, so Invalidate is a single DEL regardless of how many
// policy versions were cached.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func redisKey(subject models.SubjectKey) string {
	return "verity:snapshot:" + subject.String()
}

func (c *RedisCache) Get(ctx context.Context, subject models.SubjectKey, schemaType, schemaVersion string) (*Snapshot, error) {
	raw, err := c.client.HGet(ctx, redisKey(subject), cacheField(schemaType, schemaVersion)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("snapshot %s: %w", subject, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(raw)
	if err != nil {
		return nil, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return snap, nil
}

func (c *RedisCache) Set(ctx context.Context, subject models.SubjectKey, schemaType, schemaVersion string, snap *Snapshot) error {
	encoded, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := redisKey(subject)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, cacheField(schemaType, schemaVersion), encoded)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set snapshot: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, subject models.SubjectKey) error {
	if err := c.client.Del(ctx, redisKey(subject)).Err(); err != nil {
		return fmt.Errorf("redis invalidate snapshot: %w", err)
	}
	return nil
}
