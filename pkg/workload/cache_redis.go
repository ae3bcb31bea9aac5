package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kwang1012/sregym/pkg/models"
)

// RedisCache mirrors recent workload entries and the last_log_time cursor
// into Redis, grounded on wisbric-nightowl's use of redis/go-redis/v9 for
// session-adjacent caching. Purely best-effort: Generator.history is always
// authoritative (see Cache doc comment in workload.go).
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache builds a cache bound to a session-scoped key prefix so
// multiple concurrent problem runs never collide.
func NewRedisCache(client *redis.Client, sessionID string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: "sregym:workload:" + sessionID,
		ttl:       ttl,
	}
}

func (c *RedisCache) SaveCursor(ctx context.Context, lastLogTime float64) error {
	return c.client.Set(ctx, c.keyPrefix+":cursor", lastLogTime, c.ttl).Err()
}

func (c *RedisCache) AppendEntries(ctx context.Context, entries []models.WorkloadEntry) error {
	key := c.keyPrefix + ":entries"
	pipe := c.client.Pipeline()
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal workload entry: %w", err)
		}
		pipe.RPush(ctx, key, b)
	}
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}
