package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed sliding_window.lua
var luaSlidingWindowScript string

// RedisBackend shares counters between instances. Each key is a sorted set of
// admitted hits scored by time; trimming, counting and adding run atomically
// in one script.
type RedisBackend struct {
	client *redis.Client
	script *redis.Script
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		script: redis.NewScript(luaSlidingWindowScript),
	}
}

func (b *RedisBackend) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Result, error) {
	values, err := b.script.Run(ctx, b.client, []string{key},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("sliding window %s: %w", key, err)
	}
	if len(values) != 3 {
		return Result{}, fmt.Errorf("sliding window %s: unexpected reply %v", key, values)
	}

	return Result{
		Allowed:    values[0] == 1,
		Remaining:  int(values[1]),
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}
