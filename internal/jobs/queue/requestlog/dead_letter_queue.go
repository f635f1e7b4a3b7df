package requestlogqueue

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/domain"
)

const (
	DeadLetterKey     = "ipwarden:request_logs:dead_letter"
	defaultDrainBatch = 500
)

//go:embed pop_batch.lua
var luaPopBatchScript string

// RedisDeadLetterQueue parks request log entries that could not be written to
// the log store so they can be replayed later.
type RedisDeadLetterQueue struct {
	client    *redis.Client
	key       string
	popScript *redis.Script
}

func NewRedisDeadLetterQueue(client *redis.Client) *RedisDeadLetterQueue {
	return &RedisDeadLetterQueue{
		client:    client,
		key:       DeadLetterKey,
		popScript: redis.NewScript(luaPopBatchScript),
	}
}

func (q *RedisDeadLetterQueue) Push(ctx context.Context, entry domain.RequestLog) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal request log: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push request log to dead letter queue: %w", err)
	}
	return nil
}

func (q *RedisDeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Drain pops up to batch entries at a time and hands them to store. When store
// fails the batch is put back at the head of the list and the error returned.
func (q *RedisDeadLetterQueue) Drain(ctx context.Context, batch int, store func(context.Context, []domain.RequestLog) error) (int, error) {
	if batch <= 0 {
		batch = defaultDrainBatch
	}

	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		raw, err := q.popScript.Run(ctx, q.client, []string{q.key}, batch).StringSlice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return total, fmt.Errorf("failed to pop dead letter batch: %w", err)
		}
		if len(raw) == 0 {
			return total, nil
		}

		entries := make([]domain.RequestLog, 0, len(raw))
		for _, item := range raw {
			var entry domain.RequestLog
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				log.Warn("Dropping malformed dead letter entry", "error", err)
				continue
			}
			entry.ID = 0
			entries = append(entries, entry)
		}

		if err := store(ctx, entries); err != nil {
			if requeueErr := q.requeue(context.WithoutCancel(ctx), raw); requeueErr != nil {
				return total, errors.Join(err, requeueErr)
			}
			return total, err
		}
		total += len(entries)

		if len(raw) < batch {
			return total, nil
		}
	}
}

func (q *RedisDeadLetterQueue) requeue(ctx context.Context, raw []string) error {
	values := make([]interface{}, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		values = append(values, raw[i])
	}
	if err := q.client.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("failed to requeue dead letter batch: %w", err)
	}
	return nil
}
