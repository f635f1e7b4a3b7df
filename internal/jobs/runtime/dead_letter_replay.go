package runtime

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/domain"
)

const (
	deadLetterReplayLockName = "request_log_dead_letter"
	deadLetterReplayFallback = 5 * time.Minute
	deadLetterReplayBatch    = 500
)

type DeadLetterDrainer interface {
	Drain(ctx context.Context, batch int, store func(context.Context, []domain.RequestLog) error) (int, error)
}

type RequestLogWriter interface {
	InsertRequestLogs(ctx context.Context, entries []domain.RequestLog) error
}

// StartDeadLetterReplayRoutine moves parked request logs back into the store.
func StartDeadLetterReplayRoutine(ctx context.Context, client *redis.Client, queue DeadLetterDrainer, store RequestLogWriter, interval time.Duration) {
	if interval <= 0 {
		interval = deadLetterReplayFallback
	}
	runLeaderLoop(ctx, client, deadLetterReplayLockName, interval, true, func(ctx context.Context) {
		ReplayDeadLetters(ctx, queue, store)
	})
}

func ReplayDeadLetters(ctx context.Context, queue DeadLetterDrainer, store RequestLogWriter) int {
	replayed, err := queue.Drain(ctx, deadLetterReplayBatch, store.InsertRequestLogs)
	if err != nil {
		log.Warn("Dead letter replay interrupted", "replayed", replayed, "error", err)
		return replayed
	}
	if replayed > 0 {
		log.Info("Replayed dead letter request logs", "replayed", replayed)
	}
	return replayed
}
