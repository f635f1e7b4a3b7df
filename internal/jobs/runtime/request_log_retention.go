package runtime

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	requestLogRetentionLockName = "request_log_retention"
	requestLogPurgeFallback     = 6 * time.Hour
)

type RequestLogPurger interface {
	PurgeRequestLogs(ctx context.Context, before time.Time) (int64, error)
}

// StartRequestLogRetentionRoutine deletes log entries older than retention.
// A zero retention keeps entries forever and the routine returns at once.
func StartRequestLogRetentionRoutine(ctx context.Context, client *redis.Client, store RequestLogPurger, retention, interval time.Duration) {
	if retention <= 0 {
		log.Debug("Request log retention disabled")
		return
	}
	if interval <= 0 {
		interval = requestLogPurgeFallback
	}
	runLeaderLoop(ctx, client, requestLogRetentionLockName, interval, true, func(ctx context.Context) {
		PurgeExpiredRequestLogs(ctx, store, retention, time.Now())
	})
}

func PurgeExpiredRequestLogs(ctx context.Context, store RequestLogPurger, retention time.Duration, now time.Time) int64 {
	cutoff := now.UTC().Add(-retention)
	removed, err := store.PurgeRequestLogs(ctx, cutoff)
	if err != nil {
		log.Error("Failed to purge request logs", "cutoff", cutoff, "error", err)
		return 0
	}
	if removed > 0 {
		log.Info("Purged expired request logs", "removed", removed, "cutoff", cutoff)
	}
	return removed
}
