package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/blacklist"
)

// StartBlacklistRefreshRoutine keeps the in-memory blocklist current. Every
// instance holds its own snapshot, so this runs without a leader lock; redis
// update notifications trigger an immediate reload between ticks.
func StartBlacklistRefreshRoutine(ctx context.Context, client *redis.Client, manager *blacklist.Manager, interval time.Duration) {
	if client != nil {
		go func() {
			if err := manager.Subscribe(ctx, client); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Blacklist update subscription stopped", "error", err)
			}
		}()
	}
	manager.StartRefreshRoutine(ctx, interval)
}
