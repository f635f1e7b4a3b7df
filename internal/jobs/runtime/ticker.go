package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/support"
)

const leaderKeyPrefix = "ipwarden:leader:"

// runLeaderLoop runs task every interval while this instance holds the named
// leader lock. With runNow the task also runs once as soon as leadership is
// acquired.
func runLeaderLoop(ctx context.Context, client *redis.Client, name string, interval time.Duration, runNow bool, task func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := support.RunWithLeader(ctx, client, leaderKeyPrefix+name, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runTickerLoop(leaderCtx, interval, runNow, task)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Routine stopped", "routine", name, "error", err)
	}
}

func runTickerLoop(ctx context.Context, interval time.Duration, runNow bool, task func(context.Context)) {
	if runNow {
		task(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}
