package support

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeadershipTTL bounds how long a crashed leader blocks the others.
const DefaultLeadershipTTL = 45 * time.Second

const (
	leaderRetryDelay  = time.Second
	leaderCallTimeout = 5 * time.Second
)

var errLeadershipLost = errors.New("leadership lost")

// Both scripts only touch the key while it still carries our token.
var (
	extendIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	deleteIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RunWithLeader runs fn on exactly one instance at a time. Whoever sets key
// first runs fn with a context that is cancelled once the key can no longer be
// extended. Other instances poll until the key frees up or ctx is done.
//
// A nil client means the process runs alone: fn is invoked directly.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(context.Context)) error {
	if fn == nil {
		return errors.New("support: leader function cannot be nil")
	}
	if client == nil {
		fn(ctx)
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	lock := leaderLock{client: client, key: key, ttl: ttl}
	for {
		lock.token = uuid.NewString()
		acquired, err := client.SetNX(ctx, key, lock.token, ttl).Result()
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warn("Could not claim leadership", "key", key, "error", err)
		case acquired:
			lock.hold(ctx, fn)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaderRetryDelay):
		}
	}
}

type leaderLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func (l leaderLock) hold(ctx context.Context, fn func(context.Context)) {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	extended := make(chan struct{})
	go func() {
		defer close(extended)
		l.keepExtending(leaderCtx, cancel)
	}()

	log.Debug("Leadership acquired", "key", l.key)
	fn(leaderCtx)
	cancel()
	<-extended

	if err := l.call(deleteIfOwner); err != nil {
		log.Warn("Could not release leadership", "key", l.key, "error", err)
	}
	log.Debug("Leadership released", "key", l.key)
}

func (l leaderLock) keepExtending(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(max(l.ttl/3, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.call(extendIfOwner, l.ttl.Milliseconds()); err != nil {
				log.Warn("Stepping down as leader", "key", l.key, "error", err)
				cancel()
				return
			}
		}
	}
}

// call runs script against the key with our token. It runs on its own
// deadline so the release still happens after ctx is cancelled.
func (l leaderLock) call(script *redis.Script, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), leaderCallTimeout)
	defer cancel()

	n, err := script.Run(ctx, l.client, []string{l.key}, append([]any{l.token}, args...)...).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLeadershipLost
	}
	return nil
}
