package geolite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/geolocation"
)

const (
	redisFileKey     = "ipwarden:geolite:file:" + geolocation.GeoLiteCityFileName
	redisChannel     = "ipwarden:geolite:updates"
	redisOpTimeout   = 30 * time.Second
	subscribeBackoff = time.Second
)

type updatePayload struct {
	File      string `json:"file"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// Distributor replicates the City database through redis so only the leader
// needs to download it from MaxMind.
type Distributor struct {
	client  *redis.Client
	dataDir string
	reload  func() error
}

func NewDistributor(client *redis.Client, dataDir string, reload func() error) *Distributor {
	return &Distributor{client: client, dataDir: dataDir, reload: reload}
}

func (d *Distributor) filePath() string {
	return filepath.Join(d.dataDir, geolocation.GeoLiteCityFileName)
}

// Publish uploads the local database and notifies other instances.
func (d *Distributor) Publish(ctx context.Context) error {
	if d == nil || d.client == nil {
		return errors.New("geolite redis sync: redis client is nil")
	}

	data, err := os.ReadFile(d.filePath())
	if err != nil {
		return fmt.Errorf("geolite redis sync: read database: %w", err)
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	if err := d.client.Set(opCtx, redisFileKey, data, 0).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: store database: %w", err)
	}

	payload, err := json.Marshal(updatePayload{
		File:      geolocation.GeoLiteCityFileName,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("geolite redis sync: serialize payload: %w", err)
	}
	if err := d.client.Publish(opCtx, redisChannel, payload).Err(); err != nil {
		return fmt.Errorf("geolite redis sync: publish: %w", err)
	}
	return nil
}

// Sync pulls the database from redis when one has been published.
func (d *Distributor) Sync(ctx context.Context) (bool, error) {
	if d == nil || d.client == nil {
		return false, errors.New("geolite redis sync: redis client is nil")
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	data, err := d.client.Get(opCtx, redisFileKey).Bytes()
	if errors.Is(err, redis.Nil) || (err == nil && len(data) == 0) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("geolite redis sync: fetch database: %w", err)
	}

	if err := writeToFile(d.filePath(), bytes.NewReader(data)); err != nil {
		return false, fmt.Errorf("geolite redis sync: write database: %w", err)
	}
	if d.reload != nil {
		if err := d.reload(); err != nil {
			return false, fmt.Errorf("geolite redis sync: reload database: %w", err)
		}
	}
	return true, nil
}

// Subscribe applies published updates until ctx is done.
func (d *Distributor) Subscribe(ctx context.Context) {
	if d == nil || d.client == nil {
		return
	}

	pubsub := d.client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("geolite redis sync: subscription error", "error", err)
			time.Sleep(subscribeBackoff)
			continue
		}

		var payload updatePayload
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			log.Error("geolite redis sync: invalid payload", "error", err)
			continue
		}

		if updated, err := d.Sync(ctx); err != nil {
			log.Error("geolite redis sync: failed to apply update", "error", err)
		} else if updated {
			log.Info("geolite redis sync: applied update", "file", payload.File, "updated_at", payload.UpdatedAt)
		}
	}
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, hasDeadline := ctx.Deadline(); hasDeadline && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}
