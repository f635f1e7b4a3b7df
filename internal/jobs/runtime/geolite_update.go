package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/geolite"
)

const (
	geoLiteUpdateLockName      = "geolite_update"
	geoLiteUpdateFallbackEvery = 24 * time.Hour
)

// StartGeoLiteUpdateRoutine refreshes the City database on the leader. The
// other instances receive it through the distributor.
func StartGeoLiteUpdateRoutine(ctx context.Context, client *redis.Client, updater *geolite.Updater, interval time.Duration) {
	if interval <= 0 {
		interval = geoLiteUpdateFallbackEvery
	}
	runLeaderLoop(ctx, client, geoLiteUpdateLockName, interval, true, func(ctx context.Context) {
		RunGeoLiteUpdate(ctx, updater, "scheduled")
	})
}

// RunGeoLiteUpdate runs the updater on demand.
func RunGeoLiteUpdate(ctx context.Context, updater *geolite.Updater, reason string) {
	updated, err := updater.Update(ctx)
	switch {
	case errors.Is(err, geolite.ErrNoLicenseKey):
		log.Debug("GeoLite update skipped: license key missing", "reason", reason)
	case err != nil:
		log.Error("GeoLite update failed", "reason", reason, "error", err)
	case updated:
		log.Info("GeoLite database updated", "reason", reason)
	default:
		log.Debug("GeoLite update skipped", "reason", reason)
	}
}
