package runtime

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipwarden/internal/detection"
)

const (
	suspiciousIPLockName      = "suspicious_ips"
	suspiciousIPFallbackEvery = time.Hour
)

// StartSuspiciousIPRoutine runs the detector on a fixed cadence. Only the
// leader instance scans the log.
func StartSuspiciousIPRoutine(ctx context.Context, client *redis.Client, detector *detection.Detector, interval time.Duration) {
	if interval <= 0 {
		interval = suspiciousIPFallbackEvery
	}
	runLeaderLoop(ctx, client, suspiciousIPLockName, interval, false, func(ctx context.Context) {
		RunSuspiciousIPDetection(ctx, detector)
	})
}

// RunSuspiciousIPDetection runs one detection pass and logs its outcome.
func RunSuspiciousIPDetection(ctx context.Context, detector *detection.Detector) {
	start := time.Now()
	result, err := detector.Run(ctx)
	if err != nil {
		log.Error("Suspicious IP detection failed", "error", err, "flagged", len(result.Flagged))
		return
	}
	log.Info("Suspicious IP detection completed", "flagged", len(result.Flagged), "duration", time.Since(start))
}
