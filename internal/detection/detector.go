package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/database"
	"ipwarden/internal/domain"
	"ipwarden/internal/metrics"
)

const (
	RuleVolume        = "volume"
	RuleSensitivePath = "sensitive_path"

	DefaultWindow    = time.Hour
	DefaultThreshold = 100

	volumeReasonFormat = "Excessive requests: %d in the last hour"
)

var DefaultSensitivePaths = []string{"/admin", "/login"}

// Queries is the part of the store the rules read and write.
type Queries interface {
	CountRequestsByIP(ctx context.Context, since time.Time, above int) ([]database.IPRequestCount, error)
	ListIPsByPaths(ctx context.Context, since time.Time, paths []string) ([]string, error)
	GetOrCreateSuspiciousIP(ctx context.Context, ip, reason string) (domain.SuspiciousIP, bool, error)
}

type txFunc func(ctx context.Context, fn func(Queries) error) error

func storeTx(store *database.Store) txFunc {
	return func(ctx context.Context, fn func(Queries) error) error {
		return store.Transaction(ctx, func(tx *database.Store) error {
			return fn(tx)
		})
	}
}

// Result lists the addresses flagged by one run.
type Result struct {
	Flagged []domain.SuspiciousIP
}

// Detector scans the recent request log and flags abusive addresses. The
// volume rule runs first so its reason wins for addresses matching both.
type Detector struct {
	tx             txFunc
	window         time.Duration
	threshold      int
	sensitivePaths []string
	now            func() time.Time
	metrics        *metrics.Metrics
}

type Option func(*Detector)

func WithWindow(window time.Duration) Option {
	return func(d *Detector) {
		if window > 0 {
			d.window = window
		}
	}
}

func WithThreshold(threshold int) Option {
	return func(d *Detector) {
		if threshold >= 0 {
			d.threshold = threshold
		}
	}
}

func WithSensitivePaths(paths ...string) Option {
	return func(d *Detector) {
		if len(paths) > 0 {
			d.sensitivePaths = append([]string(nil), paths...)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

func New(store *database.Store, opts ...Option) *Detector {
	d := &Detector{
		tx:             storeTx(store),
		window:         DefaultWindow,
		threshold:      DefaultThreshold,
		sensitivePaths: append([]string(nil), DefaultSensitivePaths...),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run applies both rules over the trailing window. Each rule commits in its
// own transaction; a failing volume rule does not prevent the path rule.
func (d *Detector) Run(ctx context.Context) (Result, error) {
	since := d.now().UTC().Add(-d.window)

	var (
		result Result
		errs   []error
	)

	flagged, err := d.runVolumeRule(ctx, since)
	if err != nil {
		errs = append(errs, fmt.Errorf("volume rule: %w", err))
	}
	result.Flagged = append(result.Flagged, flagged...)

	flagged, err = d.runSensitivePathRule(ctx, since)
	if err != nil {
		errs = append(errs, fmt.Errorf("sensitive path rule: %w", err))
	}
	result.Flagged = append(result.Flagged, flagged...)

	return result, errors.Join(errs...)
}

func (d *Detector) runVolumeRule(ctx context.Context, since time.Time) ([]domain.SuspiciousIP, error) {
	var flagged []domain.SuspiciousIP
	err := d.tx(ctx, func(tx Queries) error {
		flagged = flagged[:0]
		counts, err := tx.CountRequestsByIP(ctx, since, d.threshold)
		if err != nil {
			return err
		}
		for _, c := range counts {
			record, created, err := tx.GetOrCreateSuspiciousIP(ctx, c.IPAddress, fmt.Sprintf(volumeReasonFormat, c.RequestCount))
			if err != nil {
				return fmt.Errorf("flag %s: %w", c.IPAddress, err)
			}
			if created {
				flagged = append(flagged, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.observe(RuleVolume, flagged)
	return flagged, nil
}

func (d *Detector) runSensitivePathRule(ctx context.Context, since time.Time) ([]domain.SuspiciousIP, error) {
	reason := SensitivePathReason(d.sensitivePaths)

	var flagged []domain.SuspiciousIP
	err := d.tx(ctx, func(tx Queries) error {
		flagged = flagged[:0]
		ips, err := tx.ListIPsByPaths(ctx, since, d.sensitivePaths)
		if err != nil {
			return err
		}
		for _, ip := range ips {
			record, created, err := tx.GetOrCreateSuspiciousIP(ctx, ip, reason)
			if err != nil {
				return fmt.Errorf("flag %s: %w", ip, err)
			}
			if created {
				flagged = append(flagged, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.observe(RuleSensitivePath, flagged)
	return flagged, nil
}

func (d *Detector) observe(rule string, flagged []domain.SuspiciousIP) {
	for _, record := range flagged {
		d.metrics.ObserveFlagged(rule)
		log.Info("Flagged suspicious IP", "rule", rule, "ip", record.IPAddress, "reason", record.Reason)
	}
}

// SensitivePathReason renders the reason stored for the path rule, e.g.
// "Accessed sensitive path (/admin or /login)".
func SensitivePathReason(paths []string) string {
	return "Accessed sensitive path (" + strings.Join(paths, " or ") + ")"
}
