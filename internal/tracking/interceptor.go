package tracking

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/domain"
	"ipwarden/internal/geolocation"
	"ipwarden/internal/metrics"
	"ipwarden/internal/support"
)

const (
	BlockedMessage = "Your IP has been blocked."

	defaultWriteAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond
)

type Blocklist interface {
	IsBlocked(ip string) bool
}

type Locator interface {
	Lookup(ctx context.Context, ip string) geolocation.Location
}

type LogStore interface {
	InsertRequestLog(ctx context.Context, entry *domain.RequestLog) error
}

// DeadLetter parks entries the log store refused after all attempts.
type DeadLetter interface {
	Push(ctx context.Context, entry domain.RequestLog) error
}

// Interceptor denies blocked addresses and records every other request with
// its geolocation before handing it on.
type Interceptor struct {
	blocklist      Blocklist
	locator        Locator
	logs           LogStore
	deadLetter     DeadLetter
	trustForwarded bool
	now            func() time.Time
	writeAttempts  int
	retryBackoff   time.Duration
	metrics        *metrics.Metrics
}

type Option func(*Interceptor)

// WithTrustForwardedFor controls whether X-Forwarded-For is used to derive the
// client address. Enable it only behind a proxy that overwrites the header.
func WithTrustForwardedFor(trust bool) Option {
	return func(i *Interceptor) {
		i.trustForwarded = trust
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Interceptor) {
		i.now = now
	}
}

func WithWriteAttempts(attempts int, backoff time.Duration) Option {
	return func(i *Interceptor) {
		if attempts > 0 {
			i.writeAttempts = attempts
		}
		if backoff >= 0 {
			i.retryBackoff = backoff
		}
	}
}

func WithDeadLetter(dl DeadLetter) Option {
	return func(i *Interceptor) {
		i.deadLetter = dl
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Interceptor) {
		i.metrics = m
	}
}

func New(blocklist Blocklist, locator Locator, logs LogStore, opts ...Option) *Interceptor {
	i := &Interceptor{
		blocklist:      blocklist,
		locator:        locator,
		logs:           logs,
		trustForwarded: true,
		now:            time.Now,
		writeAttempts:  defaultWriteAttempts,
		retryBackoff:   defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Interceptor) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := support.ClientIP(r, i.trustForwarded)

		// Blocked requests get no geolocation and no log entry.
		if i.blocklist != nil && i.blocklist.IsBlocked(ip) {
			i.metrics.ObserveRequest("blocked")
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(BlockedMessage))
			return
		}

		var loc geolocation.Location
		if i.locator != nil {
			loc = i.locator.Lookup(r.Context(), ip)
		}

		i.record(r.Context(), domain.RequestLog{
			IPAddress: ip,
			Timestamp: i.now().UTC(),
			Path:      r.URL.Path,
			Country:   loc.Country,
			City:      loc.City,
		})

		next.ServeHTTP(w, r)
	})
}

// record persists entry with bounded retries. When the store keeps failing the
// entry goes to the dead letter queue; the request is served either way.
func (i *Interceptor) record(ctx context.Context, entry domain.RequestLog) {
	if i.logs == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= i.writeAttempts; attempt++ {
		row := entry
		if err = i.logs.InsertRequestLog(ctx, &row); err == nil {
			i.metrics.ObserveRequest("logged")
			return
		}
		if attempt < i.writeAttempts && i.retryBackoff > 0 {
			time.Sleep(time.Duration(attempt) * i.retryBackoff)
		}
	}

	if i.deadLetter != nil {
		dlErr := i.deadLetter.Push(ctx, entry)
		if dlErr == nil {
			i.metrics.ObserveLogFailure("dead_letter")
			log.Warn("Request log parked in dead letter queue", "ip", entry.IPAddress, "path", entry.Path, "error", err)
			return
		}
		log.Error("Dead letter queue unavailable", "error", dlErr)
	}

	i.metrics.ObserveLogFailure("dropped")
	log.Error("Request log dropped", "ip", entry.IPAddress, "path", entry.Path, "attempts", i.writeAttempts, "error", err)
}
