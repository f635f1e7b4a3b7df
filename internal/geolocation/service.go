package geolocation

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipwarden/internal/metrics"
)

const (
	cacheKeyPrefix  = "geo:"
	DefaultCacheTTL = 24 * time.Hour
	DefaultTimeout  = 2 * time.Second
)

// Service resolves locations through a cache. Failures degrade to an empty
// Location and are never cached, so the next request retries resolution.
type Service struct {
	resolver Resolver
	cache    Cache
	ttl      time.Duration
	timeout  time.Duration
	provider string
	metrics  *metrics.Metrics
	group    singleflight.Group
}

type Option func(*Service)

func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithProvider labels resolver metrics.
func WithProvider(name string) Option {
	return func(s *Service) {
		s.provider = name
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func NewService(resolver Resolver, cache Cache, opts ...Option) *Service {
	if resolver == nil {
		resolver = NopResolver{}
	}
	s := &Service{
		resolver: resolver,
		cache:    cache,
		ttl:      DefaultCacheTTL,
		timeout:  DefaultTimeout,
		provider: "unknown",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func CacheKey(ip string) string {
	return cacheKeyPrefix + ip
}

// Lookup returns the location for ip. It never fails: cache errors count as a
// miss and resolver errors or timeouts yield an empty Location.
func (s *Service) Lookup(ctx context.Context, ip string) Location {
	key := CacheKey(ip)

	if s.cache != nil {
		loc, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn("Geo cache read failed, resolving directly", "ip", ip, "error", err)
		} else if ok {
			s.metrics.ObserveGeoLookup("hit")
			return loc
		}
	}

	result, err, _ := s.group.Do(key, func() (interface{}, error) {
		return s.resolve(ctx, ip, key)
	})
	if err != nil {
		s.metrics.ObserveGeoLookup("error")
		log.Debug("Geolocation unavailable", "ip", ip, "error", err)
		return Location{}
	}

	s.metrics.ObserveGeoLookup("miss")
	loc, _ := result.(Location)
	return loc
}

func (s *Service) resolve(ctx context.Context, ip, key string) (Location, error) {
	// Detached from the caller so one cancelled request does not fail the
	// others waiting on the same key; the timeout still bounds the call.
	resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	started := time.Now()
	loc, err := s.resolver.Resolve(resolveCtx, ip)
	s.metrics.ObserveGeoResolve(s.provider, time.Since(started).Seconds())
	if err != nil {
		return Location{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(resolveCtx, key, loc, s.ttl); err != nil {
			log.Warn("Geo cache write failed", "ip", ip, "error", err)
		}
	}
	return loc, nil
}
