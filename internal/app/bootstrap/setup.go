package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ipwarden/internal/app/server"
	"ipwarden/internal/auth"
	"ipwarden/internal/blacklist"
	"ipwarden/internal/config"
	"ipwarden/internal/database"
	"ipwarden/internal/detection"
	"ipwarden/internal/geolite"
	"ipwarden/internal/geolocation"
	requestlogqueue "ipwarden/internal/jobs/queue/requestlog"
	jobruntime "ipwarden/internal/jobs/runtime"
	"ipwarden/internal/metrics"
	"ipwarden/internal/ratelimit"
	"ipwarden/internal/support"
	"ipwarden/internal/tracking"
)

const requestLogRetryBackoff = 25 * time.Millisecond

// Services holds every long-lived component of one process.
type Services struct {
	Config config.Config

	Store   *database.Store
	Redis   *redis.Client
	Metrics *metrics.Metrics

	Blacklist   *blacklist.Manager
	Geo         *geolocation.Service
	GeoLite     *geolocation.GeoLiteResolver
	Updater     *geolite.Updater
	Distributor *geolite.Distributor
	DeadLetter  *requestlogqueue.RedisDeadLetterQueue

	Interceptor *tracking.Interceptor
	Limiter     *ratelimit.Limiter
	Tokens      *auth.Tokens
	Detector    *detection.Detector
	Account     server.Account
}

// OpenStore connects to the configured database and runs migrations.
func OpenStore(cfg config.Config) (*database.Store, error) {
	dialector, err := database.DialectorFor(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	store, err := database.SetupDB(
		database.WithDialector(dialector),
		database.WithAutoMigrate(cfg.Database.AutoMigrate),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	return store, nil
}

// OpenRedis returns nil when redis is disabled. Every redis-backed component
// has an in-process fallback.
func OpenRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		log.Info("Redis disabled, running as a single instance")
		return nil, nil
	}
	return support.NewRedisClient(ctx, cfg.Redis.URL)
}

// Setup builds all services. A blocklist that cannot be loaded at startup is
// fatal: serving without it would admit every blocked address.
func Setup(ctx context.Context, cfg config.Config) (*Services, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	client, err := OpenRedis(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}

	s := &Services{
		Config:  cfg,
		Store:   store,
		Redis:   client,
		Metrics: metrics.New(),
	}

	s.Blacklist = blacklist.NewManager(store, blacklist.WithRefreshHook(s.Metrics.SetBlockedIPs))
	if err := s.Blacklist.Load(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load blocklist: %w", err)
	}

	s.Geo = s.setupGeolocation()

	interceptorOpts := []tracking.Option{
		tracking.WithTrustForwardedFor(cfg.Server.TrustForwardedFor),
		tracking.WithWriteAttempts(cfg.RequestLog.WriteAttempts, requestLogRetryBackoff),
		tracking.WithMetrics(s.Metrics),
	}
	if client != nil {
		s.DeadLetter = requestlogqueue.NewRedisDeadLetterQueue(client)
		interceptorOpts = append(interceptorOpts, tracking.WithDeadLetter(s.DeadLetter))
	}
	s.Interceptor = tracking.New(s.Blacklist, s.Geo, store, interceptorOpts...)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	s.Tokens = auth.NewTokens(secret, cfg.Auth.TokenTTL.Duration())

	if s.Limiter, err = s.setupLimiter(); err != nil {
		s.Close()
		return nil, err
	}

	if s.Account, err = demoAccount(cfg); err != nil {
		s.Close()
		return nil, err
	}

	s.Detector = NewDetector(store, cfg, s.Metrics)

	return s, nil
}

// NewDetector builds the detector from the detection settings.
func NewDetector(store *database.Store, cfg config.Config, m *metrics.Metrics) *detection.Detector {
	return detection.New(store,
		detection.WithWindow(cfg.Detection.Window.Duration()),
		detection.WithThreshold(cfg.Detection.RequestThreshold),
		detection.WithSensitivePaths(cfg.Detection.SensitivePaths...),
		detection.WithMetrics(m),
	)
}

func (s *Services) setupGeolocation() *geolocation.Service {
	cfg := s.Config.Geolocation

	var resolver geolocation.Resolver
	switch cfg.Provider {
	case config.ProviderGeoLite:
		s.GeoLite = geolocation.NewGeoLiteResolver(cfg.GeoLite.DataDir)
		resolver = s.GeoLite
		var updaterOpts []geolite.UpdaterOption
		if s.Redis != nil {
			s.Distributor = geolite.NewDistributor(s.Redis, cfg.GeoLite.DataDir, s.GeoLite.Reload)
			updaterOpts = append(updaterOpts, geolite.WithDistributor(s.Distributor))
		}
		s.Updater = geolite.NewUpdater(cfg.GeoLite.LicenseKey, cfg.GeoLite.DataDir, s.GeoLite.Reload, updaterOpts...)
	case config.ProviderAPI:
		resolver = geolocation.NewAPIResolver(cfg.API.URL, cfg.API.APIKey, cfg.Timeout.Duration())
	default:
		log.Info("Geolocation disabled, request logs will carry empty locations")
		resolver = geolocation.NopResolver{}
	}

	var cache geolocation.Cache = geolocation.NewMemoryCache()
	if s.Redis != nil {
		cache = geolocation.NewRedisCache(s.Redis)
	}

	return geolocation.NewService(resolver, cache,
		geolocation.WithCacheTTL(cfg.CacheTTL.Duration()),
		geolocation.WithTimeout(cfg.Timeout.Duration()),
		geolocation.WithProvider(cfg.Provider),
		geolocation.WithMetrics(s.Metrics),
	)
}

func (s *Services) setupLimiter() (*ratelimit.Limiter, error) {
	cfg := s.Config.RateLimit

	rules, err := ratelimit.RulesFromConfig(cfg.Rules, s.Tokens.Identify)
	if err != nil {
		return nil, err
	}

	var backend ratelimit.Backend = ratelimit.NewMemoryBackend()
	if s.Redis != nil {
		backend = ratelimit.NewRedisBackend(s.Redis)
	}

	return ratelimit.New(backend, rules,
		ratelimit.WithMethods(cfg.Methods...),
		ratelimit.WithFailOpen(cfg.FailOpen),
		ratelimit.WithMetrics(s.Metrics),
	), nil
}

func demoAccount(cfg config.Config) (server.Account, error) {
	account := server.Account{
		UserID:   cfg.Auth.DemoUserID,
		Username: cfg.Auth.DemoUsername,
		Role:     auth.RoleAdmin,
	}
	if account.Username == "" || cfg.Auth.DemoPassword == "" {
		log.Warn("Demo login credentials not configured, POST /login will reject every attempt")
		return account, nil
	}
	hash, err := auth.HashPassword(cfg.Auth.DemoPassword)
	if err != nil {
		return server.Account{}, fmt.Errorf("failed to hash demo password: %w", err)
	}
	account.PasswordHash = hash
	return account, nil
}

// ServerDependencies hands the HTTP layer what it needs.
func (s *Services) ServerDependencies() server.Dependencies {
	return server.Dependencies{
		Interceptor: s.Interceptor,
		Limiter:     s.Limiter,
		Tokens:      s.Tokens,
		Account:     s.Account,
		Flags:       s.Store,
		Blocklist:   s.Blacklist,
		Metrics:     s.Metrics,
		Instances: func(ctx context.Context) (int, error) {
			return jobruntime.CountActiveInstances(ctx, s.Redis)
		},
	}
}

// StartRoutines launches the background routines on g. They all stop when
// ctx is done.
func (s *Services) StartRoutines(ctx context.Context, g *errgroup.Group) {
	cfg := s.Config

	g.Go(func() error {
		jobruntime.StartBlacklistRefreshRoutine(ctx, s.Redis, s.Blacklist, cfg.Blacklist.RefreshTimer.Duration())
		return nil
	})
	g.Go(func() error {
		jobruntime.StartSuspiciousIPRoutine(ctx, s.Redis, s.Detector, cfg.Detection.Timer.Duration())
		return nil
	})
	g.Go(func() error {
		jobruntime.StartRequestLogRetentionRoutine(ctx, s.Redis, s.Store,
			cfg.RequestLog.Retention.Duration(), cfg.RequestLog.PurgeTimer.Duration())
		return nil
	})

	if s.Redis != nil {
		g.Go(func() error {
			jobruntime.StartInstanceHeartbeat(ctx, s.Redis, jobruntime.InstanceHeartbeatKeyPrefix,
				jobruntime.DefaultHeartbeatInterval, jobruntime.DefaultHeartbeatTTL)
			return nil
		})
		g.Go(func() error {
			jobruntime.StartDeadLetterReplayRoutine(ctx, s.Redis, s.DeadLetter, s.Store,
				cfg.RequestLog.DeadLetterReplayTimer.Duration())
			return nil
		})
	}

	if s.Distributor != nil {
		g.Go(func() error {
			if _, err := s.Distributor.Sync(ctx); err != nil {
				log.Warn("GeoLite database sync failed", "error", err)
			}
			s.Distributor.Subscribe(ctx)
			return nil
		})
	}
	if s.Updater != nil && cfg.Geolocation.GeoLite.AutoUpdate {
		g.Go(func() error {
			jobruntime.StartGeoLiteUpdateRoutine(ctx, s.Redis, s.Updater, cfg.Geolocation.GeoLite.UpdateTimer.Duration())
			return nil
		})
	}
}

// Close releases connections. Errors are logged since shutdown continues
// regardless.
func (s *Services) Close() {
	var errs []error
	if s.GeoLite != nil {
		errs = append(errs, s.GeoLite.Close())
	}
	if s.Redis != nil {
		errs = append(errs, s.Redis.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("Error while closing services", "error", err)
	}
}

// ShutdownTimeout is how long in-flight requests may take once shutdown starts.
func (s *Services) ShutdownTimeout() time.Duration {
	return s.Config.Server.ShutdownTimer.Duration()
}
