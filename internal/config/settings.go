package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"ipwarden/internal/support"
)

// Supported geolocation providers.
const (
	ProviderGeoLite = "geolite"
	ProviderAPI     = "api"
	ProviderNone    = "none"
)

// Supported rate-limit key types.
const (
	KeyTypeIP       = "ip"
	KeyTypeUserOrIP = "user_or_ip"
)

type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Server struct {
		Port              int   `yaml:"port"`
		TrustForwardedFor bool  `yaml:"trust_forwarded_for"`
		ShutdownTimer     Timer `yaml:"shutdown_timer"`
	} `yaml:"server"`

	Database struct {
		Driver      string `yaml:"driver"`
		DSN         string `yaml:"dsn"`
		AutoMigrate bool   `yaml:"auto_migrate"`
	} `yaml:"database"`

	Redis struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"redis"`

	Geolocation GeolocationConfig `yaml:"geolocation"`

	Blacklist struct {
		RefreshTimer Timer `yaml:"refresh_timer"`
	} `yaml:"blacklist"`

	Detection DetectionConfig `yaml:"detection"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	RequestLog struct {
		WriteAttempts         int   `yaml:"write_attempts"`
		Retention             Timer `yaml:"retention"`
		PurgeTimer            Timer `yaml:"purge_timer"`
		DeadLetterReplayTimer Timer `yaml:"dead_letter_replay_timer"`
	} `yaml:"request_log"`

	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		TokenTTL     Timer  `yaml:"token_ttl"`
		DemoUserID   uint   `yaml:"demo_user_id"`
		DemoUsername string `yaml:"demo_username"`
		DemoPassword string `yaml:"demo_password"`
	} `yaml:"auth"`
}

type GeolocationConfig struct {
	Provider string `yaml:"provider"`
	CacheTTL Timer  `yaml:"cache_ttl"`
	Timeout  Timer  `yaml:"timeout"`

	GeoLite struct {
		DataDir     string `yaml:"data_dir"`
		LicenseKey  string `yaml:"license_key"`
		AutoUpdate  bool   `yaml:"auto_update"`
		UpdateTimer Timer  `yaml:"update_timer"`
	} `yaml:"geolite"`

	API struct {
		URL    string `yaml:"url"`
		APIKey string `yaml:"api_key"`
	} `yaml:"api"`
}

type DetectionConfig struct {
	Timer            Timer    `yaml:"timer"`
	Window           Timer    `yaml:"window"`
	RequestThreshold int      `yaml:"request_threshold"`
	SensitivePaths   []string `yaml:"sensitive_paths"`
}

type RateLimitConfig struct {
	FailOpen bool            `yaml:"fail_open"`
	Methods  []string        `yaml:"methods"`
	Rules    []RateLimitRule `yaml:"rules"`
}

type RateLimitRule struct {
	Name   string `yaml:"name"`
	Key    string `yaml:"key"`
	Limit  int    `yaml:"limit"`
	Window Timer  `yaml:"window"`
}

//go:embed default_settings.yml
var defaultSettings []byte

// Load decodes the embedded defaults, overlays the file at path (when given)
// and finally applies environment overrides.
func Load(path string) (Config, error) {
	var cfg Config
	if err := decode(defaultSettings, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
		log.Debug("Settings file loaded", "path", path)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the embedded defaults with environment overrides applied.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Log.Level = support.GetEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Database.Driver = support.GetEnv("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = support.GetEnv("DB_DSN", cfg.Database.DSN)
	cfg.Redis.URL = support.GetEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Enabled = support.GetEnvBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Auth.JWTSecret = support.GetEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.DemoUsername = support.GetEnv("DEMO_LOGIN_USERNAME", cfg.Auth.DemoUsername)
	cfg.Auth.DemoPassword = support.GetEnv("DEMO_LOGIN_PASSWORD", cfg.Auth.DemoPassword)
	cfg.Geolocation.Provider = support.GetEnv("GEOLOCATION_PROVIDER", cfg.Geolocation.Provider)
	cfg.Geolocation.GeoLite.LicenseKey = support.GetEnv("GEOLITE_LICENSE_KEY", cfg.Geolocation.GeoLite.LicenseKey)
	cfg.Geolocation.API.APIKey = support.GetEnv("IPGEOLOCATION_API_KEY", cfg.Geolocation.API.APIKey)
}

// Validate rejects settings the services cannot be built from.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	switch c.Geolocation.Provider {
	case ProviderGeoLite, ProviderAPI, ProviderNone:
	default:
		errs = append(errs, fmt.Errorf("geolocation.provider %q is not supported", c.Geolocation.Provider))
	}

	if c.Detection.RequestThreshold < 0 {
		errs = append(errs, errors.New("detection.request_threshold must not be negative"))
	}
	if c.Detection.Window.IsZero() {
		errs = append(errs, errors.New("detection.window must be set"))
	}

	for i, rule := range c.RateLimit.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d]: name is required", i))
		}
		switch rule.Key {
		case KeyTypeIP, KeyTypeUserOrIP:
		default:
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d]: key %q is not supported", i, rule.Key))
		}
		if rule.Limit <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d]: limit must be positive", i))
		}
		if rule.Window.IsZero() {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d]: window must be set", i))
		}
	}

	return errors.Join(errs...)
}
