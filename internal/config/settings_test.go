package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != 8082 {
		t.Fatalf("port = %d, want 8082", cfg.Server.Port)
	}
	if got := cfg.Geolocation.CacheTTL.Duration(); got != 24*time.Hour {
		t.Fatalf("geo cache ttl = %s, want 24h", got)
	}
	if got := cfg.Detection.Window.Duration(); got != time.Hour {
		t.Fatalf("detection window = %s, want 1h", got)
	}
	if cfg.Detection.RequestThreshold != 100 {
		t.Fatalf("request threshold = %d, want 100", cfg.Detection.RequestThreshold)
	}
	if strings.Join(cfg.Detection.SensitivePaths, ",") != "/admin,/login" {
		t.Fatalf("sensitive paths = %v", cfg.Detection.SensitivePaths)
	}
	if len(cfg.RateLimit.Rules) != 2 {
		t.Fatalf("rate limit rules = %d, want 2", len(cfg.RateLimit.Rules))
	}
	first, second := cfg.RateLimit.Rules[0], cfg.RateLimit.Rules[1]
	if first.Key != KeyTypeIP || first.Limit != 5 || first.Window.Duration() != time.Minute {
		t.Fatalf("first rule = %+v, want ip 5/1m", first)
	}
	if second.Key != KeyTypeUserOrIP || second.Limit != 10 || second.Window.Duration() != time.Minute {
		t.Fatalf("second rule = %+v, want user_or_ip 10/1m", second)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipwarden.yml")
	content := `
server:
  port: 9000
detection:
  request_threshold: 250
rate_limit:
  rules:
    - name: burst
      key: ip
      limit: 2
      window:
        seconds: 10
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Fatalf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Detection.RequestThreshold != 250 {
		t.Fatalf("threshold = %d, want 250", cfg.Detection.RequestThreshold)
	}
	if got := cfg.Detection.Window.Duration(); got != time.Hour {
		t.Fatalf("untouched window = %s, want default 1h", got)
	}
	if len(cfg.RateLimit.Rules) != 1 || cfg.RateLimit.Rules[0].Name != "burst" {
		t.Fatalf("rules = %+v, want single burst rule", cfg.RateLimit.Rules)
	}
}

func TestLoadRejectsUnknownKeyType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	content := `
rate_limit:
  rules:
    - name: session
      key: cookie
      limit: 1
      window:
        minutes: 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unsupported key type")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typo.yml")
	if err := os.WriteFile(path, []byte("servr:\n  port: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Redis.URL != "redis://cache:6379/2" {
		t.Fatalf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("jwt secret not overridden")
	}
	if cfg.Redis.Enabled {
		t.Fatalf("redis should be disabled by env override")
	}
}
