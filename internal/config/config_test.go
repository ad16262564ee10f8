package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/technosupport/ts-license/internal/config"
)

const sampleYAML = `
server:
  addr: ":9090"
database:
  dsn: "postgres://app@localhost/licenses?sslmode=disable"
redis:
  addr: "localhost:6379"
rate_limits:
  client:
    rate: 120
    window: 1m
  endpoints:
    /api/v1/licenses/validate:
      rate: 60
      window: 30s
webhooks:
  max_attempts: 3
  providers:
    paymenthub:
      secret: "whsec_abc"
      signature_prefix: "sha256="
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	// Defaults survive where the file is silent.
	if cfg.Server.ShutdownTimeout.Std() != 15*time.Second {
		t.Errorf("shutdown timeout default lost: %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.NATS.Subject != "license.events" {
		t.Errorf("nats subject default lost: %q", cfg.NATS.Subject)
	}

	if cfg.RateLimits.Client.Rate != 120 || cfg.RateLimits.Client.Window != time.Minute {
		t.Errorf("client limit = %+v", cfg.RateLimits.Client)
	}
	ep, ok := cfg.RateLimits.Endpoints["/api/v1/licenses/validate"]
	if !ok || ep.Rate != 60 || ep.Window != 30*time.Second {
		t.Errorf("endpoint limit = %+v", ep)
	}

	if cfg.Webhooks.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d", cfg.Webhooks.MaxAttempts)
	}
	p, ok := cfg.Webhooks.Providers["paymenthub"]
	if !ok || p.Secret != "whsec_abc" || p.SignaturePrefix != "sha256=" {
		t.Errorf("provider = %+v", p)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LICENSE_DB_DSN", "postgres://env@db/licenses")
	t.Setenv("LICENSE_JWT_SIGNING_KEY", "env-signing-key")

	cfg, err := config.Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.DSN != "postgres://env@db/licenses" {
		t.Errorf("env DSN not applied: %q", cfg.Database.DSN)
	}
	if cfg.Auth.JWTSigningKey != "env-signing-key" {
		t.Error("env signing key not applied")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	if _, err := config.Load(writeConfig(t, "server: [not a map")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

// A limit with a rate but no window would expire its counter instantly and
// enforce nothing; loading such a config must fail loudly.
func TestLoad_RateLimitWithoutWindow(t *testing.T) {
	yaml := `
rate_limits:
  endpoints:
    /api/v1/licenses/validate:
      rate: 60
`
	if _, err := config.Load(writeConfig(t, yaml)); err == nil {
		t.Error("expected error for endpoint limit without window")
	}
}

// The client limit has a built-in window, so overriding only the rate keeps it.
func TestLoad_ClientRateOverrideKeepsDefaultWindow(t *testing.T) {
	yaml := `
rate_limits:
  client:
    rate: 120
`
	cfg, err := config.Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimits.Client.Rate != 120 || cfg.RateLimits.Client.Window != time.Minute {
		t.Errorf("client limit = %+v", cfg.RateLimits.Client)
	}
}
