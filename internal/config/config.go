package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/ratelimit"
	"github.com/technosupport/ts-license/internal/webhook"
)

// Duration is a time.Duration that unmarshals from Go duration strings
// ("30s", "5m"), which plain time.Duration does not do under yaml.v3.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full service configuration. Secrets come from the
// environment; the YAML file carries everything an operator may tune.
type Config struct {
	Server struct {
		Addr            string   `yaml:"addr"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Auth struct {
		JWTSigningKey  string   `yaml:"jwt_signing_key"`
		ClientCacheTTL Duration `yaml:"client_cache_ttl"`
		NonceTTL       Duration `yaml:"nonce_ttl"`
	} `yaml:"auth"`

	RateLimits middleware.RateLimitConfig `yaml:"rate_limits"`

	Webhooks struct {
		MaxAttempts int                               `yaml:"max_attempts"`
		Providers   map[string]webhook.ProviderConfig `yaml:"providers"`
	} `yaml:"webhooks"`

	Audit struct {
		SpoolDir       string   `yaml:"spool_dir"`
		ReplayInterval Duration `yaml:"replay_interval"`
	} `yaml:"audit"`
}

// Load reads the YAML file and applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8080"
	cfg.Server.ShutdownTimeout = Duration(15 * time.Second)
	cfg.Database.MaxOpenConns = 25
	cfg.NATS.Subject = "license.events"
	cfg.Auth.ClientCacheTTL = Duration(5 * time.Minute)
	cfg.Auth.NonceTTL = Duration(5 * time.Minute)
	cfg.RateLimits.Client = ratelimit.LimitConfig{Rate: 300, Window: time.Minute}
	cfg.Webhooks.MaxAttempts = 5
	cfg.Audit.ReplayInterval = Duration(30 * time.Second)
	return cfg
}

// applyEnv lets deployments override secrets without touching the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LICENSE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("LICENSE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LICENSE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LICENSE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LICENSE_JWT_SIGNING_KEY"); v != "" {
		cfg.Auth.JWTSigningKey = v
	}
	if v := os.Getenv("LICENSE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}
