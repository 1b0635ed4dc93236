package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "clinicore.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "CLINICORE_ADDR")
	setInt64(&cfg.Server.MaxBodyBytes, "CLINICORE_MAX_BODY_BYTES")
	setString(&cfg.Postgres.DSN, "CLINICORE_PG_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "CLINICORE_PG_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "CLINICORE_PG_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "CLINICORE_PG_CONN_MAX_LIFETIME")
	setString(&cfg.Auth.Secret, "CLINICORE_AUTH_SECRET")
	setString(&cfg.Auth.Issuer, "CLINICORE_AUTH_ISSUER")
	setString(&cfg.Auth.Audience, "CLINICORE_AUTH_AUDIENCE")
	setDuration(&cfg.Auth.TokenTTL, "CLINICORE_AUTH_TOKEN_TTL")
	setString(&cfg.Tenant.DefaultSlug, "CLINICORE_TENANT_DEFAULT_SLUG")
	setBool(&cfg.Tenant.DemoMode, "CLINICORE_TENANT_DEMO_MODE")
	setDuration(&cfg.Tenant.CacheTTL, "CLINICORE_TENANT_CACHE_TTL")
	setInt(&cfg.Rate.PerSecond, "CLINICORE_RATE_PER_SECOND")
	setInt(&cfg.Rate.Burst, "CLINICORE_RATE_BURST")
	setString(&cfg.System.Key, "CLINICORE_SYSTEM_KEY")
	setInt(&cfg.Audit.Buffer, "CLINICORE_AUDIT_BUFFER")
}

func validate(cfg *Config) error {
	if cfg.Auth.Secret == "" {
		return errors.New("auth secret is not configured (CLINICORE_AUTH_SECRET)")
	}
	if cfg.Auth.TokenTTL <= 0 {
		return errors.New("auth token_ttl must be greater than zero")
	}
	if cfg.Tenant.DefaultSlug == "" {
		return errors.New("tenant default_slug must not be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
