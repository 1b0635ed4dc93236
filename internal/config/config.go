// Package config provides hierarchical configuration loading for the
// clinicore API. Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the clinicore core service.
type Config struct {
	Server   Server   `yaml:"server"`
	Postgres Postgres `yaml:"postgres"`
	Auth     Auth     `yaml:"auth"`
	Tenant   Tenant   `yaml:"tenant"`
	Rate     Rate     `yaml:"rate"`
	System   System   `yaml:"system"`
	Audit    Audit    `yaml:"audit"`
}

// Server holds HTTP server configuration.
type Server struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

// Postgres holds PostgreSQL connection configuration.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// Auth holds session token configuration.
type Auth struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Tenant holds tenant resolution configuration. DemoMode permits the
// resolver to synthesize an in-memory default organization when storage
// holds none; disable it for any deployment with real tenants.
type Tenant struct {
	DefaultSlug string        `yaml:"default_slug"`
	DemoMode    bool          `yaml:"demo_mode"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// Rate holds per-IP rate limiter configuration.
type Rate struct {
	PerSecond int `yaml:"per_second"`
	Burst     int `yaml:"burst"`
}

// System guards the cross-tenant administration surface.
type System struct {
	Key string `yaml:"key"`
}

// Audit configures the asynchronous audit recorder.
type Audit struct {
	Buffer int `yaml:"buffer"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Postgres: Postgres{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 15 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Auth: Auth{
			Issuer:   "clinicore",
			Audience: "clinicore-api",
			TokenTTL: 7 * 24 * time.Hour,
		},
		Tenant: Tenant{
			DefaultSlug: "demo",
			DemoMode:    true,
			CacheTTL:    30 * time.Second,
		},
		Rate: Rate{
			PerSecond: 50,
			Burst:     100,
		},
		Audit: Audit{
			Buffer: 256,
		},
	}
}
