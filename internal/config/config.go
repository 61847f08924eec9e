package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL         string        `mapstructure:"REDIS_URL"`
	DedupeTTL        time.Duration `mapstructure:"DEDUPE_TTL"`
	AuthJWTSecret    string        `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
	HookAllowedRoles []string      `mapstructure:"HOOK_ALLOWED_ROLES"`
	NotifyChannel    string        `mapstructure:"NOTIFY_CHANNEL"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
	LogFile          string        `mapstructure:"LOG_FILE"`
	LogMaxSizeMB     int           `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups    int           `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays    int           `mapstructure:"LOG_MAX_AGE_DAYS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "DEDUPE_TTL",
	"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "HOOK_ALLOWED_ROLES",
	"NOTIFY_CHANNEL",
	"LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB", "LOG_MAX_BACKUPS", "LOG_MAX_AGE_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEDUPE_TTL", "24h")
	v.SetDefault("HOOK_ALLOWED_ROLES", "service_role")
	v.SetDefault("NOTIFY_CHANNEL", "submission_events")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 10)
	v.SetDefault("LOG_MAX_BACKUPS", 3)
	v.SetDefault("LOG_MAX_AGE_DAYS", 7)

	// Unmarshal only sees env vars that were bound explicitly.
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.HookAllowedRoles = splitList(strings.Join(cfg.HookAllowedRoles, ","))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Level parses LOG_LEVEL, falling back to info when it is empty.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(c.LogLevel))
}

// Validate checks that the configuration is safe to run. Outside development a
// JWT secret is mandatory so the trigger hook and staff API are never open.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when ENV=%q", c.Env)
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.DedupeTTL < 0 {
		return fmt.Errorf("DEDUPE_TTL must not be negative")
	}
	if len(c.HookAllowedRoles) == 0 {
		return fmt.Errorf("HOOK_ALLOWED_ROLES must name at least one role")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
