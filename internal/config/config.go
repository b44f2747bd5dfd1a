package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port string `envconfig:"PORT" default:"8080"`

	DatabaseURL  string        `envconfig:"DATABASE_URL" default:"licenses.db"`
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"5s"`
	StoreRetries int           `envconfig:"STORE_RETRIES" default:"3"`

	PrivateKeyPath string        `envconfig:"PRIVATE_KEY_PATH" default:"private.pem"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`

	// RedisURL enables the distributed activation lock when set.
	RedisURL string        `envconfig:"REDIS_URL"`
	LockTTL  time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	// JWTSecret is only needed when the admin API is enabled.
	JWTSecret         string `envconfig:"JWT_SECRET"`
	AdminUsername     string `envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPasswordHash string `envconfig:"ADMIN_PASSWORD_HASH"`

	RateLimitRPS   float64  `envconfig:"RATE_LIMIT_RPS" default:"5"`
	RateLimitBurst int      `envconfig:"RATE_LIMIT_BURST" default:"20"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"*"`

	SentryDSN string `envconfig:"SENTRY_DSN"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	if c.AdminPasswordHash != "" {
		if !strings.HasPrefix(c.AdminPasswordHash, "$2") {
			return errors.New("ADMIN_PASSWORD_HASH must be a bcrypt hash")
		}
		if len(c.JWTSecret) < 16 {
			return errors.New("JWT_SECRET must be at least 16 characters when the admin API is enabled")
		}
	}

	if c.StoreTimeout <= 0 {
		return errors.New("STORE_TIMEOUT must be positive")
	}

	if c.StoreRetries < 1 {
		return errors.New("STORE_RETRIES must be at least 1")
	}

	if c.SweepInterval < time.Minute {
		return errors.New("SWEEP_INTERVAL must be at least 1m")
	}

	// The lock must outlive an activation that exhausts every store retry.
	if worst := time.Duration(c.StoreRetries) * c.StoreTimeout; c.LockTTL <= worst {
		return fmt.Errorf("LOCK_TTL must exceed STORE_RETRIES x STORE_TIMEOUT (%s)", worst)
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	return nil
}

// AdminEnabled reports whether admin login is configured.
func (c *Config) AdminEnabled() bool {
	return c.AdminUsername != "" && c.AdminPasswordHash != ""
}
