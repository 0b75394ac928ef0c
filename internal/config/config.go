package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// insecureJWTSecret is the built-in default; it is only accepted in development.
const insecureJWTSecret = "supersecretkey"

type Config struct {
	Addr          string          `yaml:"addr"`
	JWTSecret     string          `yaml:"jwt_secret"`
	APITimeout    time.Duration   `yaml:"timeout"`
	DatabasePath  string          `yaml:"database_path"`
	TokenDuration time.Duration   `yaml:"token_duration"`
	Jobs          JobsConfig      `yaml:"jobs"`
	Realtime      RealtimeConfig  `yaml:"realtime"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// JobsConfig sizes the outbox worker pool.
type JobsConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Retention is how long finished jobs are kept before pruning.
	Retention time.Duration `yaml:"retention"`
}

// RealtimeConfig configures websocket delivery and the optional RabbitMQ
// relay used when more than one server instance runs.
type RealtimeConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	AMQPURL        string        `yaml:"amqp_url"`
	Exchange       string        `yaml:"exchange"`
	DialRetries    int           `yaml:"dial_retries"`
	DialRetryDelay time.Duration `yaml:"dial_retry_delay"`
}

// RateLimitConfig is the per-caller token bucket applied to mutating routes.
// RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func LoadConfig(path string) (*Config, error) {
	apiTimeout := 15 * time.Second
	tokenDuration := 1 * time.Hour

	cfg := &Config{
		Addr:          getEnv("MARKET_ADDR", ":8080"),
		JWTSecret:     getEnv("MARKET_JWT_SECRET", insecureJWTSecret),
		APITimeout:    apiTimeout,
		DatabasePath:  getEnv("MARKET_DATABASE_PATH", "servicemarket.db"),
		TokenDuration: tokenDuration,
		Realtime: RealtimeConfig{
			AMQPURL: os.Getenv("MARKET_AMQP_URL"),
		},
	}
	if v := os.Getenv("MARKET_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MARKET_WORKERS: %w", err)
		}
		cfg.Jobs.Workers = n
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate rejects unusable settings and fills defaults for optional ones.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.DatabasePath == "" {
		return errors.New("database_path is required")
	}
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required")
	}
	if c.JWTSecret == insecureJWTSecret && os.Getenv("MARKET_ENV") != "development" {
		return errors.New("jwt_secret uses the insecure default; set MARKET_JWT_SECRET or MARKET_ENV=development")
	}

	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	if c.TokenDuration <= 0 {
		c.TokenDuration = time.Hour
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.PollInterval <= 0 {
		c.Jobs.PollInterval = 500 * time.Millisecond
	}
	if c.Jobs.Retention <= 0 {
		c.Jobs.Retention = 24 * time.Hour
	}
	if c.Realtime.BufferSize <= 0 {
		c.Realtime.BufferSize = 32
	}
	if c.Realtime.Exchange == "" {
		c.Realtime.Exchange = "servicemarket.realtime"
	}
	if c.Realtime.DialRetries <= 0 {
		c.Realtime.DialRetries = 5
	}
	if c.Realtime.DialRetryDelay <= 0 {
		c.Realtime.DialRetryDelay = time.Second
	}
	if c.RateLimit.RPS < 0 {
		return errors.New("rate_limit.rps cannot be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RPS) + 1
	}

	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return def
}
