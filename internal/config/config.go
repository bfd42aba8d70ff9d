// Package config loads process configuration from the environment (and an
// optional .env file) plus the hot-reloadable tuning record.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	HTTPAddr       string
	DatabaseURL    string
	Store          string
	RedisURL       string
	AMQPURL        string
	DiscoveryURL   string
	PublicBaseURL  string
	LogLevel       string
	LogFormat      string
	DriverInterval time.Duration
	TuningFile     string
	InstanceID     string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests can avoid the
// real environment.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		HTTPAddr:      get("HTTP_ADDR", ":8080"),
		DatabaseURL:   get("DATABASE_URL", ""),
		Store:         strings.ToLower(get("STORE", StorePostgres)),
		RedisURL:      get("REDIS_URL", ""),
		AMQPURL:       get("AMQP_URL", ""),
		DiscoveryURL:  get("DISCOVERY_URL", ""),
		PublicBaseURL: strings.TrimRight(get("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		LogLevel:      strings.ToLower(get("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(get("LOG_FORMAT", "json")),
		TuningFile:    get("TUNING_FILE", ""),
		InstanceID:    get("INSTANCE_ID", ""),
	}

	interval, err := time.ParseDuration(get("DRIVER_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("config: DRIVER_INTERVAL: %w", err)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("config: DRIVER_INTERVAL must be positive")
	}
	// check-ins must be polled at least once a minute
	if interval > time.Minute {
		interval = time.Minute
	}
	cfg.DriverInterval = interval

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE=postgres")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}
