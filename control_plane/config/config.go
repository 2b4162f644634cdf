package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 10s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	StoreDriver string // "postgres" | "memory"
	DatabaseURL string // required when StoreDriver == "postgres"

	// Redis backs the webhook idempotency cache; empty addr = in-process cache.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminAPIKey string // operator key for the management surface

	NotifyTimeout time.Duration // per-agent push budget after a state mutation
	NotifyWorkers int           // concurrent agent pushes per dispatch

	HeartbeatRateLimit float64 // per-agent heartbeats per second
	HeartbeatBurst     int

	IdempotencyTTL time.Duration // webhook delivery replay window
}

// Load reads configuration from the environment, then applies an optional
// YAML overlay when PAD_CONFIG_FILE points at one. Environment wins for
// anything the overlay leaves at its zero value.
func Load() *Config {
	cfg := &Config{
		ListenAddr:      getenv("PAD_LISTEN_ADDR", ":8080"),
		ShutdownTimeout: mustDuration("PAD_SHUTDOWN_TIMEOUT", 10*time.Second),

		LogLevel:  getenv("PAD_LOG_LEVEL", "info"),
		PrettyLog: mustBool("PAD_PRETTY_LOG", false),

		StoreDriver: getenv("PAD_STORE_DRIVER", "memory"),
		DatabaseURL: getenv("PAD_DATABASE_URL", ""),

		RedisAddr:     getenv("PAD_REDIS_ADDR", ""),
		RedisPassword: getenv("PAD_REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("PAD_REDIS_DB", 0),

		AdminAPIKey: requireEnv("PAD_ADMIN_API_KEY"),

		NotifyTimeout: mustDuration("PAD_NOTIFY_TIMEOUT", 5*time.Second),
		NotifyWorkers: getenvInt("PAD_NOTIFY_WORKERS", 8),

		HeartbeatRateLimit: getenvFloat("PAD_HEARTBEAT_RATE", 2),
		HeartbeatBurst:     getenvInt("PAD_HEARTBEAT_BURST", 5),

		IdempotencyTTL: mustDuration("PAD_IDEMPOTENCY_TTL", 10*time.Minute),
	}

	if path := os.Getenv("PAD_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			panic(fmt.Sprintf("FATAL: cannot load config file %s: %v", path, err))
		}
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		panic("FATAL: PAD_DATABASE_URL is required when PAD_STORE_DRIVER=postgres")
	}

	return cfg
}

// fileOverlay mirrors the Config fields an operator may pin in YAML instead
// of the environment. Secrets stay out of it on purpose.
type fileOverlay struct {
	ListenAddr         string        `yaml:"listen_addr"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	LogLevel           string        `yaml:"log_level"`
	StoreDriver        string        `yaml:"store_driver"`
	NotifyTimeout      time.Duration `yaml:"notify_timeout"`
	NotifyWorkers      int           `yaml:"notify_workers"`
	HeartbeatRateLimit float64       `yaml:"heartbeat_rate"`
	HeartbeatBurst     int           `yaml:"heartbeat_burst"`
	IdempotencyTTL     time.Duration `yaml:"idempotency_ttl"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}

	if overlay.ListenAddr != "" {
		c.ListenAddr = overlay.ListenAddr
	}
	if overlay.ShutdownTimeout != 0 {
		c.ShutdownTimeout = overlay.ShutdownTimeout
	}
	if overlay.LogLevel != "" {
		c.LogLevel = overlay.LogLevel
	}
	if overlay.StoreDriver != "" {
		c.StoreDriver = overlay.StoreDriver
	}
	if overlay.NotifyTimeout != 0 {
		c.NotifyTimeout = overlay.NotifyTimeout
	}
	if overlay.NotifyWorkers != 0 {
		c.NotifyWorkers = overlay.NotifyWorkers
	}
	if overlay.HeartbeatRateLimit != 0 {
		c.HeartbeatRateLimit = overlay.HeartbeatRateLimit
	}
	if overlay.HeartbeatBurst != 0 {
		c.HeartbeatBurst = overlay.HeartbeatBurst
	}
	if overlay.IdempotencyTTL != 0 {
		c.IdempotencyTTL = overlay.IdempotencyTTL
	}
	return nil
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
