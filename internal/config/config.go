// Package config loads the relay's settings: defaults, then an optional YAML
// file, then environment overrides, then sanitizing and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DriverRedis  = "redis"
	DriverMemory = "memory"

	MembershipStore    = "store"
	MembershipAllowAll = "allow_all"
)

// RateLimitConfig defines per-connection inbound message limits.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// ServerConfig holds the socket server settings. AllowedOrigins,
// MaxMessageSize and RateLimit can be changed at runtime.
type ServerConfig struct {
	Port             string          `yaml:"port"`
	AllowedOrigins   []string        `yaml:"allowed_origins"`
	MaxMessageSize   int64           `yaml:"max_message_size"`
	RateLimit        RateLimitConfig `yaml:"rate_limit"`
	AnnouncePresence bool            `yaml:"announce_presence"`
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout"`
	InstanceID       string          `yaml:"instance_id"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	KeyPrefix string `yaml:"key_prefix"`
}

type RegistryConfig struct {
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
	HeartbeatSchedule string        `yaml:"heartbeat_schedule"`
	SweepSchedule     string        `yaml:"sweep_schedule"`
}

type QueueConfig struct {
	Driver        string        `yaml:"driver"`
	Capacity      int           `yaml:"capacity"`
	Concurrency   int           `yaml:"concurrency"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`
	// RunWorker runs the worker inside the serve process.
	RunWorker bool `yaml:"run_worker"`
}

type NotificationsConfig struct {
	DBPath      string        `yaml:"db_path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	Issuer        string        `yaml:"issuer"`
	Leeway        time.Duration `yaml:"leeway"`
	Membership    string        `yaml:"membership"`
	ProducerToken string        `yaml:"producer_token"`
}

type DeliveryConfig struct {
	PersistWhenOnline bool `yaml:"persist_when_online"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the complete, validated configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Redis         RedisConfig         `yaml:"redis"`
	Store         StoreConfig         `yaml:"store"`
	Registry      RegistryConfig      `yaml:"registry"`
	Queue         QueueConfig         `yaml:"queue"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Auth          AuthConfig          `yaml:"auth"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:             ":8080",
			AllowedOrigins:   []string{"http://localhost:8080"},
			MaxMessageSize:   512,
			RateLimit:        RateLimitConfig{Burst: 5, RefillInterval: time.Second},
			AnnouncePresence: true,
			ShutdownTimeout:  10 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Store: StoreConfig{Driver: DriverRedis, KeyPrefix: "gochat:"},
		Registry: RegistryConfig{
			PollTimeout:       time.Second,
			HeartbeatTTL:      30 * time.Second,
			HeartbeatSchedule: "@every 10s",
			SweepSchedule:     "@every 1m",
		},
		Queue: QueueConfig{
			Driver:        DriverRedis,
			Capacity:      1024,
			Concurrency:   2,
			MaxAttempts:   5,
			RetryBase:     500 * time.Millisecond,
			RetryMaxDelay: 15 * time.Second,
		},
		Notifications: NotificationsConfig{
			DBPath:      "data/notifications.db",
			BusyTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			Leeway:     30 * time.Second,
			Membership: MembershipStore,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, Namespace: "gochat"},
	}
}

// Load builds the configuration from path (optional) and the environment.
func Load(path string, logger zerolog.Logger) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	ApplyEnv(&cfg, logger)
	Sanitize(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeYAML layers data over the values already in cfg and rejects unknown
// keys.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg with any of the supported environment variables.
// Invalid numeric values are ignored and logged.
func ApplyEnv(cfg *Config, logger zerolog.Logger) {
	override := func(key string, apply func(string) bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return
		}
		if apply(v) {
			logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
		} else {
			logger.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid config value")
		}
	}
	setString := func(dst *string) func(string) bool {
		return func(v string) bool { *dst = v; return true }
	}

	override("SERVER_PORT", setString(&cfg.Server.Port))
	override("ALLOWED_ORIGINS", func(v string) bool {
		cfg.Server.AllowedOrigins = splitList(v)
		return true
	})
	override("MAX_MESSAGE_SIZE", func(v string) bool {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return false
		}
		cfg.Server.MaxMessageSize = n
		return true
	})
	override("RATE_LIMIT_BURST", func(v string) bool {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return false
		}
		cfg.Server.RateLimit.Burst = n
		return true
	})
	// Whole seconds, or a Go duration such as "500ms".
	override("RATE_LIMIT_REFILL_INTERVAL", func(v string) bool {
		d, ok := parseSecondsOrDuration(v)
		if ok {
			cfg.Server.RateLimit.RefillInterval = d
		}
		return ok
	})
	override("REDIS_ADDR", setString(&cfg.Redis.Addr))
	override("REDIS_PASSWORD", setString(&cfg.Redis.Password))
	override("STORE_DRIVER", setString(&cfg.Store.Driver))
	override("QUEUE_DRIVER", setString(&cfg.Queue.Driver))
	override("NOTIFICATIONS_DB_PATH", setString(&cfg.Notifications.DBPath))
	override("JWT_SECRET", setString(&cfg.Auth.JWTSecret))
	override("PRODUCER_TOKEN", setString(&cfg.Auth.ProducerToken))
	override("INSTANCE_ID", setString(&cfg.Server.InstanceID))
	override("LOG_LEVEL", setString(&cfg.Logging.Level))
	override("LOG_FORMAT", setString(&cfg.Logging.Format))
}

// Sanitize replaces out-of-range values with defaults and normalizes case.
func Sanitize(cfg *Config) {
	def := Default()

	if cfg.Server.Port == "" {
		cfg.Server.Port = def.Server.Port
	}
	if !strings.Contains(cfg.Server.Port, ":") {
		cfg.Server.Port = ":" + cfg.Server.Port
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = def.Server.MaxMessageSize
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = def.Server.RateLimit.Burst
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		cfg.Server.RateLimit.RefillInterval = def.Server.RateLimit.RefillInterval
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Registry.PollTimeout <= 0 {
		cfg.Registry.PollTimeout = def.Registry.PollTimeout
	}
	if cfg.Registry.HeartbeatTTL <= 0 {
		cfg.Registry.HeartbeatTTL = def.Registry.HeartbeatTTL
	}
	if cfg.Registry.HeartbeatSchedule == "" {
		cfg.Registry.HeartbeatSchedule = def.Registry.HeartbeatSchedule
	}
	if cfg.Registry.SweepSchedule == "" {
		cfg.Registry.SweepSchedule = def.Registry.SweepSchedule
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = def.Queue.Capacity
	}
	if cfg.Queue.Concurrency <= 0 {
		cfg.Queue.Concurrency = def.Queue.Concurrency
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = def.Queue.MaxAttempts
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Queue.Driver = strings.ToLower(strings.TrimSpace(cfg.Queue.Driver))
	cfg.Auth.Membership = strings.ToLower(strings.TrimSpace(cfg.Auth.Membership))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = def.Queue.Driver
	}
	if cfg.Auth.Membership == "" {
		cfg.Auth.Membership = def.Auth.Membership
	}
}

// Validate reports the first setting that would stop the relay from
// starting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverRedis, DriverMemory, c.Store.Driver)
	}
	switch c.Queue.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("queue.driver must be %q or %q, got %q", DriverRedis, DriverMemory, c.Queue.Driver)
	}
	if (c.Store.Driver == DriverRedis || c.Queue.Driver == DriverRedis) && c.Redis.Addr == "" {
		return errors.New("redis.addr is required by the redis driver")
	}
	switch c.Auth.Membership {
	case MembershipStore, MembershipAllowAll:
	default:
		return fmt.Errorf("auth.membership must be %q or %q, got %q", MembershipStore, MembershipAllowAll, c.Auth.Membership)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is not set in config or env var")
	}
	if c.Notifications.DBPath == "" {
		return errors.New("notifications.db_path is required")
	}
	if c.Logging.Format != "" && c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSecondsOrDuration(v string) (time.Duration, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, n > 0
	}
	d, err := time.ParseDuration(v)
	return d, err == nil && d > 0
}
