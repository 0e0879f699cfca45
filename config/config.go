// Package config loads the service configuration from an optional YAML
// file and SWAPCRON_* environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Deepreo/swapcron/modules/api"
	"github.com/Deepreo/swapcron/modules/cache"
	"github.com/Deepreo/swapcron/modules/database"
	"github.com/Deepreo/swapcron/modules/metrics"
	"github.com/Deepreo/swapcron/modules/poller"
	"github.com/Deepreo/swapcron/modules/relay"
	"github.com/Deepreo/swapcron/modules/servers"
	"github.com/Deepreo/swapcron/modules/store"
	"github.com/Deepreo/swapcron/modules/tokens"
)

const EnvPrefix = "SWAPCRON"

const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
)

type AppConfig struct {
	Name      string `mapstructure:"name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

type StoreConfig struct {
	Driver   string            `mapstructure:"driver"`
	Mongo    store.MongoConfig `mapstructure:"mongo"`
	Postgres database.Config   `mapstructure:"postgres"`
}

type NotifyConfig struct {
	Driver string `mapstructure:"driver"`
	Buffer int    `mapstructure:"buffer"`
}

type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

type LocksConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type Config struct {
	App       AppConfig                `mapstructure:"app"`
	Server    servers.HttpServerConfig `mapstructure:"server"`
	Store     StoreConfig              `mapstructure:"store"`
	Redis     cache.Config             `mapstructure:"redis"`
	Notify    NotifyConfig             `mapstructure:"notify"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Poller    poller.Config            `mapstructure:"poller"`
	Relay     relay.Config             `mapstructure:"relay"`
	Metrics   metrics.Config           `mapstructure:"metrics"`
	Tokens    tokens.Config            `mapstructure:"tokens"`
	Locks     LocksConfig              `mapstructure:"locks"`
	Stream    api.StreamConfig         `mapstructure:"stream"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "swapcron")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("server.host", servers.DefaultHost)
	v.SetDefault("server.port", servers.DefaultPort)
	v.SetDefault("server.read_timeout", servers.DefaultReadTimeout.String())
	// Event streams stay open far longer than any fixed write deadline.
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.allowed_origins", servers.DefaultAllowedOrigins)
	v.SetDefault("server.features.request_id.enabled", true)
	v.SetDefault("server.features.health_check.enabled", true)
	v.SetDefault("server.features.rate_limit.enabled", false)
	v.SetDefault("server.features.rate_limit.max", 100)
	v.SetDefault("server.features.rate_limit.expiration", "1m")
	v.SetDefault("server.features.elastic_apm.enabled", false)
	v.SetDefault("server.features.swagger_ui.enabled", false)

	v.SetDefault("store.driver", DriverMongo)
	v.SetDefault("store.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("store.mongo.database", "swapcron")
	v.SetDefault("store.mongo.connect_timeout", "10s")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", "5432")
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.dbname", "swapcron")
	v.SetDefault("store.postgres.sslmode", "disable")
	v.SetDefault("store.postgres.max_conns", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "swapcron:")

	v.SetDefault("notify.driver", DriverRedis)
	v.SetDefault("notify.buffer", 64)

	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("poller.interval", "5s")
	v.SetDefault("poller.max_attempts", 12)
	v.SetDefault("poller.fetch_timeout", "10s")
	v.SetDefault("poller.sweep_interval", "5m")

	v.SetDefault("relay.base_url", "https://api.relay.link")
	v.SetDefault("relay.timeout", "10s")
	v.SetDefault("relay.rate_limit", 10)
	v.SetDefault("relay.burst", 10)
	v.SetDefault("relay.quote_retries", 3)
	v.SetDefault("relay.retry_wait", "1s")
	v.SetDefault("relay.breaker.max_failures", 5)
	v.SetDefault("relay.breaker.open_timeout", "30s")

	v.SetDefault("metrics.interval", "30s")
	v.SetDefault("metrics.cache_ttl", "1m")

	v.SetDefault("tokens.ttl", "1h")
	v.SetDefault("locks.capacity", 4096)

	v.SetDefault("stream.timeout", "5m")
	v.SetDefault("stream.keep_alive", "15s")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when given, otherwise looks for config.yaml in the
// working directory and /etc/swapcron. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/swapcron")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}
	return Unmarshal(v)
}

func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMongo, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Notify.Driver {
	case DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown notify driver %q", c.Notify.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location is the timezone cron expressions are evaluated in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// NewLogger builds the process logger from the app section.
func NewLogger(cfg AppConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", cfg.Name)
}
