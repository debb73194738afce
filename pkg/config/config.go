// Package config loads runtime configuration from file, environment and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/nicktill/minerstats/pkg/logging"
	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. MINERSTATS_STORAGE_BACKEND
const EnvPrefix = "MINERSTATS"

// Storage backends
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Registry RegistryConfig `mapstructure:"registry"`
	Tracing  tracing.Config `mapstructure:"tracing"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig covers the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

// StorageConfig selects and configures the store backend.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// BadgerConfig for the on-disk backend.
type BadgerConfig struct {
	Path         string `mapstructure:"path"`
	InMemory     bool   `mapstructure:"in_memory"`
	MaxMemoryMB  int64  `mapstructure:"max_memory_mb"`
	MaxStorageGB int64  `mapstructure:"max_storage_gb"`
}

// RedisConfig for the shared Redis backend.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// PostgresConfig encapsulates PostgreSQL connectivity.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// PipelineConfig tunes batch processing.
type PipelineConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RegistryConfig extends the built-in pools, algorithms and currencies.
type RegistryConfig struct {
	Pools      []PoolConfig `mapstructure:"pools"`
	Algorithms []string     `mapstructure:"algorithms"`
	Currencies []string     `mapstructure:"currencies"`
}

// PoolConfig registers one pool. Focus is "algo" or "coin".
type PoolConfig struct {
	Name  string `mapstructure:"name"`
	Focus string `mapstructure:"focus"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("minerstats")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/minerstats")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "minerstats")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", DefaultAddr)
	v.SetDefault("http.read_timeout", DefaultReadTimeout.String())
	v.SetDefault("http.write_timeout", DefaultWriteTimeout.String())
	v.SetDefault("http.shutdown_timeout", DefaultShutdownTimeout.String())
	v.SetDefault("http.cors_origin", "*")

	v.SetDefault("storage.backend", BackendBadger)
	v.SetDefault("storage.badger.path", "./data/minerstats")
	v.SetDefault("storage.badger.in_memory", false)
	v.SetDefault("storage.badger.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("storage.badger.max_storage_gb", DefaultMaxStorageGB)
	v.SetDefault("storage.redis.url", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.prefix", "minerstats:")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")

	v.SetDefault("pipeline.concurrency", 16)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "minerstats")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("storage.badger.path is required unless storage.badger.in_memory is set")
		}
	case BackendRedis:
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("storage.redis.url is required")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, badger, redis, postgres", c.Storage.Backend)
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be greater than zero")
	}
	for i, p := range c.Registry.Pools {
		if p.Name == "" {
			return fmt.Errorf("registry.pools[%d].name is required", i)
		}
		if _, err := model.ParseFocus(p.Focus); err != nil {
			return fmt.Errorf("registry.pools[%d]: %w", i, err)
		}
	}
	return nil
}

// BuildRegistry returns the default registry extended with configured entries.
func (c *Config) BuildRegistry() (*model.Registry, error) {
	r := model.DefaultRegistry()
	for _, p := range c.Registry.Pools {
		f, err := model.ParseFocus(p.Focus)
		if err != nil {
			return nil, fmt.Errorf("registry.pools.%s: %w", p.Name, err)
		}
		r.AddPool(p.Name, f)
	}
	r.AddAlgorithms(c.Registry.Algorithms...)
	r.AddCurrencies(c.Registry.Currencies...)
	return r, nil
}
