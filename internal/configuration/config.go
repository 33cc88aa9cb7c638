// Package configuration loads and validates process configuration for the
// planner, workers, and artifact store server. Values resolve in the usual
// order: defaults, then an optional YAML file, then LOOM_-prefixed
// environment variables.
package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/go-loom/internal/domain"
)

// validate is the package-level validator for configuration structs.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the full process configuration.
type Config struct {
	// Redis connects every durable backend: queue, manifest, events, and
	// the cost ledger.
	Redis RedisConfig `mapstructure:"redis" json:"redis"`

	// KeyPrefix namespaces every Redis key this deployment touches.
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`

	// Store configures the artifact store backend and server.
	Store StoreConfig `mapstructure:"store" json:"store"`

	// Router configures queue lease and retry behavior.
	Router RouterConfig `mapstructure:"router" json:"router"`

	// Worker configures the worker harness.
	Worker WorkerConfig `mapstructure:"worker" json:"worker"`

	// Limits is the default spend ceiling applied when a run spec omits
	// its own.
	Limits domain.SpendLimits `mapstructure:"limits" json:"limits"`

	// LogLevel is the slog level name: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
}

// RedisConfig holds connection settings for the shared Redis instance.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr" validate:"required"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db" validate:"min=0"`
}

// StoreConfig selects and configures the artifact store.
type StoreConfig struct {
	// Backend is "fs" or "memory". Remote workers reach either through
	// the HTTP server.
	Backend string `mapstructure:"backend" json:"backend" validate:"oneof=fs memory"`

	// Root is the filesystem root for the fs backend.
	Root string `mapstructure:"root" json:"root"`

	// ListenAddr is the HTTP server bind address for `loom store`.
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// BaseURL is where clients reach the store server. Empty means the
	// process uses its local backend directly.
	BaseURL string `mapstructure:"base_url" json:"base_url"`
}

// RouterConfig mirrors router.Config for file and env configuration.
type RouterConfig struct {
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" json:"lease_timeout" validate:"min=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts" validate:"min=0"`
	ClaimBlock   time.Duration `mapstructure:"claim_block" json:"claim_block" validate:"min=0"`
}

// WorkerConfig configures the worker harness.
type WorkerConfig struct {
	Group       string `mapstructure:"group" json:"group" validate:"required"`
	Concurrency int    `mapstructure:"concurrency" json:"concurrency" validate:"min=1"`
}

// DefaultConfig returns settings for a single-host development deployment.
func DefaultConfig() Config {
	return Config{
		Redis:     RedisConfig{Addr: "localhost:6379"},
		KeyPrefix: "loom",
		Store: StoreConfig{
			Backend:    "fs",
			Root:       "./loom-artifacts",
			ListenAddr: ":8710",
		},
		Router: RouterConfig{
			LeaseTimeout: 5 * time.Minute,
			MaxAttempts:  3,
			ClaimBlock:   2 * time.Second,
		},
		Worker: WorkerConfig{
			Group:       "loom-workers",
			Concurrency: 4,
		},
		Limits:   domain.DefaultSpendLimits(),
		LogLevel: "info",
	}
}

// Load resolves configuration from defaults, the optional YAML file at
// path, and LOOM_-prefixed environment variables (LOOM_REDIS_ADDR,
// LOOM_STORE_BACKEND, ...).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultConfig()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// bindDefaults registers every key with viper so AutomaticEnv resolves it
// even when no config file sets it.
func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.password", cfg.Redis.Password)
	v.SetDefault("redis.db", cfg.Redis.DB)
	v.SetDefault("key_prefix", cfg.KeyPrefix)
	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.root", cfg.Store.Root)
	v.SetDefault("store.listen_addr", cfg.Store.ListenAddr)
	v.SetDefault("store.base_url", cfg.Store.BaseURL)
	v.SetDefault("router.lease_timeout", cfg.Router.LeaseTimeout)
	v.SetDefault("router.max_attempts", cfg.Router.MaxAttempts)
	v.SetDefault("router.claim_block", cfg.Router.ClaimBlock)
	v.SetDefault("worker.group", cfg.Worker.Group)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("limits.ceiling_milli_cents", int64(cfg.Limits.CeilingMilliCents))
	v.SetDefault("log_level", cfg.LogLevel)
}

// Validate checks structural constraints across the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Backend == "fs" && c.Store.Root == "" {
		return fmt.Errorf("invalid configuration: fs store requires store.root")
	}
	return nil
}
