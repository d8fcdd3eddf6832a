/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults below
  2. registry.yaml in the config path, if present
  3. REGISTRY_* environment variables (REGISTRY_TXN_MODE, REGISTRY_PRIMARY_REDIS_URL, ...)

EXAMPLE registry.yaml:
  http:
    addr: ":8080"
  txn:
    mode: dual-write-verify
    retry_budget: 3
  primary:
    driver: redis
    redis_url: redis://localhost:6379/0
  secondary:
    driver: pgx
    dsn: postgres://registry@localhost/registry
  kafka:
    brokers: [localhost:9092]
    topic: registry.history
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/backwardn/nomulus/store/relational"
	"github.com/backwardn/nomulus/transfer"
	"github.com/backwardn/nomulus/txn"
)

// Backend drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Allocators.
const (
	AllocatorPrimary   = "primary"
	AllocatorSecondary = "secondary"
	AllocatorMemory    = "memory"
)

type Config struct {
	HTTP      HTTP
	Txn       Txn
	Transfer  Transfer
	Primary   Backend
	Secondary Backend
	Kafka     Kafka
	LogLevel  string
}

type HTTP struct {
	Addr string
}

type Txn struct {
	Mode        txn.Mode
	RetryBudget int
	// Allocator names the backend that stores the id sequence.
	Allocator string
}

type Transfer struct {
	GracePeriod   time.Duration
	SweepInterval time.Duration
	NearingWindow time.Duration
}

// Backend configures one storage engine. Driver is "memory", "redis",
// "sqlite3" or "pgx"; empty disables the backend.
type Backend struct {
	Driver   string
	RedisURL string
	Prefix   string
	DSN      string
}

type Kafka struct {
	Brokers []string
	Topic   string
}

// Load reads registry.yaml from path (optional) and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("registry")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("txn.mode", string(txn.PrimaryOnly))
	v.SetDefault("txn.retry_budget", txn.DefaultRetryBudget)
	v.SetDefault("txn.allocator", AllocatorPrimary)
	v.SetDefault("transfer.grace_period", transfer.DefaultGracePeriod)
	v.SetDefault("transfer.sweep_interval", time.Minute)
	v.SetDefault("transfer.nearing_window", 24*time.Hour)
	v.SetDefault("primary.driver", DriverMemory)
	v.SetDefault("primary.redis_url", "redis://localhost:6379/0")
	v.SetDefault("primary.prefix", "registry")
	v.SetDefault("secondary.driver", "")
	v.SetDefault("secondary.dsn", "registry.db")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "registry.history")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	mode, err := txn.ParseMode(v.GetString("txn.mode"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		HTTP: HTTP{Addr: v.GetString("http.addr")},
		Txn: Txn{
			Mode:        mode,
			RetryBudget: v.GetInt("txn.retry_budget"),
			Allocator:   v.GetString("txn.allocator"),
		},
		Transfer: Transfer{
			GracePeriod:   v.GetDuration("transfer.grace_period"),
			SweepInterval: v.GetDuration("transfer.sweep_interval"),
			NearingWindow: v.GetDuration("transfer.nearing_window"),
		},
		Primary: Backend{
			Driver:   v.GetString("primary.driver"),
			RedisURL: v.GetString("primary.redis_url"),
			Prefix:   v.GetString("primary.prefix"),
		},
		Secondary: Backend{
			Driver: v.GetString("secondary.driver"),
			DSN:    v.GetString("secondary.dsn"),
		},
		Kafka: Kafka{
			Brokers: v.GetStringSlice("kafka.brokers"),
			Topic:   v.GetString("kafka.topic"),
		},
		LogLevel: v.GetString("log.level"),
	}
	return cfg, cfg.Validate()
}

// Validate checks that the configured mode has the backends it needs.
func (c Config) Validate() error {
	switch c.Primary.Driver {
	case "", DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("primary.driver: unsupported %q", c.Primary.Driver)
	}
	switch c.Secondary.Driver {
	case "", DriverMemory, relational.DriverSQLite, relational.DriverPostgres:
	default:
		return fmt.Errorf("secondary.driver: unsupported %q", c.Secondary.Driver)
	}
	if c.Txn.Mode != txn.PrimaryOnly && c.Secondary.Driver == "" {
		return fmt.Errorf("txn.mode %s needs secondary.driver", c.Txn.Mode)
	}
	if c.Txn.Mode != txn.SecondaryOnly && c.Primary.Driver == "" {
		return fmt.Errorf("txn.mode %s needs primary.driver", c.Txn.Mode)
	}
	switch c.Txn.Allocator {
	case AllocatorPrimary, AllocatorSecondary, AllocatorMemory:
	default:
		return fmt.Errorf("txn.allocator: unsupported %q", c.Txn.Allocator)
	}
	if c.Txn.RetryBudget < 0 {
		return fmt.Errorf("txn.retry_budget must not be negative")
	}
	if c.Transfer.GracePeriod <= 0 {
		return fmt.Errorf("transfer.grace_period must be positive")
	}
	return nil
}
