// Package config loads keylock settings from .env files, an optional config
// file and KEYLOCK_* environment variables. The resulting Config is a plain
// value; nothing reads global state after Load returns.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/partition"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "keylock"

// Bus kinds.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
	BusKafka  = "kafka"
)

type Redis struct {
	Addr      string
	Password  string
	DB        int
	OpTimeout time.Duration
}

type Lock struct {
	Variant         string
	Fair            bool
	Prefix          string
	PollInterval    time.Duration
	SkewAllowance   time.Duration
	MaxLease        time.Duration
	DefaultLease    time.Duration
	WatchdogTimeout time.Duration
}

type Expiry struct {
	Enabled bool
	DB      int
	// Configure enables notify-keyspace-events on the server at startup.
	Configure bool
}

type Bus struct {
	Kind         string
	Prefix       string
	NATSURL      string
	KafkaBrokers []string
}

type Telemetry struct {
	TraceStdout bool
	MetricsAddr string
}

// Config is the full keylock configuration.
type Config struct {
	Redis     Redis
	Partition partition.Config
	Lock      Lock
	Expiry    Expiry
	Bus       Bus
	Telemetry Telemetry
}

// SetDefaults registers every key with its default on v so that environment
// variables can override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.op_timeout", 5*time.Second)

	v.SetDefault("partition.enabled", false)
	v.SetDefault("partition.bucket_count", partition.DefaultBucketCount)

	v.SetDefault("lock.variant", string(lock.VariantPolling))
	v.SetDefault("lock.fair", false)
	v.SetDefault("lock.prefix", lock.DefaultPrefix)
	v.SetDefault("lock.poll_interval", lock.DefaultPollInterval)
	v.SetDefault("lock.skew_allowance", lock.DefaultSkewAllowance)
	v.SetDefault("lock.max_lease", lock.MaxLease)
	v.SetDefault("lock.default_lease", lock.DefaultLease)
	v.SetDefault("lock.watchdog_timeout", 30*time.Second)

	v.SetDefault("expiry.enabled", false)
	v.SetDefault("expiry.db", 0)
	v.SetDefault("expiry.configure", false)

	v.SetDefault("bus.kind", BusMemory)
	v.SetDefault("bus.prefix", "keylock:bus:")
	v.SetDefault("bus.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("bus.kafka_brokers", "")

	v.SetDefault("telemetry.trace_stdout", false)
	v.SetDefault("telemetry.metrics_addr", "")
}

// NewViper returns a viper instance with defaults and environment binding.
// .env and .env.local are loaded into the process environment first.
func NewViper() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. path names an optional config file in any
// format viper understands.
func Load(path string) (Config, error) {
	return LoadViper(NewViper(), path)
}

// LoadViper is Load over a caller prepared viper instance, typically one
// with command line flags bound to its keys.
func LoadViper(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromViper builds a Config from v without validating it.
func FromViper(v *viper.Viper) Config {
	return Config{
		Redis: Redis{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			OpTimeout: v.GetDuration("redis.op_timeout"),
		},
		Partition: partition.Config{
			Enabled:     v.GetBool("partition.enabled"),
			BucketCount: v.GetInt("partition.bucket_count"),
		},
		Lock: Lock{
			Variant:         v.GetString("lock.variant"),
			Fair:            v.GetBool("lock.fair"),
			Prefix:          v.GetString("lock.prefix"),
			PollInterval:    v.GetDuration("lock.poll_interval"),
			SkewAllowance:   v.GetDuration("lock.skew_allowance"),
			MaxLease:        v.GetDuration("lock.max_lease"),
			DefaultLease:    v.GetDuration("lock.default_lease"),
			WatchdogTimeout: v.GetDuration("lock.watchdog_timeout"),
		},
		Expiry: Expiry{
			Enabled:   v.GetBool("expiry.enabled"),
			DB:        v.GetInt("expiry.db"),
			Configure: v.GetBool("expiry.configure"),
		},
		Bus: Bus{
			Kind:         strings.ToLower(v.GetString("bus.kind")),
			Prefix:       v.GetString("bus.prefix"),
			NATSURL:      v.GetString("bus.nats_url"),
			KafkaBrokers: splitList(v.GetString("bus.kafka_brokers")),
		},
		Telemetry: Telemetry{
			TraceStdout: v.GetBool("telemetry.trace_stdout"),
			MetricsAddr: v.GetString("telemetry.metrics_addr"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every configuration error at once.
func (c Config) Validate() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr must be set"))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("redis.db must not be negative"))
	}
	if c.Partition.BucketCount <= 0 {
		errs = append(errs, fmt.Errorf("partition.bucket_count: %d: must be positive", c.Partition.BucketCount))
	}
	variant, err := lock.ParseVariant(c.Lock.Variant)
	if err != nil {
		errs = append(errs, fmt.Errorf("lock.variant: %w", err))
	}
	if c.Lock.Fair && variant == lock.VariantPolling {
		errs = append(errs, fmt.Errorf("lock.fair: %w", kerrors.ErrFairUnsupported))
	}
	for name, d := range map[string]time.Duration{
		"redis.op_timeout":      c.Redis.OpTimeout,
		"lock.poll_interval":    c.Lock.PollInterval,
		"lock.skew_allowance":   c.Lock.SkewAllowance,
		"lock.max_lease":        c.Lock.MaxLease,
		"lock.default_lease":    c.Lock.DefaultLease,
		"lock.watchdog_timeout": c.Lock.WatchdogTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: %v: must not be negative", name, d))
		}
	}
	switch c.Bus.Kind {
	case BusMemory, BusRedis:
	case BusNATS:
		if c.Bus.NATSURL == "" {
			errs = append(errs, errors.New("bus.nats_url must be set for the nats bus"))
		}
	case BusKafka:
		if len(c.Bus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("bus.kafka_brokers must be set for the kafka bus"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.kind: unknown bus %q", c.Bus.Kind))
	}
	if c.Expiry.DB < 0 && c.Expiry.DB != -1 {
		errs = append(errs, errors.New("expiry.db must be a database index or -1 for all"))
	}
	return errors.Join(errs...)
}

// LockConfig maps the lock section onto lock.Config. Runtime collaborators
// such as the bus and logger are left for the caller to fill in.
func (c Config) LockConfig() lock.Config {
	variant, _ := lock.ParseVariant(c.Lock.Variant)
	return lock.Config{
		Variant:       variant,
		Fair:          c.Lock.Fair,
		Prefix:        c.Lock.Prefix,
		PollInterval:  c.Lock.PollInterval,
		SkewAllowance: c.Lock.SkewAllowance,
		MaxLease:      c.Lock.MaxLease,
		DefaultLease:  c.Lock.DefaultLease,
	}
}
