// Package presets wires a complete keylock stack from a config.Config: the
// Redis client, the KV store, the notification bus, the lock service and the
// Locker facade, plus the optional key expiration listener.
package presets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	"github.com/mirkobrombin/go-keylock/v1/config"
	"github.com/mirkobrombin/go-keylock/v1/events"
	"github.com/mirkobrombin/go-keylock/v1/expiry"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/lock/memlock"
	"github.com/mirkobrombin/go-keylock/v1/lock/redislock"
	"github.com/mirkobrombin/go-keylock/v1/partition"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// Stack holds every component built by New. Close releases them in reverse
// order of construction.
type Stack struct {
	Config      config.Config
	Client      *redis.Client
	KV          *adapter.RedisKV
	Partitioner *partition.Partitioner
	Bus         syncbus.Bus
	// Service is the managed lock service. It is nil for the polling variant.
	Service lock.Service
	// Locker publishes its acquisitions and releases on Events.
	Locker lock.Locker
	Events *events.Stream
	// Expiry is nil unless expiry.enabled is set.
	Expiry *expiry.Listener

	log     *slog.Logger
	closers []func() error
}

// Option configures New.
type Option func(*options)

type options struct {
	log    *slog.Logger
	client *redis.Client
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRedisClient uses client instead of dialing cfg.Redis. The stack does
// not close an injected client.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.client = client }
}

// New builds and starts the stack described by cfg. ctx bounds the startup
// round trips only.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Stack{Config: cfg, Events: events.NewStream(), log: o.log}

	s.Client = o.client
	if s.Client == nil {
		s.Client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.onClose(s.Client.Close)
	}
	if err := s.Client.Ping(ctx).Err(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("presets: redis %s: %w", cfg.Redis.Addr, err)
	}
	s.KV = adapter.NewRedisKV(s.Client, adapter.WithTimeout(cfg.Redis.OpTimeout))

	p, err := partition.New(cfg.Partition)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Partitioner = p

	if s.Bus, err = s.newBus(cfg.Bus); err != nil {
		_ = s.Close()
		return nil, err
	}

	lc := cfg.LockConfig()
	lc.Bus = s.Bus
	lc.Logger = s.log
	if lc.Variant == lock.VariantManaged {
		svc, err := redislock.New(s.Client,
			redislock.WithPrefix(cfg.Lock.Prefix),
			redislock.WithWatchdogTimeout(cfg.Lock.WatchdogTimeout),
			redislock.WithLogger(s.log),
		)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.onClose(svc.Close)
		s.Service = svc
	}
	locker, err := lock.NewLocker(lc, s.KV, s.Service)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Locker = events.Observe(locker, s.Events)

	if cfg.Expiry.Enabled {
		lockPrefix := lc.Prefix
		if lockPrefix == "" {
			lockPrefix = lock.DefaultPrefix
		}
		l := expiry.New(s.Client,
			expiry.WithDB(cfg.Expiry.DB),
			expiry.WithBus(s.Bus),
			expiry.WithNotifyConfig(cfg.Expiry.Configure),
			expiry.WithLogger(s.log),
			expiry.WithHandler(s.Events.ExpiryHandler(lockPrefix)),
		)
		if err := l.Start(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.onClose(l.Close)
		s.Expiry = l
	}

	s.log.Info("keylock: stack ready",
		"redis", cfg.Redis.Addr,
		"variant", lc.Variant,
		"fair", lc.Fair,
		"bus", cfg.Bus.Kind,
		"partitioned", p.Enabled(),
	)
	return s, nil
}

func (s *Stack) newBus(cfg config.Bus) (syncbus.Bus, error) {
	switch cfg.Kind {
	case config.BusRedis:
		b := syncbus.NewRedisBus(s.Client, cfg.Prefix)
		s.onClose(b.Close)
		return b, nil
	case config.BusNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("presets: nats %s: %w", cfg.NATSURL, err)
		}
		s.onClose(func() error { conn.Close(); return nil })
		return syncbus.NewNATSBus(conn), nil
	case config.BusKafka:
		b, err := syncbus.NewKafkaBus(cfg.KafkaBrokers, sarama.NewConfig(), cfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("presets: kafka: %w", err)
		}
		s.onClose(func() error { b.Close(); return nil })
		return b, nil
	}
	return syncbus.NewInMemoryBus(), nil
}

func (s *Stack) onClose(fn func() error) { s.closers = append(s.closers, fn) }

// Close stops the stack and reports every error met on the way.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Zip returns a bucketed value store over the stack's KV and partitioner.
func Zip[T any](s *Stack, opts ...adapter.ZipOption) *adapter.ZipStore[T] {
	return adapter.NewZipStore[T](s.KV, s.Partitioner, opts...)
}

// NewInMemory returns a Locker that needs no external services: an in-memory
// KV and bus for the polling variant, memlock for the managed one.
func NewInMemory(cfg lock.Config) (lock.Locker, error) {
	if cfg.Bus == nil {
		cfg.Bus = syncbus.NewInMemoryBus()
	}
	var svc lock.Service
	if cfg.Variant == lock.VariantManaged {
		svc = memlock.New()
	}
	return lock.NewLocker(cfg, adapter.NewInMemoryKV(), svc)
}
