// Package expiry listens for Redis key expiration events and forwards them to
// handlers and to a syncbus.Bus as expired:<key> topics, so that lock waiters
// learn about lapsed leases without waiting for their next poll.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-keylock/v1/metrics"
	"github.com/mirkobrombin/go-keylock/v1/syncbus"
)

// AllDBs subscribes to expirations in every logical database.
const AllDBs = -1

// Handler is called for every expired key.
type Handler func(ctx context.Context, key string)

// Listener pattern-subscribes to the keyevent expiration channel.
type Listener struct {
	client    *redis.Client
	db        int
	bus       syncbus.Bus
	handlers  []Handler
	configure bool
	log       *slog.Logger

	mu     sync.Mutex
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

// WithDB selects the logical database to watch, or AllDBs.
func WithDB(db int) Option {
	return func(l *Listener) { l.db = db }
}

// WithBus forwards every expiration as syncbus.ExpiredTopic(key).
func WithBus(bus syncbus.Bus) Option {
	return func(l *Listener) { l.bus = bus }
}

// WithHandler registers h. Handlers run in registration order on the
// listener goroutine.
func WithHandler(h Handler) Option {
	return func(l *Listener) { l.handlers = append(l.handlers, h) }
}

// WithNotifyConfig makes Start enable expired key events on the server
// (notify-keyspace-events Ex). Servers that forbid CONFIG only log a warning.
func WithNotifyConfig(enable bool) Option {
	return func(l *Listener) { l.configure = enable }
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Listener) {
		if log != nil {
			l.log = log
		}
	}
}

// New returns a Listener on db 0.
func New(client *redis.Client, opts ...Option) *Listener {
	l := &Listener{client: client, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Channel returns the channel pattern the listener subscribes to.
func (l *Listener) Channel() string {
	db := "*"
	if l.db != AllDBs {
		db = strconv.Itoa(l.db)
	}
	return "__keyevent@" + db + "__:expired"
}

// Start subscribes and dispatches events in the background until ctx is done
// or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ps != nil {
		return errors.New("expiry: listener already started")
	}
	if l.configure {
		if err := l.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
			l.log.Warn("keylock: cannot enable keyspace notifications", "error", err)
		}
	}
	ps := l.client.PSubscribe(ctx, l.Channel())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("expiry: subscribe %s: %w", l.Channel(), err)
	}
	ctx, cancel := context.WithCancel(ctx)
	l.ps, l.cancel, l.done = ps, cancel, make(chan struct{})
	go l.run(ctx, ps, l.done)
	l.log.Info("keylock: listening for key expirations", "channel", l.Channel())
	return nil
}

func (l *Listener) run(ctx context.Context, ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			l.dispatch(ctx, msg.Payload)
		}
	}
}

func (l *Listener) dispatch(ctx context.Context, key string) {
	metrics.ExpiredKeysCounter.Inc()
	l.log.Info("keylock: key expired", "key", key)
	for _, h := range l.handlers {
		h(ctx, key)
	}
	if l.bus != nil {
		if err := l.bus.Publish(ctx, syncbus.ExpiredTopic(key)); err != nil {
			l.log.Warn("keylock: expiry publish failed", "key", key, "error", err)
		}
	}
}

// Close stops the listener and waits for the dispatch goroutine.
func (l *Listener) Close() error {
	l.mu.Lock()
	ps, cancel, done := l.ps, l.cancel, l.done
	l.ps, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()
	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	<-done
	return err
}
