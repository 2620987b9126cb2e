// Package redislock implements lock.Service on Redis. A mutex is a hash whose
// single field names the holder and counts its reentrant holds. Fair mutexes
// add a waiter list and a sorted set of waiter deadlines so that the lock is
// handed out in arrival order. Holders acquired with lock.NoLease are kept
// alive by a watchdog that renews the record while the process runs.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/puzpuzpuz/xsync/v3"
	redis "github.com/redis/go-redis/v9"

	kerrors "github.com/mirkobrombin/go-keylock/v1/errors"
	"github.com/mirkobrombin/go-keylock/v1/lock"
	"github.com/mirkobrombin/go-keylock/v1/metrics"
)

const (
	// DefaultWatchdogTimeout is the lease given to NoLease holders; it is
	// renewed every third of its length.
	DefaultWatchdogTimeout = 30 * time.Second
	// DefaultWaiterSlot is how long a fair waiter may take to claim the lock
	// once it reaches the head of the queue.
	DefaultWaiterSlot = 5 * time.Second
	// maxWaitStep bounds a single sleep between attempts so that a lost
	// release message only delays a waiter briefly.
	maxWaitStep = time.Second
	opTimeout   = 5 * time.Second
)

type renewal struct {
	cancel context.CancelFunc
	done   chan struct{}
	// gen counts acquisitions covered by this renewal. It is only touched
	// inside renewals.Compute.
	gen uint64
}

// Service is a Redis backed lock.Service.
type Service struct {
	client     *redis.Client
	id         string
	prefix     string
	watchdog   time.Duration
	waiterSlot time.Duration
	log        *slog.Logger

	renewals *xsync.MapOf[string, *renewal]
	closeMu  sync.Mutex
	closed   bool
}

var _ lock.Service = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithPrefix sets the namespace of lock keys and channels.
func WithPrefix(prefix string) Option {
	return func(s *Service) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithWatchdogTimeout sets the lease used for NoLease holders.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.watchdog = d
		}
	}
}

// WithWaiterSlot sets how long a fair waiter keeps its place at the head of
// the queue.
func WithWaiterSlot(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.waiterSlot = d
		}
	}
}

// WithLogger sets the logger. It defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a Service using client. Every Service gets its own id, so
// owner tokens are only reentrant within one process.
func New(client *redis.Client, opts ...Option) (*Service, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("redislock: client id: %w", err)
	}
	s := &Service{
		client:     client,
		id:         id,
		prefix:     lock.DefaultPrefix,
		watchdog:   DefaultWatchdogTimeout,
		waiterSlot: DefaultWaiterSlot,
		log:        slog.Default(),
		renewals:   xsync.NewMapOf[string, *renewal](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the id prefixed to every holder field written by s.
func (s *Service) ID() string { return s.id }

// Mutex implements lock.Service.
func (s *Service) Mutex(name string, fair bool) lock.Mutex {
	key := s.prefix + name
	return &mutex{
		svc:     s,
		name:    name,
		fair:    fair,
		key:     key,
		queue:   s.prefix + "queue:{" + name + "}",
		timeout: s.prefix + "timeout:{" + name + "}",
		channel: s.prefix + "channel:{" + name + "}",
	}
}

// Close stops every watchdog. Locks held with NoLease then expire after the
// watchdog timeout unless released first.
func (s *Service) Close() error {
	s.closeMu.Lock()
	s.closed = true
	s.closeMu.Unlock()
	s.renewals.Range(func(key string, r *renewal) bool {
		r.cancel()
		<-r.done
		s.renewals.Delete(key)
		return true
	})
	return nil
}

func (s *Service) field(owner string) string {
	return s.id + ":" + owner
}

func (s *Service) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (s *Service) mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, kerrors.ErrTimeout)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%s: %w", op, kerrors.ErrConnectionClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// startRenewal keeps key alive for field until stopRenewal is called or the
// record disappears.
func (s *Service) startRenewal(key, field string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	id := key + "\x00" + field
	s.renewals.Compute(id, func(old *renewal, loaded bool) (*renewal, bool) {
		if loaded {
			old.gen++
			return old, false
		}
		ctx, cancel := context.WithCancel(context.Background())
		r := &renewal{cancel: cancel, done: make(chan struct{})}
		go s.renew(ctx, r, id, key, field)
		return r, false
	})
}

func (s *Service) renew(ctx context.Context, r *renewal, id, key, field string) {
	defer close(r.done)
	ticker := time.NewTicker(s.watchdog / 3)
	defer ticker.Stop()
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		opCtx, cancel := s.opContext(ctx)
		n, err := renewScript.Run(opCtx, s.client, []string{key}, s.watchdog.Milliseconds(), field).Int64()
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("keylock: lock renewal failed", "key", key, "error", s.mapErr("renew", err))
			continue
		}
		if n == 0 {
			keep, gen := s.lostRenewal(id, r, seen)
			if keep {
				seen = gen
				continue
			}
			s.log.Warn("keylock: lock lost before renewal", "key", key)
			return
		}
	}
}

// lostRenewal unregisters r once its lock is gone. When the holder acquired
// again after generation seen, r stays registered and keeps running for the
// new hold; the returned generation is the one it now covers.
func (s *Service) lostRenewal(id string, r *renewal, seen uint64) (bool, uint64) {
	keep := false
	s.renewals.Compute(id, func(old *renewal, loaded bool) (*renewal, bool) {
		if !loaded || old != r {
			return old, !loaded
		}
		if r.gen != seen {
			keep = true
			seen = r.gen
			return old, false
		}
		return old, true
	})
	return keep, seen
}

func (s *Service) stopRenewal(key, field string) {
	if r, ok := s.renewals.LoadAndDelete(key + "\x00" + field); ok {
		r.cancel()
	}
}

type mutex struct {
	svc     *Service
	name    string
	fair    bool
	key     string
	queue   string
	timeout string
	channel string
}

func (m *mutex) Name() string { return m.name }

func (m *mutex) Lock(ctx context.Context, owner string, lease time.Duration) error {
	_, err := m.wait(ctx, owner, 0, lease, true)
	return err
}

func (m *mutex) TryLock(ctx context.Context, owner string, wait, lease time.Duration) (bool, error) {
	if wait < 0 {
		return false, kerrors.ErrInvalidWait
	}
	return m.wait(ctx, owner, wait, lease, false)
}

func (m *mutex) leaseFor(lease time.Duration) (time.Duration, error) {
	switch {
	case lease == lock.NoLease:
		return m.svc.watchdog, nil
	case lease <= 0:
		return 0, kerrors.ErrInvalidLease
	}
	return lease, nil
}

// attempt runs one lock script. It returns whether the lock is held and,
// when it is not, how long to wait before trying again.
func (m *mutex) attempt(ctx context.Context, field string, lease time.Duration, enqueue bool) (bool, time.Duration, error) {
	opCtx, cancel := m.svc.opContext(ctx)
	defer cancel()
	var cmd *redis.Cmd
	if m.fair {
		join := "0"
		if enqueue {
			join = "1"
		}
		cmd = fairLockScript.Run(opCtx, m.svc.client, []string{m.key, m.queue, m.timeout},
			lease.Milliseconds(), field, m.svc.waiterSlot.Milliseconds(), time.Now().UnixMilli(), join)
	} else {
		cmd = lockScript.Run(opCtx, m.svc.client, []string{m.key}, lease.Milliseconds(), field)
	}
	ttl, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, m.svc.mapErr("lock", err)
	}
	return false, time.Duration(ttl) * time.Millisecond, nil
}

func (m *mutex) leave(field string) {
	if !m.fair {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	err := leaveQueueScript.Run(ctx, m.svc.client, []string{m.queue, m.timeout},
		field, m.svc.waiterSlot.Milliseconds()).Err()
	if err != nil {
		m.svc.log.Warn("keylock: failed to leave lock queue", "key", m.key, "error", m.svc.mapErr("leave", err))
	}
}

func (m *mutex) wait(ctx context.Context, owner string, wait, lease time.Duration, forever bool) (bool, error) {
	if owner == "" {
		return false, kerrors.ErrEmptyOwner
	}
	effective, err := m.leaseFor(lease)
	if err != nil {
		return false, err
	}
	field := m.svc.field(owner)
	single := !forever && wait == 0

	ok, ttl, err := m.attempt(ctx, field, effective, !single)
	if err != nil || ok || single {
		if ok {
			m.acquired(field, lease)
		}
		return ok, err
	}

	// Waiters hear about releases on the mutex channel and otherwise retry
	// when the holder's lease or their queue slot is due.
	sub := m.svc.client.Subscribe(ctx, m.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		m.leave(field)
		return false, m.svc.mapErr("subscribe", err)
	}
	released := sub.Channel()

	deadline := time.Now().Add(wait)
	timer := time.NewTimer(maxWaitStep)
	defer timer.Stop()
	for {
		step := ttl
		if step <= 0 || step > maxWaitStep {
			step = maxWaitStep
		}
		if !forever {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				m.leave(field)
				return false, nil
			}
			step = min(step, remaining)
		}
		timer.Reset(step)
		select {
		case <-ctx.Done():
			m.leave(field)
			return false, ctx.Err()
		case _, open := <-released:
			if !open {
				released = nil
			}
			timer.Stop()
		case <-timer.C:
		}

		ok, ttl, err = m.attempt(ctx, field, effective, true)
		if err != nil {
			if ctx.Err() != nil {
				m.leave(field)
				return false, ctx.Err()
			}
			m.svc.log.Warn("keylock: lock attempt failed", "key", m.key, "error", err)
			ttl = 0
			continue
		}
		if ok {
			m.acquired(field, lease)
			return true, nil
		}
	}
}

func (m *mutex) acquired(field string, lease time.Duration) {
	if lease == lock.NoLease {
		m.svc.startRenewal(m.key, field)
	}
}

func (m *mutex) Unlock(ctx context.Context, owner string) error {
	field := m.svc.field(owner)
	opCtx, cancel := m.svc.opContext(ctx)
	defer cancel()
	var cmd *redis.Cmd
	if m.fair {
		cmd = fairUnlockScript.Run(opCtx, m.svc.client, []string{m.key, m.queue, m.timeout, m.channel},
			field, time.Now().UnixMilli())
	} else {
		cmd = unlockScript.Run(opCtx, m.svc.client, []string{m.key, m.channel}, field)
	}
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return kerrors.ErrNotHeld
	}
	if err != nil {
		return m.svc.mapErr("unlock", err)
	}
	if n == 1 {
		m.svc.stopRenewal(m.key, field)
	}
	return nil
}

func (m *mutex) IsLocked(ctx context.Context) (bool, error) {
	opCtx, cancel := m.svc.opContext(ctx)
	defer cancel()
	n, err := m.svc.client.Exists(opCtx, m.key).Result()
	if err != nil {
		return false, m.svc.mapErr("exists", err)
	}
	return n == 1, nil
}

func (m *mutex) IsHeldBy(ctx context.Context, owner string) (bool, error) {
	opCtx, cancel := m.svc.opContext(ctx)
	defer cancel()
	ok, err := m.svc.client.HExists(opCtx, m.key, m.svc.field(owner)).Result()
	if err != nil {
		return false, m.svc.mapErr("hexists", err)
	}
	return ok, nil
}
